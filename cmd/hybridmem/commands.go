package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/core"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/retrieval"
	"github.com/memtensor/hybridmem/pkg/types"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hybridmem",
		Short:         "Hybrid memory engine for conversational agents",
		Long:          `hybridmem ranks memory passages with BM25 and semantic fusion, evaluates rankings with a time-decayed metric and runs the engine's maintenance jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRetrieveCmd(),
		newEvaluateCmd(),
		newConfigCmd(),
		newMaintainCmd(),
		newVersionCmd(),
	)
	return root
}

// corpusFile is the input of the retrieve command. A bare JSON array of
// strings is accepted as a corpus without hits.
type corpusFile struct {
	Passages []types.Passage   `json:"passages"`
	Hits     []types.SearchHit `json:"hits"`
}

func readCorpus(path string) (*corpusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewInvalidInputError("cannot read corpus file").WithDetail("path", path)
	}

	var texts []string
	if err := json.Unmarshal(data, &texts); err == nil {
		out := &corpusFile{Passages: make([]types.Passage, len(texts))}
		for i, t := range texts {
			out.Passages[i] = types.Passage{Text: t}
		}
		return out, nil
	}

	var out corpusFile
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.WrapError(err, types.ErrorTypeValidation, errors.ErrCodeInvalidInput, "malformed corpus file")
	}
	return &out, nil
}

func newRetrieveCmd() *cobra.Command {
	var (
		configPath string
		query      string
		corpusPath string
		alpha      float64
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Rank a corpus against a query",
		Long: `Rank the passages of a corpus file against a query with hybrid BM25 and semantic fusion.

The corpus file holds either a JSON array of strings or an object with
"passages" and optional semantic "hits".

Examples:
  hybridmem retrieve --query "docker networking" --corpus-file corpus.json
  hybridmem retrieve --query "tea" --corpus-file corpus.json --alpha 0.2 --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			hybridCfg := retrieval.HybridConfig{
				Alpha:      cfg.Retrieval.Alpha,
				MinScore:   cfg.Retrieval.MinScore,
				MaxResults: cfg.Retrieval.MaxResults,
				K1:         cfg.Retrieval.K1,
				B:          cfg.Retrieval.B,
			}
			if cmd.Flags().Changed("alpha") {
				hybridCfg.Alpha = alpha
			}
			retriever, err := retrieval.NewHybridRetriever(hybridCfg, logger.NewConsoleLogger(cfg.LogLevel), nil)
			if err != nil {
				return err
			}

			corpus, err := readCorpus(corpusPath)
			if err != nil {
				return err
			}
			ranked := retriever.RetrievePassages(query, corpus.Passages, corpus.Hits)

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), ranked)
			}
			return writeRanked(cmd.OutOrStdout(), ranked)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Query text")
	cmd.Flags().StringVarP(&corpusPath, "corpus-file", "f", "", "Path to the JSON corpus")
	cmd.Flags().Float64VarP(&alpha, "alpha", "a", 0.5, "Blend weight: 0 is pure lexical, 1 is pure semantic")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	_ = cmd.MarkFlagRequired("query")
	_ = cmd.MarkFlagRequired("corpus-file")
	return cmd
}

func writeRanked(w io.Writer, ranked []types.RankedPassage) error {
	if len(ranked) == 0 {
		_, err := fmt.Fprintln(w, "no passages matched")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSCORE\tLEXICAL\tSEMANTIC\tTEXT")
	for i, p := range ranked {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%.4f\t%s\n", i+1, p.Score, p.Lexical, p.Semantic, truncate(p.Text, 80))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

func newEvaluateCmd() *cobra.Command {
	var (
		configPath string
		file       string
		k          int
		at         string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a ranking with the time-decayed NDCG metric",
		Long: `Score a ranked list of candidates with time-decayed NDCG.

The file holds a JSON array of {"id", "relevance", "timestamp"} objects in
ranked order. Timestamps are RFC 3339; a missing timestamp contributes no gain.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("k") {
				cfg.Temporal.K = k
			}
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return errors.NewInvalidInputError("--now must be RFC 3339").WithDetail("now", at)
				}
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return errors.NewInvalidInputError("cannot read candidates file").WithDetail("path", file)
			}
			var candidates []types.TemporalCandidate
			if err := json.Unmarshal(data, &candidates); err != nil {
				return errors.WrapError(err, types.ErrorTypeValidation, errors.ErrCodeInvalidInput, "malformed candidates file")
			}

			score, err := retrieval.TimeDecayedNDCG(candidates, cfg.Temporal.K, cfg.Temporal.HalfLife, cfg.Temporal.Lambda, now)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "time-decayed ndcg@%d: %.4f (%d candidates)\n", cfg.Temporal.K, score, len(candidates))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the JSON candidates")
	cmd.Flags().IntVar(&k, "k", 10, "Evaluation window")
	cmd.Flags().StringVar(&at, "now", "", "Reference time (RFC 3339), defaults to the current time")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	var validatePath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(validatePath); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid\n", validatePath)
			return err
		},
	}
	validate.Flags().StringVarP(&validatePath, "config", "c", "", "Path to configuration file")
	_ = validate.MarkFlagRequired("config")

	var initPath string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.NewEngineConfig().ToYAMLFile(initPath); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", initPath)
			return err
		},
	}
	initCmd.Flags().StringVarP(&initPath, "out", "o", "hybridmem.yaml", "Destination file")

	cmd.AddCommand(validate, initCmd)
	return cmd
}

func newMaintainCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run the engine's periodic maintenance until interrupted",
		Long: `Build the engine from configuration and run its scheduled jobs: the score
cache sweep and concept vitality decay. Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMaintenance(ctx, configPath, watch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&watch, "watch", false, "Log configuration file changes")
	return cmd
}

func runMaintenance(ctx context.Context, configPath string, watch bool) error {
	var (
		cfg     *config.EngineConfig
		watcher *config.Watcher
		err     error
	)
	if watch && configPath != "" {
		if watcher, err = config.NewWatcher(configPath); err != nil {
			return err
		}
		cfg = watcher.Current()
	} else if cfg, err = config.Load(configPath); err != nil {
		return err
	}

	log := logger.NewConsoleLogger(cfg.LogLevel)
	engine, err := core.New(ctx, cfg, log, metrics.New(cfg.MetricsBackend))
	if err != nil {
		return err
	}
	defer engine.Close()

	if watcher != nil {
		watcher.Watch(func(next *config.EngineConfig) {
			log.Info("Configuration changed; restart to apply", map[string]interface{}{"path": configPath})
		}, func(err error) {
			log.Error("Ignoring invalid configuration change", err, map[string]interface{}{"path": configPath})
		})
	}

	m, err := core.NewMaintenance(engine, log)
	if err != nil {
		return err
	}
	m.Start(ctx)
	log.Info("Starting hybridmem maintenance", map[string]interface{}{
		"version": Version,
		"jobs":    m.Jobs(),
	})

	<-ctx.Done()
	m.Stop()
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hybridmem %s\n", Version)
			fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
		},
	}
}
