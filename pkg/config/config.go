// Package config provides configuration management for hybridmem
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/types"
)

// EnvPrefix is prepended to environment overrides, e.g. HYBRIDMEM_RETRIEVAL_ALPHA
const EnvPrefix = "HYBRIDMEM"

// EngineConfig is the root configuration of the engine
type EngineConfig struct {
	LogLevel       string              `mapstructure:"log_level" yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsBackend string              `mapstructure:"metrics_backend" yaml:"metrics_backend" json:"metrics_backend" validate:"omitempty,oneof=noop memory otel"`
	Retrieval      RetrievalConfig     `mapstructure:"retrieval" yaml:"retrieval" json:"retrieval"`
	Temporal       TemporalConfig      `mapstructure:"temporal" yaml:"temporal" json:"temporal"`
	Cache          CacheConfig         `mapstructure:"cache" yaml:"cache" json:"cache"`
	Extraction     ExtractionConfig    `mapstructure:"extraction" yaml:"extraction" json:"extraction"`
	Classifier     ClassifierConfig    `mapstructure:"classifier" yaml:"classifier" json:"classifier"`
	Consolidation  ConsolidationConfig `mapstructure:"consolidation" yaml:"consolidation" json:"consolidation"`
	Recall         RecallConfig        `mapstructure:"recall" yaml:"recall" json:"recall"`
	Isolation      IsolationConfig     `mapstructure:"isolation" yaml:"isolation" json:"isolation"`
	Reminders      ReminderConfig      `mapstructure:"reminders" yaml:"reminders" json:"reminders"`
	Store          StoreConfig         `mapstructure:"store" yaml:"store" json:"store"`
	Session        SessionConfig       `mapstructure:"session" yaml:"session" json:"session"`
	Embedder       EmbedderConfig      `mapstructure:"embedder" yaml:"embedder" json:"embedder"`
}

// RetrievalConfig tunes hybrid retrieval
type RetrievalConfig struct {
	Alpha      float64 `mapstructure:"alpha" yaml:"alpha" json:"alpha" validate:"gte=0,lte=1"`
	MinScore   float64 `mapstructure:"min_score" yaml:"min_score" json:"min_score" validate:"gte=0,lte=1"`
	MaxResults int     `mapstructure:"max_results" yaml:"max_results" json:"max_results" validate:"gt=0"`
	K1         float64 `mapstructure:"k1" yaml:"k1" json:"k1" validate:"gte=0"`
	B          float64 `mapstructure:"b" yaml:"b" json:"b" validate:"gte=0,lte=1"`
}

// TemporalConfig tunes time decay for ranking and evaluation
type TemporalConfig struct {
	K           int           `mapstructure:"k" yaml:"k" json:"k" validate:"gt=0"`
	HalfLife    time.Duration `mapstructure:"half_life" yaml:"half_life" json:"half_life" validate:"gt=0"`
	Lambda      float64       `mapstructure:"lambda" yaml:"lambda" json:"lambda" validate:"gte=0"`
	MinFactor   float64       `mapstructure:"min_factor" yaml:"min_factor" json:"min_factor" validate:"gte=0,lte=1"`
	UsageWeight float64       `mapstructure:"usage_weight" yaml:"usage_weight" json:"usage_weight" validate:"gte=0"`
}

// CacheConfig sizes the score cache
type CacheConfig struct {
	MaxEntries    int           `mapstructure:"max_entries" yaml:"max_entries" json:"max_entries" validate:"gt=0"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl" validate:"gt=0"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule" json:"sweep_schedule"`
	Redis         RedisConfig   `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// RedisConfig configures the shared score tier
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password" yaml:"password" json:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db" validate:"gte=0"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
}

// ExtractionConfig tunes the preference extraction pipeline
type ExtractionConfig struct {
	MinConfidence     float64       `mapstructure:"min_confidence" yaml:"min_confidence" json:"min_confidence" validate:"gte=0,lte=1"`
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout" yaml:"classifier_timeout" json:"classifier_timeout" validate:"gt=0"`
	Persist           bool          `mapstructure:"persist" yaml:"persist" json:"persist"`
}

// ClassifierConfig selects the structured-output model backend
type ClassifierConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=openai ollama anthropic none"`
	Model       string        `mapstructure:"model" yaml:"model" json:"model" validate:"required_unless=Backend none"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key" json:"api_key,omitempty"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url" json:"base_url,omitempty"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// ConsolidationConfig tunes incremental consolidation
type ConsolidationConfig struct {
	// Threshold is the number of turns that triggers a pass; the turn that
	// brings the counter to Threshold consolidates the thread
	Threshold     int        `mapstructure:"threshold" yaml:"threshold" json:"threshold" validate:"gt=0"`
	RecentWindow  int        `mapstructure:"recent_window" yaml:"recent_window" json:"recent_window" validate:"gt=0"`
	CounterShards int        `mapstructure:"counter_shards" yaml:"counter_shards" json:"counter_shards" validate:"gt=0"`
	NATS          NATSConfig `mapstructure:"nats" yaml:"nats" json:"nats"`
}

// NATSConfig configures the shared counter bucket
type NATSConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	URL     string        `mapstructure:"url" yaml:"url" json:"url" validate:"required_if=Enabled true"`
	Bucket  string        `mapstructure:"bucket" yaml:"bucket" json:"bucket" validate:"required_if=Enabled true"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// RecallConfig tunes cross-thread concept recall
type RecallConfig struct {
	ExplicitFloor    float64       `mapstructure:"explicit_floor" yaml:"explicit_floor" json:"explicit_floor" validate:"gte=0,lte=1"`
	PassiveFloor     float64       `mapstructure:"passive_floor" yaml:"passive_floor" json:"passive_floor" validate:"gte=0,lte=1"`
	MaxRecalls       int           `mapstructure:"max_recalls" yaml:"max_recalls" json:"max_recalls" validate:"gt=0"`
	SearchLimit      int           `mapstructure:"search_limit" yaml:"search_limit" json:"search_limit" validate:"gt=0"`
	VitalityBoost    float64       `mapstructure:"vitality_boost" yaml:"vitality_boost" json:"vitality_boost" validate:"gte=0,lte=1"`
	VitalityHalfLife time.Duration `mapstructure:"vitality_half_life" yaml:"vitality_half_life" json:"vitality_half_life" validate:"gt=0"`
	DecaySchedule    string        `mapstructure:"decay_schedule" yaml:"decay_schedule" json:"decay_schedule"`
}

// IsolationConfig selects the agent isolation mode
type IsolationConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode"`
}

// ReminderConfig bounds reminders for pending intents
type ReminderConfig struct {
	MaxReminders int `mapstructure:"max_reminders" yaml:"max_reminders" json:"max_reminders" validate:"gt=0"`
}

// StoreConfig selects the long-term semantic store
type StoreConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=chromem qdrant memory"`
	Chromem ChromemConfig `mapstructure:"chromem" yaml:"chromem" json:"chromem"`
	Qdrant  QdrantConfig  `mapstructure:"qdrant" yaml:"qdrant" json:"qdrant"`
}

// ChromemConfig configures the embedded store
type ChromemConfig struct {
	Path       string `mapstructure:"path" yaml:"path" json:"path"`
	Collection string `mapstructure:"collection" yaml:"collection" json:"collection" validate:"required"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// QdrantConfig configures the remote store
type QdrantConfig struct {
	Host       string        `mapstructure:"host" yaml:"host" json:"host"`
	Port       int           `mapstructure:"port" yaml:"port" json:"port" validate:"gte=0"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key" json:"api_key,omitempty"`
	Collection string        `mapstructure:"collection" yaml:"collection" json:"collection"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// SessionConfig selects the short-term session store
type SessionConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=sqlite memory"`
	Path    string `mapstructure:"path" yaml:"path" json:"path" validate:"required_if=Backend sqlite"`
}

// EmbedderConfig selects the embedding backend
type EmbedderConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=hash openai"`
	Model     string        `mapstructure:"model" yaml:"model" json:"model"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key" json:"api_key,omitempty"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url" json:"base_url,omitempty"`
	Dimension int           `mapstructure:"dimension" yaml:"dimension" json:"dimension" validate:"gt=0"`
	MaxLength int           `mapstructure:"max_length" yaml:"max_length" json:"max_length" validate:"gte=0"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// NewEngineConfig returns the default configuration
func NewEngineConfig() *EngineConfig {
	return &EngineConfig{
		LogLevel:       "info",
		MetricsBackend: "noop",
		Retrieval: RetrievalConfig{
			Alpha:      0.5,
			MinScore:   0,
			MaxResults: 10,
			K1:         1.5,
			B:          0.75,
		},
		Temporal: TemporalConfig{
			K:           10,
			HalfLife:    7 * 24 * time.Hour,
			Lambda:      1,
			MinFactor:   0.1,
			UsageWeight: 0.1,
		},
		Cache: CacheConfig{
			MaxEntries:    1000,
			TTL:           time.Hour,
			SweepSchedule: "@every 5m",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "hybridmem:score:",
			},
		},
		Extraction: ExtractionConfig{
			MinConfidence:     0.6,
			ClassifierTimeout: 15 * time.Second,
			Persist:           true,
		},
		Classifier: ClassifierConfig{
			Backend:     "none",
			MaxTokens:   512,
			Temperature: 0,
			Timeout:     30 * time.Second,
		},
		Consolidation: ConsolidationConfig{
			Threshold:     10,
			RecentWindow:  20,
			CounterShards: 32,
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Bucket:  "hybridmem_counters",
				Timeout: 5 * time.Second,
			},
		},
		Recall: RecallConfig{
			ExplicitFloor:    0.5,
			PassiveFloor:     0.7,
			MaxRecalls:       3,
			SearchLimit:      10,
			VitalityBoost:    0.2,
			VitalityHalfLife: 30 * 24 * time.Hour,
			DecaySchedule:    "@hourly",
		},
		Isolation: IsolationConfig{Mode: "permissive"},
		Reminders: ReminderConfig{MaxReminders: 3},
		Store: StoreConfig{
			Backend: "chromem",
			Chromem: ChromemConfig{Collection: "hybridmem"},
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "hybridmem",
				Timeout:    30 * time.Second,
			},
		},
		Session: SessionConfig{Backend: "memory"},
		Embedder: EmbedderConfig{
			Backend:   "hash",
			Model:     "text-embedding-3-small",
			Dimension: 384,
			MaxLength: 512,
			Timeout:   30 * time.Second,
		},
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks field constraints. Failures are configuration errors.
func (c *EngineConfig) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		return errors.WrapError(err, types.ErrorTypeValidation, errors.ErrCodeConfigInvalid, "invalid engine configuration")
	}
	return nil
}

// Load reads a YAML or JSON file over the defaults, applies HYBRIDMEM_*
// environment overrides and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*EngineConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// every key needs a default so env overrides resolve for keys absent from the file
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewConfigNotFoundError(path)
	}
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WrapError(err, types.ErrorTypeValidation, errors.ErrCodeConfigError,
			fmt.Sprintf("failed to read config file %s", path))
	}
	return v, nil
}

func setDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(NewEngineConfig())
	if err != nil {
		return errors.WrapError(err, types.ErrorTypeInternal, errors.ErrCodeConfigError, "failed to encode defaults")
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return errors.WrapError(err, types.ErrorTypeInternal, errors.ErrCodeConfigError, "failed to decode defaults")
	}
	setDefaultTree(v, "", tree)
	return nil
}

func setDefaultTree(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			setDefaultTree(v, full, sub)
			continue
		}
		v.SetDefault(full, value)
	}
}

func decode(v *viper.Viper) (*EngineConfig, error) {
	cfg := NewEngineConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapError(err, types.ErrorTypeValidation, errors.ErrCodeConfigError, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// ToYAMLFile saves configuration to a YAML file
func (c *EngineConfig) ToYAMLFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Watcher reloads a configuration file when it changes on disk
type Watcher struct {
	mu      sync.RWMutex
	path    string
	viper   *viper.Viper
	current *EngineConfig
}

// NewWatcher loads path and prepares it for watching
func NewWatcher(path string) (*Watcher, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, viper: v, current: cfg}, nil
}

// Current returns the last valid configuration
func (w *Watcher) Current() *EngineConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch starts watching the file. onChange receives every valid reload;
// onError receives reloads that failed validation, which are discarded.
func (w *Watcher) Watch(onChange func(*EngineConfig), onError func(error)) {
	w.viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(w.viper)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		w.mu.Lock()
		w.current = cfg
		w.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	w.viper.WatchConfig()
}
