package recall

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/types"
)

// Config tunes recall detection
type Config struct {
	// ExplicitFloor is the similarity floor for "have we discussed X" queries
	ExplicitFloor float64
	// PassiveFloor is the similarity floor during normal chat
	PassiveFloor float64
	// MaxRecalls caps recalls surfaced per message
	MaxRecalls int
	// SearchLimit is how many neighbours are fetched from the store
	SearchLimit int
	// VitalityBoost is added to a recalled concept's vitality
	VitalityBoost float64
	// VitalityHalfLife decays vitality between mentions
	VitalityHalfLife time.Duration
}

// DefaultConfig returns the default recall configuration
func DefaultConfig() Config {
	return Config{
		ExplicitFloor:    0.5,
		PassiveFloor:     0.7,
		MaxRecalls:       3,
		SearchLimit:      10,
		VitalityBoost:    0.2,
		VitalityHalfLife: 30 * 24 * time.Hour,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.ExplicitFloor < 0 || c.ExplicitFloor > 1:
		return errors.NewConfigInvalidError("explicit floor must be within [0,1]").WithDetail("explicit_floor", c.ExplicitFloor)
	case c.PassiveFloor < 0 || c.PassiveFloor > 1:
		return errors.NewConfigInvalidError("passive floor must be within [0,1]").WithDetail("passive_floor", c.PassiveFloor)
	case c.MaxRecalls <= 0:
		return errors.NewConfigInvalidError("max recalls must be positive").WithDetail("max_recalls", c.MaxRecalls)
	case c.VitalityBoost < 0:
		return errors.NewConfigInvalidError("vitality boost must not be negative").WithDetail("vitality_boost", c.VitalityBoost)
	}
	return nil
}

// Request is one utterance checked for recalls
type Request struct {
	Text     string
	UserID   string
	AgentID  string
	ThreadID string
	// Explicit selects the lower floor used for direct questions about the past
	Explicit bool
}

// Recall is a concept surfaced again in a new thread
type Recall struct {
	Concept    types.ConceptEntry `json:"concept"`
	Similarity float64            `json:"similarity"`
}

// Detector finds cross-thread concept recalls
type Detector struct {
	store   interfaces.SemanticStore
	repo    *ConceptRepository
	config  Config
	logger  interfaces.Logger
	metrics interfaces.Metrics
	now     func() time.Time
}

// NewDetector creates a detector. store is searched for candidates and may be
// an isolation-scoped view; repo applies the recall updates.
func NewDetector(store interfaces.SemanticStore, repo *ConceptRepository, cfg Config, log interfaces.Logger, m interfaces.Metrics) (*Detector, error) {
	if store == nil || repo == nil {
		return nil, errors.NewConfigInvalidError("recall detector requires a store and a concept repository")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SearchLimit < cfg.MaxRecalls {
		cfg.SearchLimit = cfg.MaxRecalls
	}
	return &Detector{
		store:   store,
		repo:    repo,
		config:  cfg,
		logger:  logger.OrNop(log),
		metrics: metrics.OrNoOp(m),
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Detect searches the owner's concepts for matches above the floor that were
// never seen in the current thread, and applies a recall to each, best match
// first, up to MaxRecalls.
func (d *Detector) Detect(ctx context.Context, req Request) ([]Recall, error) {
	if strings.TrimSpace(req.Text) == "" {
		return []Recall{}, nil
	}
	if req.UserID == "" {
		return nil, errors.NewIdentityError("concept recall")
	}

	floor := d.config.PassiveFloor
	mode := "passive"
	if req.Explicit {
		floor = d.config.ExplicitFloor
		mode = "explicit"
	}

	hits, err := d.store.Query(ctx, req.Text, types.MetadataFilter{
		types.MetaKind:   types.KindConcept,
		types.MetaUserID: req.UserID,
	}, d.config.SearchLimit)
	if err != nil {
		return nil, errors.NewQueryFailedError("concept recall search", err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	at := d.now().UTC()
	recalls := []Recall{}
	for _, hit := range hits {
		if len(recalls) >= d.config.MaxRecalls {
			break
		}
		sim := 1 - hit.Distance
		if sim < floor {
			break
		}
		candidate, err := ConceptFromDocument(hit.ID, hit.Text, hit.Metadata)
		if err != nil || candidate.HasThread(req.ThreadID) {
			continue
		}

		entry, ok, err := d.repo.Recall(ctx, hit.ID, req.ThreadID, at, Boost{
			Amount:   d.config.VitalityBoost,
			HalfLife: d.config.VitalityHalfLife,
		})
		if err != nil {
			d.logger.Error("Failed to apply concept recall", err, map[string]interface{}{
				"concept_id": hit.ID,
			})
			continue
		}
		if !ok {
			continue
		}

		d.metrics.Counter("concept_recall", 1, map[string]string{"mode": mode})
		d.logger.Debug("Concept recalled", map[string]interface{}{
			"concept_id":    entry.ID,
			"concept":       entry.ConceptText,
			"similarity":    sim,
			"mention_count": entry.MentionCount,
			"thread_id":     req.ThreadID,
		})
		recalls = append(recalls, Recall{Concept: entry, Similarity: sim})
	}
	return recalls, nil
}
