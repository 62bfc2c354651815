package extraction

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/llm"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/types"
)

// Config tunes the pipeline
type Config struct {
	// MinConfidence is the acceptance floor; records below it are discarded
	MinConfidence float64
	// ClassifierTimeout bounds one classifier call
	ClassifierTimeout time.Duration
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{MinConfidence: 0.6, ClassifierTimeout: 15 * time.Second}
}

// Stage names a pipeline step
type Stage string

const (
	StageFilter    Stage = "filter"
	StageClassify  Stage = "classify"
	StageNormalize Stage = "normalize"
)

// Rejection reasons reported by the normalize stage
const (
	ReasonNeutral       = "neutral"
	ReasonLowConfidence = "low_confidence"
	ReasonMissingTopic  = "missing_topic"
)

// ClassifyResult is the outcome of the classify stage. Err is set when the
// classifier failed; Record is then the neutral zero-confidence fallback.
type ClassifyResult struct {
	Record types.PreferenceRecord
	Err    error
}

// Degraded reports whether the classifier failed
func (r ClassifyResult) Degraded() bool {
	return r.Err != nil
}

// NormalizeResult is the outcome of the normalize stage
type NormalizeResult struct {
	Record   types.PreferenceRecord
	Accepted bool
	Reason   string
}

// Outcome traces one message through every stage it reached
type Outcome struct {
	MessageID string
	Stage     Stage
	Filter    FilterResult
	Classify  *ClassifyResult
	Normalize *NormalizeResult
}

// Accepted returns the record when the message produced one
func (o Outcome) Accepted() (types.PreferenceRecord, bool) {
	if o.Normalize == nil || !o.Normalize.Accepted {
		return types.PreferenceRecord{}, false
	}
	return o.Normalize.Record, true
}

// Owner is the resolved identity records are attributed to
type Owner struct {
	ID       string
	Fallback bool
}

// Pipeline runs filter, classify and normalize over user turns
type Pipeline struct {
	filter     *Filter
	classifier interfaces.Classifier
	config     Config
	logger     interfaces.Logger
	metrics    interfaces.Metrics
	now        func() time.Time
}

// NewPipeline creates an extraction pipeline
func NewPipeline(classifier interfaces.Classifier, filter *Filter, cfg Config, log interfaces.Logger, m interfaces.Metrics) (*Pipeline, error) {
	if classifier == nil {
		return nil, errors.NewConfigInvalidError("extraction pipeline requires a classifier")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 || math.IsNaN(cfg.MinConfidence) {
		return nil, errors.NewConfigInvalidError("min confidence must be within [0,1]").
			WithDetail("min_confidence", cfg.MinConfidence)
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = DefaultConfig().ClassifierTimeout
	}
	if filter == nil {
		filter = NewFilter(nil)
	}
	return &Pipeline{
		filter:     filter,
		classifier: classifier,
		config:     cfg,
		logger:     logger.OrNop(log),
		metrics:    metrics.OrNoOp(m),
		now:        time.Now,
	}, nil
}

// SetClock overrides the time source
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// ResolveOwner picks the identity to attribute records to. The session
// identifier stands in for a missing durable one and the substitution is
// logged and counted; with neither the call fails with an identity error.
func (p *Pipeline) ResolveOwner(ids types.OwnerIdentifiers) (Owner, error) {
	owner, fallback, ok := ids.Resolve()
	if !ok {
		return Owner{}, errors.NewIdentityError("preference extraction")
	}
	if fallback {
		p.logger.Warn("extraction_identity_fallback", map[string]interface{}{
			"user_id": owner,
			"reason":  "subject_id missing, using session user_id",
		})
		p.metrics.Counter("extraction_identity_fallback", 1, nil)
	}
	return Owner{ID: owner, Fallback: fallback}, nil
}

// Extract returns the accepted records for the user turns in messages.
// Only identity errors are returned; classifier failures degrade silently.
// Records sharing an id are collapsed, keeping the most confident one.
func (p *Pipeline) Extract(ctx context.Context, messages []types.ConversationMessage, ids types.OwnerIdentifiers, threadID string) ([]types.PreferenceRecord, error) {
	owner, err := p.ResolveOwner(ids)
	if err != nil {
		return nil, err
	}
	return p.ExtractFor(ctx, messages, owner, threadID)
}

// ExtractFor is Extract for an owner already resolved by ResolveOwner
func (p *Pipeline) ExtractFor(ctx context.Context, messages []types.ConversationMessage, owner Owner, threadID string) ([]types.PreferenceRecord, error) {
	if owner.ID == "" {
		return nil, errors.NewIdentityError("preference extraction")
	}

	records := []types.PreferenceRecord{}
	index := make(map[string]int)
	for _, msg := range messages {
		if msg.Role != types.MessageRoleUser {
			continue
		}
		if threadID != "" && msg.ThreadID == "" {
			msg.ThreadID = threadID
		}
		out := p.Process(ctx, msg, owner)
		rec, ok := out.Accepted()
		if !ok {
			continue
		}
		if i, dup := index[rec.ID]; dup {
			if rec.Confidence >= records[i].Confidence {
				records[i] = rec
			}
			continue
		}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	return records, nil
}

// Process runs one message through the stages and reports how far it got
func (p *Pipeline) Process(ctx context.Context, msg types.ConversationMessage, owner Owner) Outcome {
	out := Outcome{MessageID: msg.ID, Stage: StageFilter}

	out.Filter = p.filter.Check(msg.Content)
	if !out.Filter.Candidate {
		p.metrics.Counter("extraction_filtered", 1, nil)
		return out
	}

	out.Stage = StageClassify
	cls := p.classify(ctx, msg.Content, out.Filter.Categories)
	out.Classify = &cls

	out.Stage = StageNormalize
	norm := p.normalize(owner, msg, cls)
	out.Normalize = &norm
	if norm.Accepted {
		p.metrics.Counter("extraction_accepted", 1, map[string]string{"type": string(norm.Record.Type)})
	} else {
		p.metrics.Counter("extraction_rejected", 1, map[string]string{"reason": norm.Reason})
	}
	return out
}

func (p *Pipeline) classify(ctx context.Context, text string, hints []types.PreferenceType) ClassifyResult {
	ctx, cancel := context.WithTimeout(ctx, p.config.ClassifierTimeout)
	defer cancel()

	prompt := BuildPrompt(text, hints, p.now().Format("2006-01-02"))
	raw, err := p.classifier.Classify(ctx, prompt, PreferenceSchema)
	if err == nil {
		var rec types.PreferenceRecord
		rec, err = decodeRecord(raw)
		if err == nil {
			return ClassifyResult{Record: rec}
		}
	}

	p.logger.Warn("Classifier failed, degrading to neutral", map[string]interface{}{
		"error": err.Error(),
	})
	p.metrics.Counter("extraction_classifier_failure", 1, nil)
	return ClassifyResult{
		Record: neutralRecord(),
		Err:    errors.NewClassificationError("preference classification failed", err),
	}
}

func neutralRecord() types.PreferenceRecord {
	return types.PreferenceRecord{
		Type:      types.PreferenceTypeNeutral,
		Sentiment: types.SentimentNeutral,
		Timeframe: types.TimeframeOngoing,
		Entities:  []string{},
	}
}

// decodeRecord reads the classifier payload. A payload without a usable type
// or confidence is malformed.
func decodeRecord(raw map[string]interface{}) (types.PreferenceRecord, error) {
	if raw == nil {
		return types.PreferenceRecord{}, fmt.Errorf("empty classifier payload")
	}
	typ, ok := raw["type"].(string)
	if !ok {
		return types.PreferenceRecord{}, fmt.Errorf("classifier payload has no type")
	}
	conf, ok := toFloat(raw["confidence"])
	if !ok {
		return types.PreferenceRecord{}, fmt.Errorf("classifier payload has no numeric confidence")
	}

	topic, _ := raw["topic"].(string)
	action, _ := raw["action"].(string)
	timeframe, _ := raw["timeframe"].(string)
	sentiment, _ := raw["sentiment"].(string)

	return types.PreferenceRecord{
		Type:       types.ParsePreferenceType(typ),
		Topic:      strings.TrimSpace(topic),
		Action:     strings.TrimSpace(action),
		Timeframe:  strings.TrimSpace(timeframe),
		Sentiment:  types.ParseSentiment(sentiment),
		Confidence: conf,
		Entities:   llm.StringList(raw["entities"]),
	}, nil
}

func (p *Pipeline) normalize(owner Owner, msg types.ConversationMessage, cls ClassifyResult) NormalizeResult {
	rec := cls.Record
	rec.Confidence = clampConfidence(rec.Confidence)

	switch {
	case rec.Type == types.PreferenceTypeNeutral:
		return NormalizeResult{Record: rec, Reason: ReasonNeutral}
	case rec.Confidence < p.config.MinConfidence:
		return NormalizeResult{Record: rec, Reason: ReasonLowConfidence}
	case rec.Topic == "":
		return NormalizeResult{Record: rec, Reason: ReasonMissingTopic}
	}

	rec.UserID = owner.ID
	rec.ID = types.PreferenceID(owner.ID, rec.Topic, rec.Type)
	rec.Text = msg.Content
	rec.Timeframe = normalizeTimeframe(rec.Timeframe)
	rec.SourceMessageID = msg.ID
	rec.ThreadID = msg.ThreadID
	rec.CapturedAt = p.now().UTC()
	if rec.Entities == nil {
		rec.Entities = []string{}
	}
	return NormalizeResult{Record: rec, Accepted: true}
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

var timeframeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
}

// normalizeTimeframe keeps "ongoing" and ISO-8601 values, re-rendered as
// RFC3339. Anything unparseable becomes "ongoing".
func normalizeTimeframe(tf string) string {
	tf = strings.TrimSpace(tf)
	if tf == "" || strings.EqualFold(tf, types.TimeframeOngoing) {
		return types.TimeframeOngoing
	}
	for _, layout := range timeframeLayouts {
		if t, err := time.Parse(layout, tf); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return types.TimeframeOngoing
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
