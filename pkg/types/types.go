// Package types defines the core data model shared by the hybridmem engine
package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageRole represents the role of a message in a conversation
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// EmbeddingVector represents a vector embedding
type EmbeddingVector []float32

// ConversationMessage is a single turn stored for a thread
type ConversationMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id,omitempty"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Role      MessageRole `json:"role" validate:"required,oneof=user assistant system"`
	Content   string      `json:"content" validate:"required"`
	CreatedAt time.Time   `json:"created_at"`
}

// PreferenceType classifies an extracted record
type PreferenceType string

const (
	PreferenceTypePreference PreferenceType = "preference"
	PreferenceTypeIntent     PreferenceType = "intent"
	PreferenceTypeConstraint PreferenceType = "constraint"
	PreferenceTypeNeutral    PreferenceType = "neutral"
)

// ParsePreferenceType maps free-form classifier output onto a known type.
// Unknown values fall back to neutral.
func ParsePreferenceType(s string) PreferenceType {
	switch PreferenceType(strings.ToLower(strings.TrimSpace(s))) {
	case PreferenceTypePreference:
		return PreferenceTypePreference
	case PreferenceTypeIntent:
		return PreferenceTypeIntent
	case PreferenceTypeConstraint:
		return PreferenceTypeConstraint
	default:
		return PreferenceTypeNeutral
	}
}

// Sentiment of an extracted record
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// ParseSentiment maps free-form classifier output onto a known sentiment
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case SentimentPositive:
		return SentimentPositive
	case SentimentNegative:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// TimeframeOngoing marks a record with no bounded timeframe
const TimeframeOngoing = "ongoing"

// PreferenceRecord is a structured preference, intent or constraint extracted from a user turn.
// Records are immutable once stored; a later extraction with the same ID supersedes them.
type PreferenceRecord struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Type            PreferenceType `json:"type"`
	Topic           string         `json:"topic"`
	Action          string         `json:"action"`
	Text            string         `json:"text"`
	Timeframe       string         `json:"timeframe"`
	Sentiment       Sentiment      `json:"sentiment"`
	Confidence      float64        `json:"confidence"`
	Entities        []string       `json:"entities"`
	SourceMessageID string         `json:"source_message_id,omitempty"`
	ThreadID        string         `json:"thread_id,omitempty"`
	CapturedAt      time.Time      `json:"captured_at"`
}

// ConceptEntry is a durable concept folded out of conversation history
type ConceptEntry struct {
	ID               string    `json:"id"`
	ConceptText      string    `json:"concept_text"`
	UserID           string    `json:"user_id"`
	AgentID          string    `json:"agent_id,omitempty"`
	FirstMentionedAt time.Time `json:"first_mentioned_at"`
	LastMentionedAt  time.Time `json:"last_mentioned_at"`
	MentionCount     int       `json:"mention_count"`
	Vitality         float64   `json:"vitality"`
	// VitalityAt is when Vitality was last boosted or decayed
	VitalityAt time.Time `json:"vitality_at"`
	ThreadIDs  []string  `json:"thread_ids"`
}

// HasThread reports whether the concept was already seen in threadID
func (c *ConceptEntry) HasThread(threadID string) bool {
	for _, id := range c.ThreadIDs {
		if id == threadID {
			return true
		}
	}
	return false
}

// AddThread records threadID in the thread set. It returns false if it was already present.
func (c *ConceptEntry) AddThread(threadID string) bool {
	if threadID == "" || c.HasThread(threadID) {
		return false
	}
	c.ThreadIDs = append(c.ThreadIDs, threadID)
	return true
}

// OwnerIdentifiers carries the identifiers a caller can attribute data to
type OwnerIdentifiers struct {
	// SubjectID is the durable identity of the person
	SubjectID string `json:"subject_id,omitempty"`
	// UserID is the session scoped identity
	UserID string `json:"user_id,omitempty"`
}

// Resolve returns the owner to attribute data to. fallback is true when the
// session identifier stood in for a missing durable one; ok is false when
// neither identifier is usable.
func (o OwnerIdentifiers) Resolve() (owner string, fallback bool, ok bool) {
	if s := strings.TrimSpace(o.SubjectID); s != "" {
		return s, false, true
	}
	if u := strings.TrimSpace(o.UserID); u != "" {
		return u, true, true
	}
	return "", false, false
}

// Metadata keys written alongside stored documents. Values are always strings.
const (
	MetaKind            = "kind"
	MetaUserID          = "user_id"
	MetaAgentID         = "agent_id"
	MetaThreadID        = "thread_id"
	MetaThreadIDs       = "thread_ids"
	MetaCreatedAt       = "created_at"
	MetaFirstMentioned  = "first_mentioned_at"
	MetaLastMentioned   = "last_mentioned_at"
	MetaMentionCount    = "mention_count"
	MetaUseCount        = "use_count"
	MetaVitality        = "vitality"
	MetaVitalityAt      = "vitality_at"
	MetaConceptText     = "concept_text"
	MetaVersion         = "version"
	MetaID              = "id"
	MetaPreferenceType  = "type"
	MetaTopic           = "topic"
	MetaAction          = "action"
	MetaTimeframe       = "timeframe"
	MetaSentiment       = "sentiment"
	MetaConfidence      = "confidence"
	MetaEntities        = "entities"
	MetaSourceMessageID = "source_message_id"
	MetaCapturedAt      = "captured_at"
)

// Document kinds stored in the semantic store
const (
	KindPreference = "preference"
	KindConcept    = "concept"
	KindMemory     = "memory"
)

// MetadataFilter is a conjunction of exact-match metadata conditions
type MetadataFilter map[string]string

// SearchHit is one result returned by a semantic query. Lower distance means more similar.
type SearchHit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

// StoredDocument is a document written to the semantic store
type StoredDocument struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// GetResult holds the parallel slices returned by a filtered get
type GetResult struct {
	IDs       []string            `json:"ids"`
	Documents []string            `json:"documents"`
	Metadatas []map[string]string `json:"metadatas"`
}

// Len returns the number of documents in the result
func (r *GetResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.IDs)
}

// Append adds one document to the result
func (r *GetResult) Append(id, text string, meta map[string]string) {
	r.IDs = append(r.IDs, id)
	r.Documents = append(r.Documents, text)
	r.Metadatas = append(r.Metadatas, meta)
}

// Passage is one corpus entry offered to retrieval. ID and Version are
// optional and only used to key cached scores.
type Passage struct {
	ID       string            `json:"id,omitempty"`
	Version  string            `json:"version,omitempty"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RankedPassage is a corpus passage scored by hybrid retrieval
type RankedPassage struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Lexical  float64           `json:"lexical"`
	Semantic float64           `json:"semantic"`
	Score    float64           `json:"score"`
	// Cached is set when the sub-scores were served from the score cache
	Cached bool `json:"cached,omitempty"`
}

// TemporalCandidate is one ranked item fed to the time-decayed ranking metric
type TemporalCandidate struct {
	ID        string     `json:"id"`
	Relevance float64    `json:"relevance"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ThreadDigest is what a summarizer produces for a window of messages
type ThreadDigest struct {
	Summary  string   `json:"summary"`
	Concepts []string `json:"concepts"`
	Entities []string `json:"entities"`
}

// ThreadSummary is the short-term summary persisted per thread
type ThreadSummary struct {
	SessionID      string     `json:"session_id"`
	ThreadID       string     `json:"thread_id"`
	UserID         string     `json:"user_id"`
	AgentID        string     `json:"agent_id,omitempty"`
	Summary        string     `json:"summary"`
	Concepts       []string   `json:"concepts"`
	Entities       []string   `json:"entities"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`
	Archived       bool       `json:"archived"`
}

// ConsolidationStatus is the outcome of a consolidation attempt
type ConsolidationStatus string

const (
	ConsolidationCounting     ConsolidationStatus = "counting"
	ConsolidationSuccess      ConsolidationStatus = "consolidated"
	ConsolidationInProgress   ConsolidationStatus = "in_progress"
	ConsolidationSkipped      ConsolidationStatus = "skipped"
	ConsolidationError        ConsolidationStatus = "error"
	ConsolidationIdentityFail ConsolidationStatus = "identity_error"
)

// ConsolidationResult reports what a consolidation pass did
type ConsolidationResult struct {
	Status           ConsolidationStatus `json:"status"`
	NewConceptsCount int                 `json:"new_concepts_count"`
	Count            int64               `json:"count"`
	Error            string              `json:"error,omitempty"`
}

// SchemaField describes one property of a structured classifier output
type SchemaField struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Items       string   `json:"items,omitempty"`
}

// OutputSchema describes the structured record a classifier must return
type OutputSchema struct {
	Name       string                 `json:"name"`
	Properties map[string]SchemaField `json:"properties"`
	Required   []string               `json:"required"`
}

// JSONSchema renders the schema as a JSON Schema object
func (s OutputSchema) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for name, f := range s.Properties {
		p := map[string]interface{}{"type": f.Type}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		if f.Type == "array" {
			items := f.Items
			if items == "" {
				items = "string"
			}
			p["items"] = map[string]interface{}{"type": items}
		}
		props[name] = p
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"required":             s.Required,
		"additionalProperties": false,
	}
}

// ErrorType categorizes engine errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeIdentity   ErrorType = "identity"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
)

var idNamespace = uuid.MustParse("8d4c2f6e-3b7a-5e1d-9c0f-2a6b4e8d1f35")

// PreferenceID derives the stable id of a preference record so that
// re-extracting the same preference updates rather than duplicates it.
func PreferenceID(owner, topic string, t PreferenceType) string {
	return stableID("preference", owner, NormalizeKey(topic), string(t))
}

// ConceptID derives the stable id of a concept for an owner and agent
func ConceptID(userID, agentID, conceptText string) string {
	return stableID("concept", userID, strings.ToLower(agentID), NormalizeKey(conceptText))
}

// stableID hashes quoted parts so that a separator inside one part cannot
// shift the boundary between parts.
func stableID(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = strconv.Quote(p)
	}
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(quoted, ","))).String()
}

// NormalizeKey lowercases s and collapses internal whitespace
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
