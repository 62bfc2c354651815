// Package session provides short-term thread state stores for hybridmem
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memtensor/hybridmem/pkg/types"
)

// ThreadRecord is the persisted short-term summary of a thread
type ThreadRecord struct {
	SessionID      string    `gorm:"primaryKey;type:varchar(128)"`
	ThreadID       string    `gorm:"primaryKey;type:varchar(128)"`
	UserID         string    `gorm:"index;type:varchar(128)"`
	AgentID        string    `gorm:"type:varchar(128)"`
	Summary        string    `gorm:"type:text"`
	Concepts       string    `gorm:"type:text"`
	Entities       string    `gorm:"type:text"`
	UpdatedAt      time.Time `gorm:"not null"`
	ConsolidatedAt *time.Time
	Archived       bool `gorm:"not null;default:false"`
}

// TableName overrides the default table name
func (ThreadRecord) TableName() string {
	return "thread_summaries"
}

// MessageRecord is one persisted conversation turn
type MessageRecord struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement"`
	MessageID string    `gorm:"uniqueIndex;type:varchar(64)"`
	SessionID string    `gorm:"index:idx_thread_messages;type:varchar(128)"`
	ThreadID  string    `gorm:"index:idx_thread_messages;type:varchar(128)"`
	Role      string    `gorm:"not null;type:varchar(16)"`
	Content   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName overrides the default table name
func (MessageRecord) TableName() string {
	return "thread_messages"
}

// BeforeCreate hook for MessageRecord
func (m *MessageRecord) BeforeCreate(tx *gorm.DB) error {
	if m.MessageID == "" {
		m.MessageID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}

func toThreadRecord(s *types.ThreadSummary) ThreadRecord {
	return ThreadRecord{
		SessionID:      s.SessionID,
		ThreadID:       s.ThreadID,
		UserID:         s.UserID,
		AgentID:        s.AgentID,
		Summary:        s.Summary,
		Concepts:       encodeStrings(s.Concepts),
		Entities:       encodeStrings(s.Entities),
		UpdatedAt:      s.UpdatedAt,
		ConsolidatedAt: s.ConsolidatedAt,
		Archived:       s.Archived,
	}
}

func (r ThreadRecord) toSummary() *types.ThreadSummary {
	return &types.ThreadSummary{
		SessionID:      r.SessionID,
		ThreadID:       r.ThreadID,
		UserID:         r.UserID,
		AgentID:        r.AgentID,
		Summary:        r.Summary,
		Concepts:       decodeStrings(r.Concepts),
		Entities:       decodeStrings(r.Entities),
		UpdatedAt:      r.UpdatedAt,
		ConsolidatedAt: r.ConsolidatedAt,
		Archived:       r.Archived,
	}
}

func toMessageRecord(m types.ConversationMessage) MessageRecord {
	return MessageRecord{
		MessageID: m.ID,
		SessionID: m.SessionID,
		ThreadID:  m.ThreadID,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func (m MessageRecord) toMessage() types.ConversationMessage {
	return types.ConversationMessage{
		ID:        m.MessageID,
		SessionID: m.SessionID,
		ThreadID:  m.ThreadID,
		Role:      types.MessageRole(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func encodeStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
