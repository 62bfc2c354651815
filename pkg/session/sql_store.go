package session

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
)

// SQLStore keeps thread summaries and messages in SQLite through gorm
type SQLStore struct {
	db     *gorm.DB
	logger interfaces.Logger
}

// NewSQLStore opens the database at path and creates the tables
func NewSQLStore(path string, log interfaces.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, errors.NewConfigInvalidError("session database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.NewStoreError("failed to create database directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.NewConnectionFailedError(path, err)
	}

	// sqlite allows one writer; a single connection also keeps :memory: coherent
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.NewConnectionFailedError(path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ThreadRecord{}, &MessageRecord{}); err != nil {
		return nil, errors.NewStoreError("failed to create session tables", err)
	}

	l := logger.OrNop(log)
	l.Info("Session store ready", map[string]interface{}{"path": path})
	return &SQLStore{db: db, logger: l}, nil
}

// GetThreadSummary returns the stored summary or nil when none exists
func (s *SQLStore) GetThreadSummary(ctx context.Context, sessionID, threadID string) (*types.ThreadSummary, error) {
	var rec ThreadRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND thread_id = ?", sessionID, threadID).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStoreError("failed to load thread summary", err)
	}
	return rec.toSummary(), nil
}

// SaveThreadSummary creates or replaces the summary of a thread. An existing
// consolidated-at marker is kept.
func (s *SQLStore) SaveThreadSummary(ctx context.Context, summary *types.ThreadSummary) error {
	if summary == nil || summary.SessionID == "" || summary.ThreadID == "" {
		return errors.NewInvalidInputError("thread summary requires session and thread ids")
	}
	rec := toThreadRecord(summary)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "agent_id", "summary", "concepts", "entities", "updated_at", "archived",
		}),
	}).Create(&rec).Error
	if err != nil {
		return errors.NewStoreError("failed to save thread summary", err)
	}
	return nil
}

// AppendMessage stores a conversation turn
func (s *SQLStore) AppendMessage(ctx context.Context, msg types.ConversationMessage) error {
	if msg.SessionID == "" || msg.ThreadID == "" {
		return errors.NewInvalidInputError("message requires session and thread ids")
	}
	rec := toMessageRecord(msg)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.NewStoreError("failed to append message", err)
	}
	return nil
}

// ListThreadMessages returns messages oldest first. limit <= 0 returns all,
// otherwise the most recent limit messages.
func (s *SQLStore) ListThreadMessages(ctx context.Context, sessionID, threadID string, limit int) ([]types.ConversationMessage, error) {
	query := s.db.WithContext(ctx).
		Where("session_id = ? AND thread_id = ?", sessionID, threadID).
		Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []MessageRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, errors.NewStoreError("failed to list thread messages", err)
	}

	out := make([]types.ConversationMessage, len(recs))
	for i, rec := range recs {
		out[len(recs)-1-i] = rec.toMessage()
	}
	return out, nil
}

// MarkThreadConsolidated records the durable consolidated-at marker
func (s *SQLStore) MarkThreadConsolidated(ctx context.Context, sessionID, threadID string, at time.Time) error {
	rec := ThreadRecord{
		SessionID:      sessionID,
		ThreadID:       threadID,
		Concepts:       encodeStrings(nil),
		Entities:       encodeStrings(nil),
		UpdatedAt:      at,
		ConsolidatedAt: &at,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"consolidated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return errors.NewStoreError("failed to mark thread consolidated", err)
	}
	return nil
}

// IsThreadConsolidated reports whether the consolidated-at marker is set
func (s *SQLStore) IsThreadConsolidated(ctx context.Context, sessionID, threadID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ThreadRecord{}).
		Where("session_id = ? AND thread_id = ? AND consolidated_at IS NOT NULL", sessionID, threadID).
		Count(&count).Error
	if err != nil {
		return false, errors.NewStoreError("failed to read consolidation marker", err)
	}
	return count > 0, nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
