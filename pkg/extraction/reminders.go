package extraction

import (
	"context"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
)

const reminderKeyPrefix = "reminder:"

// ReminderTracker counts how often a pending intent was brought up again.
// Counters live in a CounterStore so concurrent turns never lose an update.
type ReminderTracker struct {
	counters     interfaces.CounterStore
	maxReminders int64
	logger       interfaces.Logger
	metrics      interfaces.Metrics
}

// NewReminderTracker creates a tracker that reports a record for purge once
// it has been reminded maxReminders times
func NewReminderTracker(counters interfaces.CounterStore, maxReminders int, log interfaces.Logger, m interfaces.Metrics) (*ReminderTracker, error) {
	if counters == nil {
		return nil, errors.NewConfigInvalidError("reminder tracker requires a counter store")
	}
	if maxReminders <= 0 {
		return nil, errors.NewConfigInvalidError("max reminders must be positive").
			WithDetail("max_reminders", maxReminders)
	}
	return &ReminderTracker{
		counters:     counters,
		maxReminders: int64(maxReminders),
		logger:       logger.OrNop(log),
		metrics:      metrics.OrNoOp(m),
	}, nil
}

// Remind records one reminder for recordID. purge is true once the count
// reaches the configured maximum.
func (r *ReminderTracker) Remind(ctx context.Context, recordID string) (count int64, purge bool, err error) {
	if recordID == "" {
		return 0, false, errors.NewInvalidInputError("reminder requires a record id")
	}
	count, err = r.counters.Increment(ctx, reminderKeyPrefix+recordID)
	if err != nil {
		return 0, false, err
	}
	purge = count >= r.maxReminders
	if purge {
		r.logger.Info("Pending intent reached reminder limit", map[string]interface{}{
			"record_id": recordID,
			"count":     count,
		})
		r.metrics.Counter("reminder_purged", 1, nil)
	}
	return count, purge, nil
}

// Count returns the current reminder count for recordID
func (r *ReminderTracker) Count(ctx context.Context, recordID string) (int64, error) {
	return r.counters.Get(ctx, reminderKeyPrefix+recordID)
}

// Acknowledge resets the reminder count for recordID
func (r *ReminderTracker) Acknowledge(ctx context.Context, recordID string) error {
	key := reminderKeyPrefix + recordID
	n, err := r.counters.Get(ctx, key)
	if err != nil || n == 0 {
		return err
	}
	_, err = r.counters.Subtract(ctx, key, n)
	return err
}
