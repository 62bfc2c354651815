package consolidation

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
)

// maxCASAttempts bounds the optimistic update loop under contention
const maxCASAttempts = 64

// KVCounterStore keeps counters in a NATS JetStream key-value bucket so
// several engine processes share one count per thread. Every mutation is a
// revision-checked compare-and-set, retried on conflict.
type KVCounterStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	logger interfaces.Logger
}

// NewKVCounterStore connects to NATS and opens (or creates) the counter bucket
func NewKVCounterStore(ctx context.Context, cfg config.NATSConfig, log interfaces.Logger) (*KVCounterStore, error) {
	log = logger.OrNop(log)
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, errors.NewConfigInvalidError("nats counter store requires url and bucket")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	log.Info("Connecting to NATS for consolidation counters", map[string]interface{}{
		"url":    cfg.URL,
		"bucket": cfg.Bucket,
	})

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", map[string]interface{}{"url": nc.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, errors.NewConnectionFailedError(cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.NewConnectionFailedError(cfg.URL, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(initCtx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "hybridmem consolidation and reminder counters",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, errors.NewStoreError("failed to create or update counter bucket", err).
			WithDetail("bucket", cfg.Bucket)
	}

	s := NewKVCounterStoreWithBucket(kv, log)
	s.conn = conn
	return s, nil
}

// NewKVCounterStoreWithBucket wraps an already opened bucket
func NewKVCounterStoreWithBucket(kv jetstream.KeyValue, log interfaces.Logger) *KVCounterStore {
	return &KVCounterStore{kv: kv, logger: logger.OrNop(log)}
}

// Increment adds one and returns the new value
func (s *KVCounterStore) Increment(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, errors.NewInvalidInputError("counter key is required")
	}
	return s.update(ctx, key, func(v int64) int64 { return v + 1 })
}

// Get returns the current value, zero when absent
func (s *KVCounterStore) Get(ctx context.Context, key string) (int64, error) {
	v, _, err := s.load(ctx, bucketKey(key))
	return v, err
}

// Subtract removes n, never going below zero
func (s *KVCounterStore) Subtract(ctx context.Context, key string, n int64) (int64, error) {
	if n < 0 {
		return 0, errors.NewInvalidInputError("cannot subtract a negative amount")
	}
	return s.update(ctx, key, func(v int64) int64 {
		if v-n < 0 {
			return 0
		}
		return v - n
	})
}

// Close drains the NATS connection when the store owns it
func (s *KVCounterStore) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn = nil
	return err
}

func (s *KVCounterStore) update(ctx context.Context, key string, next func(int64) int64) (int64, error) {
	k := bucketKey(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, rev, err := s.load(ctx, k)
		if err != nil {
			return 0, err
		}
		v := next(cur)
		data := []byte(strconv.FormatInt(v, 10))

		if rev == 0 {
			_, err = s.kv.Create(ctx, k, data)
		} else {
			_, err = s.kv.Update(ctx, k, data, rev)
		}
		if err == nil {
			return v, nil
		}
		if !isRevisionConflict(err) {
			return 0, errors.NewStoreError("failed to write counter", err).WithDetail("key", key)
		}
		s.logger.Debug("Counter revision conflict, retrying", map[string]interface{}{
			"key":     key,
			"attempt": attempt + 1,
		})
	}
	return 0, errors.NewStoreError("counter update kept conflicting", nil).
		WithDetail("key", key).
		WithDetail("attempts", maxCASAttempts)
}

// load returns the value and revision of k; revision 0 means absent
func (s *KVCounterStore) load(ctx context.Context, k string) (int64, uint64, error) {
	entry, err := s.kv.Get(ctx, k)
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.NewStoreError("failed to read counter", err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(entry.Value())), 10, 64)
	if err != nil {
		return 0, 0, errors.NewStoreError(fmt.Sprintf("counter %q holds a non-integer value", k), err)
	}
	return v, entry.Revision(), nil
}

func isRevisionConflict(err error) bool {
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return stderrors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// bucketKey maps an arbitrary counter key onto the bucket's key alphabet
func bucketKey(key string) string {
	return "c." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

var _ interfaces.CounterStore = (*KVCounterStore)(nil)
