package cache

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
)

// RedisConfig holds the shared score tier connection settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// RedisScoreStore shares computed scores between processes. Each score is a
// string key with a TTL; a per-candidate set tracks the keys to invalidate.
type RedisScoreStore struct {
	client redis.UniversalClient
	prefix string
	logger interfaces.Logger
}

// NewRedisScoreStore connects and pings Redis
func NewRedisScoreStore(ctx context.Context, cfg RedisConfig, log interfaces.Logger) (*RedisScoreStore, error) {
	log = logger.OrNop(log)
	log.Info("Connecting to Redis", map[string]interface{}{"address": cfg.Addr, "db": cfg.DB})

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewConnectionFailedError("redis "+cfg.Addr, err)
	}

	return NewRedisScoreStoreWithClient(client, cfg.Prefix, log), nil
}

// NewRedisScoreStoreWithClient wraps an existing client
func NewRedisScoreStoreWithClient(client redis.UniversalClient, prefix string, log interfaces.Logger) *RedisScoreStore {
	if prefix == "" {
		prefix = "hybridmem:score:"
	}
	return &RedisScoreStore{client: client, prefix: prefix, logger: logger.OrNop(log)}
}

func (s *RedisScoreStore) scoreKey(key string) string {
	return s.prefix + key
}

func (s *RedisScoreStore) candidateKey(candidateID string) string {
	return s.prefix + "cand:" + candidateID
}

// GetScore returns the shared score for key
func (s *RedisScoreStore) GetScore(ctx context.Context, key string) (float64, bool, error) {
	raw, err := s.client.Get(ctx, s.scoreKey(key)).Result()
	if stderrors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.NewCacheError("redis get failed", err)
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, errors.NewCacheError("corrupt cached score", err).WithDetail("key", key)
	}
	return score, true, nil
}

// SetScore stores score under key and indexes it by candidate
func (s *RedisScoreStore) SetScore(ctx context.Context, key, candidateID string, score float64, ttl time.Duration) error {
	cand := s.candidateKey(candidateID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.scoreKey(key), strconv.FormatFloat(score, 'g', -1, 64), ttl)
		pipe.SAdd(ctx, cand, key)
		pipe.Expire(ctx, cand, ttl)
		return nil
	})
	if err != nil {
		return errors.NewCacheError("redis set failed", err)
	}
	return nil
}

// DeleteCandidate drops every shared score of candidateID
func (s *RedisScoreStore) DeleteCandidate(ctx context.Context, candidateID string) error {
	cand := s.candidateKey(candidateID)
	members, err := s.client.SMembers(ctx, cand).Result()
	if err != nil {
		return errors.NewCacheError("redis smembers failed", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, s.scoreKey(m))
	}
	keys = append(keys, cand)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.NewCacheError("redis del failed", err)
	}
	return nil
}

// Clear removes every key under the prefix
func (s *RedisScoreStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return errors.NewCacheError("redis del failed", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errors.NewCacheError("redis scan failed", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return errors.NewCacheError("redis del failed", err)
		}
	}
	return nil
}

// Close closes the client
func (s *RedisScoreStore) Close() error {
	return s.client.Close()
}

var _ interfaces.ScoreStore = (*RedisScoreStore)(nil)
