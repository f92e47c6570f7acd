package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/careline/careline/pkg/errorsx"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "careline:session:"
	sessionTTL     = time.Hour
)

// RedisStore keeps sessions in a replicated key-value store so a pool of
// agent processes can share call state. Entries carry a TTL refreshed on
// every write; a call can never resume after transport loss, so expiry is
// purely hygiene.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger}
}

func (r *RedisStore) key(callID string) string { return redisKeyPrefix + callID }

func (r *RedisStore) load(ctx context.Context, callID string) (*CallSession, error) {
	raw, err := r.client.Get(ctx, r.key(callID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreUnavailable)
	}
	var s CallSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) save(ctx context.Context, s *CallSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(s.CallID), raw, sessionTTL).Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStoreUnavailable)
	}
	return nil
}

func (r *RedisStore) Create(ctx context.Context, callID string) (*CallSession, error) {
	if existing, err := r.load(ctx, callID); err == nil && existing != nil {
		r.logger.Warn("session_overwrite", "call_id", callID)
	}
	s := newSession(callID)
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, callID string) (*CallSession, error) {
	return r.load(ctx, callID)
}

// Update is load-modify-save without a transaction. The intake
// controller is the only writer for a call and handles one utterance at
// a time; background work such as confirmation dispatch only reads. A
// second writer would need WATCH or a Lua script here.
func (r *RedisStore) Update(ctx context.Context, callID string, fields Fields) (*CallSession, error) {
	s, err := r.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	fields.apply(s)
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// TransitionPhase shares Update's single-writer assumption. The
// forward-only guard below means a stale save can at worst repeat a
// transition, never regress one.
func (r *RedisStore) TransitionPhase(ctx context.Context, callID string, next Phase) (*CallSession, error) {
	s, err := r.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !CanAdvance(s.Phase, next) {
		r.logger.Warn("phase_regression_blocked",
			"call_id", callID, "from", string(s.Phase), "to", string(next))
		return s, nil
	}
	s.Phase = next
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, callID string) error {
	return r.client.Del(ctx, r.key(callID)).Err()
}

func (r *RedisStore) ActiveCalls(ctx context.Context) int {
	var count int
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("session_scan_failed", "error", err)
	}
	return count
}

func (r *RedisStore) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// NewStore picks the backend. With a redis address configured it pings the
// server once; an unreachable store degrades to the in-process backend
// with a warning instead of failing call setup.
func NewStore(ctx context.Context, redisAddr, redisPassword string, redisDB int, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	if redisAddr == "" {
		return NewMemoryStore(logger)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis_unreachable_falling_back_to_memory",
			"addr", redisAddr, "error", err)
		_ = client.Close()
		return NewMemoryStore(logger)
	}
	logger.Info("state_store_redis", "addr", redisAddr)
	return NewRedisStore(client, logger)
}
