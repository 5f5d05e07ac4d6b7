package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore writes each summary as a hash, plus a per-caller list of
// session ids. Both keys expire after TTL.
type RedisStore struct {
	rc     redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with PING
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisStoreWithClient(rc, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(rc redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "relay:calls:"
	}
	return &RedisStore{rc: rc, prefix: prefix, ttl: ttl}
}

// e.g. relay:calls:{sessionId}
func (r *RedisStore) summaryKey(sessionID string) string {
	return r.prefix + sessionID
}

// e.g. relay:calls:caller:{correlationKey}
func (r *RedisStore) callerKey(correlationKey string) string {
	return r.prefix + "caller:" + correlationKey
}

// Save writes the summary hash and indexes it under the caller, both with the store TTL
func (r *RedisStore) Save(ctx context.Context, s CallSummary) error {
	if s.SessionID == "" {
		return fmt.Errorf("call summary requires a session id")
	}

	key := r.summaryKey(s.SessionID)
	pp := r.rc.TxPipeline()
	pp.HSet(ctx, key, s.fields())
	if s.CorrelationKey != "" {
		pp.LPush(ctx, r.callerKey(s.CorrelationKey), s.SessionID)
	}
	if r.ttl > 0 {
		pp.Expire(ctx, key, r.ttl)
		if s.CorrelationKey != "" {
			pp.Expire(ctx, r.callerKey(s.CorrelationKey), r.ttl)
		}
	}

	if _, err := pp.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save call summary %s: %w", s.SessionID, err)
	}
	return nil
}

// Get loads a summary by session id. It returns ErrNotFound for a missing or expired key.
func (r *RedisStore) Get(ctx context.Context, sessionID string) (CallSummary, error) {
	m, err := r.rc.HGetAll(ctx, r.summaryKey(sessionID)).Result()
	if err != nil {
		return CallSummary{}, err
	}
	if len(m) == 0 {
		return CallSummary{}, ErrNotFound
	}
	return fromFields(m), nil
}

// SessionsFor returns the most recent session ids recorded for a caller
func (r *RedisStore) SessionsFor(ctx context.Context, correlationKey string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.rc.LRange(ctx, r.callerKey(correlationKey), 0, limit-1).Result()
}

// Close closes the underlying client
func (r *RedisStore) Close() error {
	return r.rc.Close()
}
