package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcore/pkg/schema"
)

var (
	// Acquire is re-entrant for the same owner. Returns 1 if acquired or refreshed.
	leaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	leaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	leaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

if redis.call('GET', key) == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	// Prefix namespaces lease keys. Default "flowcore:".
	Prefix string
	// TTL is the lease duration; the lease is renewed every TTL/3 while held. Default 10s.
	TTL time.Duration
	// RetryInterval is the polling interval while another owner holds the lease. Default 50ms.
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// RedisLocker is a Locker backed by Redis leases, usable across processes.
// If a renewal fails the context passed to the critical section is cancelled.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisLockerConfig
	logger *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "flowcore:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger.With(slog.String("component", "redis-locker"))}
}

func (l *RedisLocker) key(runID string) string {
	return l.cfg.Prefix + "lease:run:" + runID
}

func (l *RedisLocker) WithLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	owner := uuid.NewString()
	key := l.key(runID)

	for {
		ok, err := l.eval(ctx, leaseAcquireLua, key, owner, l.cfg.TTL.Milliseconds())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInternal, "acquire lease for run %s: %v", runID, err).WithCause(err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}

	lockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go l.renew(lockCtx, cancel, done, runID, key, owner)

	err := fn(lockCtx)

	cancel()
	<-done
	// Release with a fresh context so a cancelled caller still frees the lease.
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if _, rerr := l.eval(releaseCtx, leaseReleaseLua, key, owner); rerr != nil {
		l.logger.Warn("release lease failed", slog.String("run_id", runID), slog.String("error", rerr.Error()))
	}
	return err
}

func (l *RedisLocker) renew(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}, runID, key, owner string) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.eval(ctx, leaseRenewLua, key, owner, l.cfg.TTL.Milliseconds())
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != nil || !ok {
				l.logger.Error("lease lost", slog.String("run_id", runID), slog.Any("error", err))
				cancel()
				return
			}
		}
	}
}

// eval runs a lease script and reports whether it returned 1.
func (l *RedisLocker) eval(ctx context.Context, script, key string, args ...any) (bool, error) {
	res, err := l.client.Eval(ctx, script, []string{key}, args...).Result()
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case int:
		return v == 1, nil
	case string:
		return v == "1", nil
	default:
		return false, fmt.Errorf("unexpected lease script result %T", res)
	}
}
