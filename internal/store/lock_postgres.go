package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/flowcore/pkg/schema"
)

// PostgresLocker is a Locker backed by session-level Postgres advisory locks.
// Each critical section pins one pooled connection for the lock's lifetime.
type PostgresLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Locker = (*PostgresLocker)(nil)

// NewPostgresLocker creates a PostgresLocker. logger may be nil.
func NewPostgresLocker(pool *pgxpool.Pool, logger *slog.Logger) *PostgresLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLocker{pool: pool, logger: logger.With(slog.String("component", "pg-locker"))}
}

func (l *PostgresLocker) WithLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInternal, "acquire connection: %v", err).WithCause(err)
	}
	defer conn.Release()

	// Blocks until granted; pgx cancels the query when ctx is done.
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, runID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return schema.NewErrorf(schema.ErrCodeInternal, "advisory lock for run %s: %v", runID, err).WithCause(err)
	}

	fnErr := fn(ctx)

	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var released bool
	err = conn.QueryRow(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, runID).Scan(&released)
	if err != nil || !released {
		// Closing the session drops any advisory lock it still holds.
		l.logger.Warn("advisory unlock failed, closing session", slog.String("run_id", runID), slog.Any("error", err))
		_ = conn.Conn().Close(unlockCtx)
	}
	return fnErr
}
