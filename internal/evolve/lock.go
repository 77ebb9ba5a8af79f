package evolve

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// evolutionLockName is the singleton claim for the evolver run.
const evolutionLockName = "strategy_evolution"

// AdvisoryLock is a named mutual-exclusion claim backed by a database row.
// A holder claims the name with an expiry; the claim can be stolen only
// after it expires, so a crashed holder cannot wedge the schedule forever.
type AdvisoryLock struct {
	db     *sql.DB
	holder string
	logger *zap.Logger
}

// NewAdvisoryLock creates a lock with a unique holder identity.
func NewAdvisoryLock(db *sql.DB, logger *zap.Logger) *AdvisoryLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisoryLock{
		db:     db,
		holder: uuid.New().String(),
		logger: logger,
	}
}

// Migrate creates the locks table.
func (l *AdvisoryLock) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS locks (
			name       TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrating locks schema: %w", err)
	}
	return nil
}

// Acquire claims the named lock for ttl. A live claim by another holder
// returns ErrLockHeld; an expired claim is taken over.
func (l *AdvisoryLock) Acquire(ctx context.Context, name string, ttl time.Duration) error {
	now := time.Now().UTC()
	expiry := now.Add(ttl).Format(time.RFC3339Nano)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO locks (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE locks.expires_at < ? OR locks.holder = excluded.holder`,
		name, l.holder, expiry, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	l.logger.Debug("lock acquired",
		zap.String("lock", name),
		zap.String("holder", l.holder),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Release drops the claim. Only the current holder's claim is removed;
// releasing a lock someone else took over is a no-op.
func (l *AdvisoryLock) Release(ctx context.Context, name string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND holder = ?`, name, l.holder)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}
