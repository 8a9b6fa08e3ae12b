// Package lock provides cross-process mutual exclusion per tenant,
// backed by a shared store with TTL expiry. Acquisition is an atomic
// set-if-absent-with-expiry; a held lock fails immediately rather than
// blocking or retrying.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cloudwipe/internal/domain"
)

// Manager acquires and releases tenant reset locks.
type Manager struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Manager {
	return &Manager{DB: db, Now: time.Now}
}

// Handle identifies an acquired lock so only its owner can release it.
type Handle struct {
	Key    string
	Holder string
}

// Acquire takes the tenant lock or fails with SecurityError if another
// reset holds it. Expired rows are reaped inside the same transaction,
// so a crashed holder never blocks the next run past the TTL.
func (m *Manager) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (Handle, error) {
	key := "reset:" + tenantID
	holder := uuid.NewString()
	now := m.Now().UTC()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return Handle{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reset_locks WHERE key=? AND expires_at<=?`, key, now.Unix()); err != nil {
		return Handle{}, fmt.Errorf("reap expired lock: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO reset_locks(key,holder,acquired_at,expires_at) VALUES (?,?,?,?) ON CONFLICT(key) DO NOTHING`,
		key, holder, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return Handle{}, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Handle{}, err
	}
	if n == 0 {
		return Handle{}, domain.SecurityError{Reason: fmt.Sprintf("reset already in progress for tenant %s", tenantID)}
	}
	if err := tx.Commit(); err != nil {
		return Handle{}, err
	}
	return Handle{Key: key, Holder: holder}, nil
}

// Release drops the lock if we still hold it. Safe to call after
// expiry; releasing someone else's lock is a no-op.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM reset_locks WHERE key=? AND holder=?`, h.Key, h.Holder)
	return err
}
