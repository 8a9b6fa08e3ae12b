package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloudwipe/internal/db"
	"cloudwipe/internal/domain"
	"cloudwipe/internal/lock"
	"cloudwipe/internal/migrate"
)

const tenant = "11111111-1111-1111-1111-111111111111"

func newTestManager(t *testing.T) *lock.Manager {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return lock.New(conn)
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	h, err := m.Acquire(ctx, tenant, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, tenant, time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestAcquireHeldFailsWithSecurityError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, tenant, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := m.Acquire(ctx, tenant, time.Minute)
	var se domain.SecurityError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError for held lock, got %v", err)
	}
}

func TestExpiredLockIsReaped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	if _, err := m.Acquire(ctx, tenant, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// holder crashed; ttl elapsed
	m.Now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := m.Acquire(ctx, tenant, time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestTenantsLockIndependently(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, tenant, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "22222222-2222-2222-2222-222222222222", time.Minute); err != nil {
		t.Fatalf("other tenant should lock independently: %v", err)
	}
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	h, err := m.Acquire(ctx, tenant, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, lock.Handle{Key: h.Key, Holder: "someone-else"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	// still held by the original holder
	if _, err := m.Acquire(ctx, tenant, time.Minute); err == nil {
		t.Fatalf("expected lock still held")
	}
}
