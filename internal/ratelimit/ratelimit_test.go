package ratelimit_test

import (
	"testing"
	"time"

	"cloudwipe/internal/ratelimit"
)

const (
	tenantA = "11111111-1111-1111-1111-111111111111"
	tenantB = "22222222-2222-2222-2222-222222222222"
)

func newTestStore(t *testing.T) (*ratelimit.Store, *time.Time) {
	t.Helper()
	s, err := ratelimit.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	return s, &now
}

func TestCheckAllowsOncePerRefillWindow(t *testing.T) {
	s, now := newTestStore(t)
	allowed, wait, err := s.Check(tenantA)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed || wait != 0 {
		t.Fatalf("first check should be allowed, got allowed=%v wait=%d", allowed, wait)
	}
	allowed, wait, err = s.Check(tenantA)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allowed {
		t.Fatalf("second check before refill should be denied")
	}
	if wait <= 0 || wait > 3600 {
		t.Fatalf("wait out of range: %d", wait)
	}
	// a full window later the bucket is full again
	*now = now.Add(time.Hour)
	allowed, _, err = s.Check(tenantA)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed {
		t.Fatalf("check after refill window should be allowed")
	}
}

func TestTenantsAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	if allowed, _, _ := s.Check(tenantA); !allowed {
		t.Fatalf("tenant A first check denied")
	}
	if allowed, _, _ := s.Check(tenantB); !allowed {
		t.Fatalf("tenant B should be unaffected by tenant A consumption")
	}
}

func TestRecordFailureLengthensCooldown(t *testing.T) {
	s, _ := newTestStore(t)
	if allowed, _, _ := s.Check(tenantA); !allowed {
		t.Fatalf("first check denied")
	}
	_, before, err := s.Check(tenantA)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordFailure(tenantA); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	_, after, err := s.Check(tenantA)
	if err != nil {
		t.Fatal(err)
	}
	if after <= before {
		t.Fatalf("expected longer wait after failure: before=%d after=%d", before, after)
	}
}

func TestBackoffIsFloored(t *testing.T) {
	s, _ := newTestStore(t)
	if allowed, _, _ := s.Check(tenantA); !allowed {
		t.Fatalf("first check denied")
	}
	for i := 0; i < 20; i++ {
		if err := s.RecordFailure(tenantA); err != nil {
			t.Fatal(err)
		}
	}
	_, wait, err := s.Check(tenantA)
	if err != nil {
		t.Fatal(err)
	}
	if wait > 86400 {
		t.Fatalf("wait exceeds one-day floor: %d", wait)
	}
}

func TestStatePersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()
	s1, err := ratelimit.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s1.Now = func() time.Time { return now }
	if allowed, _, _ := s1.Check(tenantA); !allowed {
		t.Fatalf("first check denied")
	}
	s2, err := ratelimit.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s2.Now = func() time.Time { return now }
	if allowed, _, _ := s2.Check(tenantA); allowed {
		t.Fatalf("consumption should persist across store instances")
	}
}
