// Package ratelimit implements a per-tenant token bucket persisted to a
// small state file per tenant. Capacity is a single token; repeated
// failures shrink the refill rate geometrically.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultRefillRate covers one token per hour.
	DefaultRefillRate = 1.0 / 3600.0
	// minRefillRate caps backoff at one token per day.
	minRefillRate = 1.0 / 86400.0
	backoffFactor = 0.5
	capacity      = 1.0
)

// Bucket is the persisted per-tenant state.
type Bucket struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
	RefillRate float64   `json:"refill_rate"`
}

// Store holds one bucket file per tenant under Dir. Constructed once
// per process and injected; single writer by design.
type Store struct {
	mu  sync.Mutex
	dir string
	Now func() time.Time
}

// NewStore creates the state directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, Now: time.Now}, nil
}

// Check consumes a token if a full one is present. When the bucket is
// empty it reports how many seconds until the next token.
func (s *Store) Check(tenantID string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.load(tenantID)
	if err != nil {
		return false, 0, err
	}
	now := s.Now()
	s.refill(&b, now)
	if b.Tokens >= capacity {
		b.Tokens = 0
		if err := s.save(tenantID, b); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}
	wait := int(math.Ceil((capacity - b.Tokens) / b.RefillRate))
	if wait < 1 {
		wait = 1
	}
	if err := s.save(tenantID, b); err != nil {
		return false, 0, err
	}
	return false, wait, nil
}

// RecordFailure lengthens the effective cooldown after a failed run.
func (s *Store) RecordFailure(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.load(tenantID)
	if err != nil {
		return err
	}
	s.refill(&b, s.Now())
	b.RefillRate *= backoffFactor
	if b.RefillRate < minRefillRate {
		b.RefillRate = minRefillRate
	}
	return s.save(tenantID, b)
}

func (s *Store) refill(b *Bucket, now time.Time) {
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed > 0 {
		b.Tokens = math.Min(capacity, b.Tokens+elapsed*b.RefillRate)
	}
	b.LastRefill = now
}

func (s *Store) load(tenantID string) (Bucket, error) {
	data, err := os.ReadFile(s.path(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			// fresh tenant starts with a full bucket
			return Bucket{Tokens: capacity, LastRefill: s.Now(), RefillRate: DefaultRefillRate}, nil
		}
		return Bucket{}, err
	}
	var b Bucket
	if err := json.Unmarshal(data, &b); err != nil {
		return Bucket{}, fmt.Errorf("corrupt rate limiter state for %s: %w", tenantID, err)
	}
	if b.RefillRate <= 0 {
		b.RefillRate = DefaultRefillRate
	}
	return b, nil
}

func (s *Store) save(tenantID string, b Bucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(tenantID), data, 0o600)
}

func (s *Store) path(tenantID string) string {
	return filepath.Join(s.dir, tenantID+".json")
}
