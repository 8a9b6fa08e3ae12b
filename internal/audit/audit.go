// Package audit maintains an append-only, hash-chained record of every
// safety-relevant event. Entries are newline-delimited JSON; each hash
// is computed over the RFC 8785 canonical form of the entry minus its
// hash field and chained to the previous entry's hash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous-hash value of entry zero.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one audit record. Entries are never mutated or removed.
type Entry struct {
	Event        string         `json:"event"`
	Timestamp    string         `json:"timestamp"`
	TenantID     string         `json:"tenant_id"`
	Details      map[string]any `json:"details"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash,omitempty"`
}

// TamperError names the first entry at which the chain broke.
type TamperError struct {
	Index  int
	Reason string
}

func (e TamperError) Error() string {
	return fmt.Sprintf("audit log tampered at entry %d: %s", e.Index, e.Reason)
}

// Log appends to a single audit file. The distributed lock guarantees a
// single writer per tenant; the mutex guards in-process use.
type Log struct {
	mu       sync.Mutex
	path     string
	lastHash string
	Now      func() time.Time
}

// Open loads the chain tail so the next append links correctly. The
// file is only ever opened for append; no mutating API exists.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &Log{path: path, lastHash: GenesisHash, Now: time.Now}
	entries, err := l.read()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		l.lastHash = entries[len(entries)-1].Hash
	}
	return l, nil
}

// Append writes one entry chained to the previous one and returns its hash.
func (l *Log) Append(event, tenantID string, details map[string]any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if details == nil {
		details = map[string]any{}
	}
	e := Entry{
		Event:        event,
		Timestamp:    l.Now().UTC().Format(time.RFC3339Nano),
		TenantID:     tenantID,
		Details:      details,
		PreviousHash: l.lastHash,
	}
	h, err := hashEntry(e)
	if err != nil {
		return "", err
	}
	e.Hash = h
	line, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	l.lastHash = h
	return h, nil
}

// VerifyIntegrity walks the whole chain, recomputing each digest and
// checking each link. It fails at the first mismatch.
func (l *Log) VerifyIntegrity() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.read()
	if err != nil {
		return err
	}
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return TamperError{Index: i, Reason: "chain link does not match previous hash"}
		}
		want, err := hashEntry(Entry{
			Event:        e.Event,
			Timestamp:    e.Timestamp,
			TenantID:     e.TenantID,
			Details:      e.Details,
			PreviousHash: e.PreviousHash,
		})
		if err != nil {
			return err
		}
		if e.Hash != want {
			return TamperError{Index: i, Reason: "stored hash does not match entry contents"}
		}
		prev = e.Hash
	}
	return nil
}

// Entries returns a copy of the log for display.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

func (l *Log) read() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, TamperError{Index: len(entries), Reason: "entry is not valid JSON"}
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// hashEntry digests the canonical serialization of an entry whose hash
// field is unset. Canonicalization must be byte-exact, so the raw JSON
// is passed through RFC 8785 before hashing.
func hashEntry(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
