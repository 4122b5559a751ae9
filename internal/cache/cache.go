// Package cache memoizes expensive workflow results behind a time-bounded store.
//
// Values are opaque encoded snapshots. An entry is visible to Get only while
// now < expires_at; expired entries may stay resident until a Sweep or the
// backend's own reclamation removes them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Clock func() time.Time

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Clear(ctx context.Context) int
	Sweep(ctx context.Context) int
	Stats(ctx context.Context) Stats
}

type Stats struct {
	Backend        string         `json:"backend"`
	EntryCount     int            `json:"entry_count"`
	ExpiredCount   int            `json:"expired_count"`
	HitCount       uint64         `json:"hit_count"`
	MissCount      uint64         `json:"miss_count"`
	CorruptCount   uint64         `json:"corrupt_count"`
	OldestEntryAge time.Duration  `json:"-"`
	OldestAgeSecs  float64        `json:"oldest_entry_age_seconds"`
	Workflows      map[string]int `json:"workflows"`
}

// Key derives the cache key for a workflow run. Inputs must already be normalized;
// map keys are encoded in sorted order so equal inputs always hash alike.
func Key(workflow string, input map[string]any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key input: %w", err)
	}

	sum := sha256.Sum256(data)
	return workflow + ":" + hex.EncodeToString(sum[:]), nil
}

// WorkflowOf returns the workflow prefix of a key produced by Key.
func WorkflowOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return "unknown"
}

type entry struct {
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (s *Stats) observe(key string, e *entry, now time.Time) {
	if e.expired(now) {
		s.ExpiredCount++
		return
	}

	s.EntryCount++
	s.Workflows[WorkflowOf(key)]++
	if age := now.Sub(e.CreatedAt); age > s.OldestEntryAge {
		s.OldestEntryAge = age
	}
}

func (s *Stats) finish() {
	s.OldestAgeSecs = s.OldestEntryAge.Seconds()
}

func newStats(backend string) Stats {
	return Stats{Backend: backend, Workflows: make(map[string]int)}
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
