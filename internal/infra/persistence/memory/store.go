// Package memory provides an in-memory retry-bin store for tests and
// ephemeral environments.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
)

var _ retrybin.Store = (*Store)(nil)

// Store keeps the last saved generation. Saved and loaded records are
// copied so callers cannot alias stored payloads.
type Store struct {
	mu      sync.RWMutex
	records []retrybin.Record
	saves   int
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// Load returns a copy of the saved records.
func (s *Store) Load(ctx context.Context) ([]retrybin.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.records), nil
}

// Save replaces the saved records.
func (s *Store) Save(ctx context.Context, records []retrybin.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = cloneRecords(records)
	s.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func cloneRecords(in []retrybin.Record) []retrybin.Record {
	if in == nil {
		return nil
	}
	out := make([]retrybin.Record, len(in))
	for i, r := range in {
		if r.Event.Payload != nil {
			r.Event.Payload = append(json.RawMessage(nil), r.Event.Payload...)
		}
		out[i] = r
	}
	return out
}
