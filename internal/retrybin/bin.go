// Package retrybin buffers source events that could not be enriched so they
// are retried in later cycles.
//
// A Bin holds two generations. Records put during the current cycle go to
// "new"; AcceptNewAndSave merges them into "old" and persists the result,
// which is what the next cycle retries. An event id lives in at most one
// generation. When the same id is put again from a newer source file the
// newer event replaces the stored one; data from an older or the same file
// is discarded.
package retrybin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReplaceIncrement is added to the file timestamp of a record that replaced
// an older one, so the correction sorts after untouched records of that file.
const ReplaceIncrement = time.Millisecond

// SourceEvent is a normalized event read from a source batch.
type SourceEvent struct {
	ID         string          `json:"id"`
	FacilityID string          `json:"facility_id"`
	EventTime  time.Time       `json:"event_time"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Record is a buffered event and the timestamp it is ranked by.
type Record struct {
	Event     SourceEvent `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

// Store persists the accepted generation.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// Bin is safe for concurrent use, but processing cycles must not overlap:
// Put, GetOld, Remove and AcceptNewAndSave of one cycle belong together.
type Bin struct {
	mu     sync.Mutex
	old    map[string]Record
	new    map[string]Record
	store  Store
	logger *zap.Logger
}

// Open loads the accepted generation from store. A load failure is logged
// and yields an empty bin; a nil store disables persistence.
func Open(ctx context.Context, store Store, logger *zap.Logger) *Bin {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bin{
		old:    make(map[string]Record),
		new:    make(map[string]Record),
		store:  store,
		logger: logger,
	}
	if store == nil {
		logger.Info("retry bin persistence disabled")
		return b
	}
	records, err := store.Load(ctx)
	if err != nil {
		logger.Warn("retry bin load failed, starting empty", zap.Error(err))
		return b
	}
	for _, r := range records {
		if r.Event.ID == "" {
			continue
		}
		r.Timestamp = r.Timestamp.UTC()
		if cur, ok := b.old[r.Event.ID]; ok && !r.Timestamp.After(cur.Timestamp) {
			continue
		}
		b.old[r.Event.ID] = r
	}
	logger.Info("retry bin loaded", zap.Int("records", len(b.old)))
	return b
}

// Put buffers ev as seen in a file stamped fileTimestamp and reports whether
// it was stored.
func (b *Bin) Put(ev SourceEvent, fileTimestamp time.Time) bool {
	ts := fileTimestamp.UTC()
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, inOld := b.old[ev.ID]
	if !inOld {
		var inNew bool
		if cur, inNew = b.new[ev.ID]; !inNew {
			b.new[ev.ID] = Record{Event: ev, Timestamp: ts}
			return true
		}
	}
	if !cur.Timestamp.Before(ts) {
		return false
	}
	delete(b.old, ev.ID)
	delete(b.new, ev.ID)
	b.new[ev.ID] = Record{Event: ev, Timestamp: ts.Add(ReplaceIncrement)}
	return true
}

// AcceptNewAndSave moves the new generation into the old one and persists
// it. A persistence error is logged and returned; the in-memory state is kept.
func (b *Bin) AcceptNewAndSave(ctx context.Context) error {
	b.mu.Lock()
	accepted := len(b.new)
	for id, r := range b.new {
		b.old[id] = r
	}
	b.new = make(map[string]Record)
	records := sortedRecords(b.old, time.Time{})
	b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	if err := b.store.Save(ctx, records); err != nil {
		b.logger.Error("retry bin save failed", zap.Int("records", len(records)), zap.Error(err))
		return fmt.Errorf("save retry bin: %w", err)
	}
	b.logger.Debug("retry bin saved", zap.Int("records", len(records)), zap.Int("accepted", accepted))
	return nil
}

// DiscardExpired drops old records stamped before cutoff and returns how many.
func (b *Bin) DiscardExpired(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for id, r := range b.old {
		if r.Timestamp.Before(cutoff) {
			delete(b.old, id)
			n++
		}
	}
	if n > 0 {
		b.logger.Info("retry bin records expired", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n
}

// GetOld returns old records stamped before cutoff, oldest first.
func (b *Bin) GetOld(cutoff time.Time) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedRecords(b.old, cutoff)
}

// Remove forgets ev in both generations.
func (b *Bin) Remove(ev SourceEvent) {
	b.mu.Lock()
	delete(b.old, ev.ID)
	delete(b.new, ev.ID)
	b.mu.Unlock()
}

// Lookup returns the record buffered for id.
func (b *Bin) Lookup(id string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.new[id]; ok {
		return r, true
	}
	r, ok := b.old[id]
	return r, ok
}

// Len returns the number of buffered records in both generations.
func (b *Bin) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.old) + len(b.new)
}

// NewLen returns the size of the uncommitted generation.
func (b *Bin) NewLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.new)
}

// sortedRecords orders by timestamp then id; a zero cutoff selects everything.
func sortedRecords(m map[string]Record, cutoff time.Time) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		if cutoff.IsZero() || r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Event.ID < out[j].Event.ID
	})
	return out
}
