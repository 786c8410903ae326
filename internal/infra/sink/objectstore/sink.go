// Package objectstore writes care events as JSON-lines artifacts into a blob
// store, one object per cycle.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
)

const contentType = "application/x-ndjson"

var _ enrich.Sink = (*Sink)(nil)

// Sink stores each Emit call as <prefix>/<file>-<unixnano>.jsonl.
type Sink struct {
	store  blob.Store
	prefix string
	now    func() time.Time
}

// New returns a Sink writing below prefix.
func New(store blob.Store, prefix string) *Sink {
	return &Sink{store: store, prefix: strings.Trim(prefix, "/"), now: time.Now}
}

// Emit writes events as one artifact. An empty slice writes nothing.
func (s *Sink) Emit(ctx context.Context, fileName string, events []enrich.CareEvent) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode care event %s: %w", ev.EventID, err)
		}
	}
	data := buf.Bytes()
	opts := blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"source_file": fileName,
			"events":      strconv.Itoa(len(events)),
		},
	}
	stamp := s.now().UTC().UnixNano()
	for attempt := 0; attempt < 8; attempt++ {
		key := s.key(fileName, stamp+int64(attempt))
		_, err := s.store.Put(ctx, key, bytes.NewReader(data), opts)
		if errors.Is(err, blob.ErrExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write care events %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("write care events for %s: %w", fileName, blob.ErrExists)
}

func (s *Sink) key(fileName string, stamp int64) string {
	name := artifactName(fileName) + "-" + strconv.FormatInt(stamp, 10) + ".jsonl"
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// artifactName reduces a source file name to a safe key segment.
func artifactName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "batch"
	}
	return name
}
