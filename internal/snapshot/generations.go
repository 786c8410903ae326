// Package snapshot keeps successive versions of one logical object in a blob
// store. Each write creates a new generation key `<prefix>/<unix-nanos>`; the
// newest generation is the current value and older ones are pruned.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob"
)

// ErrNoSnapshot reports that no generation exists under the prefix.
var ErrNoSnapshot = errors.New("snapshot: no generation stored")

const (
	digits       = 20
	maxCollision = 16
)

// Generations manages the generation keys below one prefix.
type Generations struct {
	store  blob.Store
	prefix string
	now    func() time.Time
}

// New returns a Generations rooted at prefix.
func New(store blob.Store, prefix string) *Generations {
	return &Generations{store: store, prefix: strings.Trim(prefix, "/"), now: time.Now}
}

// Prefix returns the key prefix without trailing slash.
func (g *Generations) Prefix() string { return g.prefix }

// Write stores data as a new generation and returns its key.
func (g *Generations) Write(ctx context.Context, data []byte, opts blob.PutOptions) (string, error) {
	ns := g.now().UnixNano()
	if latest, err := g.Keys(ctx); err == nil && len(latest) > 0 {
		// keep generations monotonic even if the clock steps back
		if last, ok := g.sequence(latest[len(latest)-1]); ok && last >= ns {
			ns = last + 1
		}
	}
	for i := 0; i < maxCollision; i++ {
		key := g.key(ns + int64(i))
		_, err := g.store.Put(ctx, key, bytes.NewReader(data), opts)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, blob.ErrExists) {
			return "", fmt.Errorf("write generation %s: %w", key, err)
		}
	}
	return "", fmt.Errorf("write generation under %s: %w", g.prefix, blob.ErrExists)
}

// Keys lists generation keys oldest first.
func (g *Generations) Keys(ctx context.Context) ([]string, error) {
	objs, err := g.store.List(ctx, g.prefix+"/")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		if _, ok := g.sequence(o.Key); ok {
			keys = append(keys, o.Key)
		}
	}
	return keys, nil
}

// Latest opens the newest generation.
func (g *Generations) Latest(ctx context.Context) (string, io.ReadCloser, error) {
	keys, err := g.Keys(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list generations under %s: %w", g.prefix, err)
	}
	if len(keys) == 0 {
		return "", nil, ErrNoSnapshot
	}
	key := keys[len(keys)-1]
	_, rc, err := g.store.Get(ctx, key)
	if err != nil {
		return key, nil, fmt.Errorf("open generation %s: %w", key, err)
	}
	return key, rc, nil
}

// Prune deletes every generation other than keep and returns how many went.
func (g *Generations) Prune(ctx context.Context, keep string) (int, error) {
	keys, err := g.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var removed int
	var errs []error
	for _, k := range keys {
		if k == keep {
			continue
		}
		ok, err := g.store.Delete(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func (g *Generations) key(ns int64) string {
	return fmt.Sprintf("%s/%0*d", g.prefix, digits, ns)
}

func (g *Generations) sequence(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, g.prefix+"/")
	if !ok || len(rest) != digits {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
