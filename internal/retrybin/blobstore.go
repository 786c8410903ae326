package retrybin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/snapshot"
)

// BlobStore keeps the accepted generation as JSON snapshot generations
// under a key prefix of a blob store.
type BlobStore struct {
	gens *snapshot.Generations
}

// NewBlobStore returns a Store writing below prefix.
func NewBlobStore(store blob.Store, prefix string) *BlobStore {
	return &BlobStore{gens: snapshot.New(store, prefix)}
}

// Load returns the newest snapshot; no snapshot means an empty bin.
func (s *BlobStore) Load(ctx context.Context) ([]Record, error) {
	key, rc, err := s.gens.Latest(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read retry bin %s: %w", key, err)
	}
	records, err := DecodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return records, nil
}

// Save writes records as a new generation and prunes the older ones.
func (s *BlobStore) Save(ctx context.Context, records []Record) error {
	b, err := EncodeRecords(records)
	if err != nil {
		return err
	}
	key, err := s.gens.Write(ctx, b, blob.PutOptions{ContentType: "application/json"})
	if err != nil {
		return err
	}
	if _, err := s.gens.Prune(ctx, key); err != nil {
		return fmt.Errorf("prune retry bin: %w", err)
	}
	return nil
}
