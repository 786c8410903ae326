// Package store persists code indexes as compressed snapshot generations in
// a blob store.
//
// A snapshot is the magic "GVRIDX", a version byte, the big-endian uint64
// length of the payload and the payload itself: a zstd-compressed gob
// encoding of the index. Entities reference each other by id, so the
// reloaded index has the same reference topology as the one written.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/snapshot"
)

const (
	magic         = "GVRIDX"
	formatVersion = byte(1)
	headerLen     = len(magic) + 1 + 8
	contentType   = "application/x-gvr-codeindex"
	// maxPayload bounds allocations when reading a damaged header.
	maxPayload = 1 << 31
)

// ErrFormat reports a snapshot that is not a readable index.
var ErrFormat = errors.New("codeindex snapshot: bad format")

// Store writes and reads index snapshots.
type Store struct {
	blobs  blob.Store
	logger *zap.Logger
}

// New returns a Store over blobs.
func New(blobs blob.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, logger: logger}
}

// Write persists idx as the newest generation under key and prunes older
// generations. Failures are logged only; the caller keeps serving idx.
func (s *Store) Write(ctx context.Context, idx *codeindex.Index, key string) {
	var buf bytes.Buffer
	if err := Encode(&buf, idx); err != nil {
		s.logger.Error("encode index snapshot", zap.String("key", key), zap.Error(err))
		return
	}
	gens := snapshot.New(s.blobs, key)
	written, err := gens.Write(ctx, buf.Bytes(), blob.PutOptions{ContentType: contentType})
	if err != nil {
		s.logger.Error("write index snapshot", zap.String("key", key), zap.Error(err))
		return
	}
	removed, err := gens.Prune(ctx, written)
	if err != nil {
		s.logger.Warn("prune index snapshots", zap.String("key", key), zap.Error(err))
	}
	s.logger.Info("index snapshot written",
		zap.String("key", written),
		zap.Int("bytes", buf.Len()),
		zap.Int("pruned", removed),
		zap.Int("facilities", idx.Len()))
}

// Read loads the newest generation under key. Absence and damage both
// yield (nil, false).
func (s *Store) Read(ctx context.Context, key string) (*codeindex.Index, bool) {
	gen, rc, err := snapshot.New(s.blobs, key).Latest(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			s.logger.Info("no index snapshot stored", zap.String("key", key))
		} else {
			s.logger.Warn("open index snapshot", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	defer func() { _ = rc.Close() }()
	idx, err := Decode(rc)
	if err != nil {
		s.logger.Warn("read index snapshot", zap.String("key", gen), zap.Error(err))
		return nil, false
	}
	s.logger.Info("index snapshot loaded", zap.String("key", gen), zap.Int("facilities", idx.Len()))
	return idx, true
}

// Encode writes the snapshot framing and compressed payload for idx.
func Encode(w io.Writer, idx *codeindex.Index) error {
	if idx == nil {
		return fmt.Errorf("encode nil index")
	}
	var payload bytes.Buffer
	zw, err := zstd.NewWriter(&payload)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(zw).Encode(idx); err != nil {
		_ = zw.Close()
		return fmt.Errorf("gob encode index: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress index: %w", err)
	}

	header := make([]byte, headerLen)
	copy(header, magic)
	header[len(magic)] = formatVersion
	binary.BigEndian.PutUint64(header[len(magic)+1:], uint64(payload.Len()))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(payload.Bytes())
	return err
}

// Decode reads a snapshot produced by Encode.
func Decode(r io.Reader) (*codeindex.Index, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: magic %q", ErrFormat, header[:len(magic)])
	}
	if v := header[len(magic)]; v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, v)
	}
	n := binary.BigEndian.Uint64(header[len(magic)+1:])
	if n > maxPayload {
		return nil, fmt.Errorf("%w: payload length %d", ErrFormat, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrFormat, err)
	}

	zr, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var idx codeindex.Index
	if err := gob.NewDecoder(zr).Decode(&idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	fillMaps(&idx)
	return &idx, nil
}

// gob leaves empty maps unset.
func fillMaps(idx *codeindex.Index) {
	if idx.Facilities == nil {
		idx.Facilities = map[string]*codeindex.Facility{}
	}
	if idx.Commissions == nil {
		idx.Commissions = map[string]*codeindex.Commission{}
	}
	if idx.CommissionTypes == nil {
		idx.CommissionTypes = map[string]*codeindex.CommissionType{}
	}
	if idx.IDMappings == nil {
		idx.IDMappings = map[string][]*codeindex.IDMapping{}
	}
	if idx.BackRefs == nil {
		idx.BackRefs = map[string][]string{}
	}
}
