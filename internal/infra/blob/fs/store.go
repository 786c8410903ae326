// Package fs stores blobs as files below a root directory. Each object has a
// JSON sidecar (`<key>.meta`) holding its content type, metadata and checksum.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob/core"
)

const (
	metaSuffix = ".meta"
	tmpPrefix  = ".tmp-"
)

// Store implements core.Store on the local filesystem.
type Store struct {
	root string
}

// New returns a store rooted at root, creating the directory when needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./blobdata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Checksum    string            `json:"checksum"`
	Size        int64             `json:"size"`
	Created     time.Time         `json:"created"`
}

func (s *Store) paths(key string) (clean, data, meta string, err error) {
	clean, err = core.CleanKey(key)
	if err != nil {
		return "", "", "", err
	}
	if strings.HasSuffix(clean, metaSuffix) || strings.HasPrefix(filepath.Base(clean), tmpPrefix) {
		return "", "", "", fmt.Errorf("blob: reserved key %q", key)
	}
	data = filepath.Join(s.root, filepath.FromSlash(clean))
	return clean, data, data + metaSuffix, nil
}

// Put streams r into a temp file and hard-links it into place, so a
// concurrent writer of the same key loses with ErrExists.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Object, error) {
	clean, data, meta, err := s.paths(key)
	if err != nil {
		return core.Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(data), 0o755); err != nil {
		return core.Object{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(data), tmpPrefix+"*")
	if err != nil {
		return core.Object{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return core.Object{}, fmt.Errorf("write blob %s: %w", clean, err)
	}
	if err := os.Link(tmp.Name(), data); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return core.Object{}, fmt.Errorf("%w: %s", core.ErrExists, clean)
		}
		return core.Object{}, err
	}

	sc := sidecar{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		Checksum:    hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		Created:     time.Now().UTC(),
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return core.Object{}, err
	}
	if err := os.WriteFile(meta, b, 0o644); err != nil {
		return core.Object{}, fmt.Errorf("write blob metadata %s: %w", clean, err)
	}
	return sc.object(clean), nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Object, io.ReadCloser, error) {
	obj, err := s.Head(ctx, key)
	if err != nil {
		return core.Object{}, nil, err
	}
	_, data, _, _ := s.paths(key)
	f, err := os.Open(data)
	if err != nil {
		return core.Object{}, nil, notFound(err, obj.Key)
	}
	return obj, f, nil
}

func (s *Store) Head(_ context.Context, key string) (core.Object, error) {
	clean, data, meta, err := s.paths(key)
	if err != nil {
		return core.Object{}, err
	}
	st, err := os.Stat(data)
	if err != nil {
		return core.Object{}, notFound(err, clean)
	}
	sc, err := readSidecar(meta)
	if err != nil {
		// sidecar not written yet or lost; describe the file itself
		return core.Object{Key: clean, Size: st.Size(), Modified: st.ModTime().UTC()}, nil
	}
	return sc.object(clean), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	_, data, meta, err := s.paths(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(data); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(meta)
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Object, error) {
	var out []core.Object
	err := filepath.WalkDir(s.root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		obj, err := s.Head(ctx, key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			return err
		}
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (sc sidecar) object(key string) core.Object {
	return core.Object{
		Key:         key,
		Size:        sc.Size,
		ContentType: sc.ContentType,
		Checksum:    sc.Checksum,
		Metadata:    core.CloneMetadata(sc.Metadata),
		Modified:    sc.Created,
	}
}

func readSidecar(path string) (sidecar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var sc sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return sidecar{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return sc, nil
}

func notFound(err error, key string) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return err
}
