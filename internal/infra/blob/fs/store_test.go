package fs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob/core"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return st, dir
}

func TestPutWritesSidecar(t *testing.T) {
	st, dir := newStore(t)
	obj, err := st.Put(context.Background(), "a/b.bin", bytes.NewReader([]byte("data")), core.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"generation": "1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.Checksum == "" || obj.Metadata["generation"] != "1" {
		t.Fatalf("unexpected object %+v", obj)
	}
	if _, err := os.Stat(filepath.Join(dir, "a", "b.bin.meta")); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	head, err := st.Head(context.Background(), "a/b.bin")
	if err != nil || head.Checksum != obj.Checksum || head.ContentType != "application/octet-stream" {
		t.Fatalf("head mismatch: %+v %v", head, err)
	}
}

func TestHeadWithoutSidecarFallsBackToFileInfo(t *testing.T) {
	st, dir := newStore(t)
	if err := os.WriteFile(filepath.Join(dir, "loose"), []byte("abc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	obj, err := st.Head(context.Background(), "loose")
	if err != nil || obj.Size != 3 {
		t.Fatalf("head: %+v %v", obj, err)
	}
}

func TestListSkipsSidecarsAndTempFiles(t *testing.T) {
	st, dir := newStore(t)
	ctx := context.Background()
	if _, err := st.Put(ctx, "k/1", bytes.NewReader([]byte("1")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "k", tmpPrefix+"123"), []byte("partial"), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	list, err := st.List(ctx, "k/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "k/1" {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func TestReservedKeys(t *testing.T) {
	st, _ := newStore(t)
	for _, key := range []string{"x.meta", "dir/" + tmpPrefix + "x"} {
		if _, err := st.Put(context.Background(), key, bytes.NewReader(nil), core.PutOptions{}); err == nil {
			t.Fatalf("expected error for reserved key %q", key)
		}
	}
}

func TestGetMissing(t *testing.T) {
	st, _ := newStore(t)
	if _, _, err := st.Get(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutHonoursCancelledContext(t *testing.T) {
	st, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := st.Put(ctx, "k", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
