package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/persistence/postgres/testutil"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != defaultDriver {
			t.Fatalf("unexpected driver %s", driverName)
		}
		return db, nil
	})
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func sample(id string) retrybin.Record {
	ts := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	return retrybin.Record{
		Event:     retrybin.SourceEvent{ID: id, FacilityID: "777", EventTime: ts, Payload: json.RawMessage(`{}`)},
		Timestamp: ts,
	}
}

func TestNewStoreEnsuresStateTable(t *testing.T) {
	_, conn := openStub(t)
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS state") && strings.Contains(stmt, "JSONB") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state table DDL, got %v", conn.Execs)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, conn := openStub(t)
	ctx := context.Background()
	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Fatalf("expected empty load, got %v %v", got, err)
	}
	if err := store.Save(ctx, []retrybin.Record{sample("a"), sample("b")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, []retrybin.Record{sample("b")}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if rows := conn.Rows("state"); len(rows) != 1 || rows[0]["bucket"] != DefaultBucket {
		t.Fatalf("expected one upserted bucket row, got %v", rows)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Event.ID != "b" {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestLoadIgnoresOtherBuckets(t *testing.T) {
	store, conn := openStub(t)
	conn.Tables["state"] = append(conn.Tables["state"], map[string]any{"bucket": "other", "payload": []byte("not json")})
	if got, err := store.Load(context.Background()); err != nil || got != nil {
		t.Fatalf("foreign bucket must be ignored, got %v %v", got, err)
	}
	if err := store.Save(context.Background(), []retrybin.Record{sample("a")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil || len(got) != 1 || got[0].Event.ID != "a" {
		t.Fatalf("expected own bucket only, got %+v %v", got, err)
	}
}

func TestNewStoreErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
	if _, err := NewStore(context.Background(), "postgres://x"); err == nil {
		t.Fatalf("expected open error")
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestSaveErrorsRollBack(t *testing.T) {
	ctx := context.Background()
	store, conn := openStub(t)

	conn.FailBegin = true
	if err := store.Save(ctx, nil); err == nil || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected begin error, got %v", err)
	}
	conn.FailBegin = false

	conn.FailTables = map[string]bool{"state": true}
	if err := store.Save(ctx, nil); err == nil || !strings.Contains(err.Error(), "upsert") {
		t.Fatalf("expected upsert error, got %v", err)
	}
	conn.FailTables = nil

	conn.FailCommit = true
	if err := store.Save(ctx, nil); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit error, got %v", err)
	}
	if conn.Rollbacks == 0 {
		t.Fatalf("expected a rollback after the failed upsert, got %d", conn.Rollbacks)
	}
}

func TestLoadRowsError(t *testing.T) {
	store, conn := openStub(t)
	conn.RowsErr = errors.New("network")
	if _, err := store.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "select state") {
		t.Fatalf("expected select error, got %v", err)
	}
}
