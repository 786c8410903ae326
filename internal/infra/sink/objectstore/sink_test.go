package objectstore

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
)

func TestEmitWritesJSONLines(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	s := New(store, "/careevents/")
	s.now = func() time.Time { return time.Unix(0, 42) }

	events := []enrich.CareEvent{{EventID: "e1", FacilityID: "a"}, {EventID: "e2", FacilityID: "b"}}
	if err := s.Emit(ctx, "in/events 2024-05-01.xml", events); err != nil {
		t.Fatalf("emit: %v", err)
	}
	objs, err := store.List(ctx, "careevents/")
	if err != nil || len(objs) != 1 {
		t.Fatalf("expected one artifact, got %v %v", objs, err)
	}
	if objs[0].Key != "careevents/events_2024-05-01-42.jsonl" {
		t.Fatalf("unexpected key %s", objs[0].Key)
	}
	if objs[0].ContentType != contentType || objs[0].Metadata["events"] != "2" {
		t.Fatalf("unexpected object attributes %+v", objs[0])
	}
	_, rc, err := store.Get(ctx, objs[0].Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	var ids []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var ev enrich.CareEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		ids = append(ids, ev.EventID)
	}
	if strings.Join(ids, ",") != "e1,e2" {
		t.Fatalf("unexpected events %v", ids)
	}
}

func TestEmitAvoidsKeyCollisions(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	s := New(store, "out")
	s.now = func() time.Time { return time.Unix(0, 7) }
	for i := 0; i < 3; i++ {
		if err := s.Emit(ctx, "f.xml", []enrich.CareEvent{{EventID: "e"}}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	if objs, _ := store.List(ctx, "out/"); len(objs) != 3 {
		t.Fatalf("expected three artifacts, got %d", len(objs))
	}
}

func TestEmitEmptyWritesNothing(t *testing.T) {
	store := blob.NewMemory()
	if err := New(store, "out").Emit(context.Background(), "f", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if objs, _ := store.List(context.Background(), ""); len(objs) != 0 {
		t.Fatalf("expected no artifact")
	}
}

func TestArtifactName(t *testing.T) {
	cases := map[string]string{
		"":                 "batch",
		"..":               "batch",
		`C:\in\data.xml`:   "data",
		"a/b/visits-1.xml": "visits-1",
	}
	for in, want := range cases {
		if got := artifactName(in); got != want {
			t.Fatalf("artifactName(%q) = %q want %q", in, got, want)
		}
	}
}
