package store

import (
	"errors"
	"testing"
	"time"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/engine"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveRunRoundTrip(t *testing.T) {
	db := openTestDB(t)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	trust := 0.4
	run := &Run{
		Kind:    KindApply,
		Profile: "strict",
		Policy:  "emotion joy { lambda = 0.3 }",
		Context: engine.Context{Trust: &trust, Event: "milestone", Now: at},
		Records: 2,
	}
	before := []engine.Record{
		{ID: "a", Text: "first", Tags: []string{"x"}, Weight: 0.8, Trust: 1, Timestamp: at.Add(-48 * time.Hour)},
		{ID: "b", Text: "second", Weight: 0.5, Trust: 1},
	}
	after := []engine.Record{
		{ID: "a", Text: "first", Tags: []string{"x"}, Weight: 0.4, Trust: 1, Timestamp: at.Add(-48 * time.Hour)},
		{ID: "b", Text: "second", Weight: 0.5, Trust: 1, Shielded: true},
	}
	entries := []audit.Entry{
		{Seq: 1, Stage: audit.StageEngine, Type: audit.TypeForget, RecordID: "a",
			Before: audit.Weight(0.8), After: audit.Weight(0.4), Rule: map[string]any{"key": "x"}, At: at},
		{Seq: 2, Stage: audit.StageEngine, Type: audit.TypeExpireShield, RecordID: "b", At: at},
	}

	if err := db.SaveRun(run, before, after, entries); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("SaveRun did not assign an id")
	}
	if run.AuditCount != 2 {
		t.Errorf("AuditCount = %d, want 2", run.AuditCount)
	}

	got, err := db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Kind != KindApply || got.Profile != "strict" || got.Source != "cli" {
		t.Errorf("run = %+v", got)
	}
	if got.Context.TrustLevel() != 0.4 || got.Context.Event != "milestone" || !got.Context.Now.Equal(at) {
		t.Errorf("context = %+v", got.Context)
	}

	snap, err := db.GetSnapshot(run.ID, PhaseAfter)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Weight != 0.4 || !snap[1].Shielded {
		t.Errorf("after snapshot = %+v", snap)
	}
	if !snap[0].Timestamp.Equal(before[0].Timestamp) {
		t.Errorf("timestamp = %v, want %v", snap[0].Timestamp, before[0].Timestamp)
	}

	log, err := db.GetAudit(run.ID)
	if err != nil {
		t.Fatalf("GetAudit: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("audit len = %d, want 2", len(log))
	}
	if log[0].Before == nil || *log[0].Before != 0.8 || *log[0].After != 0.4 {
		t.Errorf("forget entry = %+v", log[0])
	}
	if log[0].Rule["key"] != "x" {
		t.Errorf("rule = %v, want key=x", log[0].Rule)
	}
	if log[1].Before != nil || log[1].After != nil {
		t.Errorf("shield entry weights = %v/%v, want nil", log[1].Before, log[1].After)
	}
	if !log[1].At.Equal(at) {
		t.Errorf("at = %v, want %v", log[1].At, at)
	}
}

func TestSaveRunSkipsNilSnapshot(t *testing.T) {
	db := openTestDB(t)

	run := &Run{Kind: KindRetrieve, Profile: "simple", Query: "cafe"}
	if err := db.SaveRun(run, []engine.Record{{ID: "1", Weight: 0.5}}, nil, nil); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	after, err := db.GetSnapshot(run.ID, PhaseAfter)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("after snapshot len = %d, want 0", len(after))
	}
}

func TestSaveRunRollsBack(t *testing.T) {
	db := openTestDB(t)

	run := &Run{ID: "dup", Kind: KindDecay, Profile: "simple"}
	entries := []audit.Entry{
		{Seq: 1, Stage: audit.StageEngine, Type: audit.TypeDecay},
		{Seq: 1, Stage: audit.StageEngine, Type: audit.TypeDecay},
	}
	if err := db.SaveRun(run, nil, nil, entries); err == nil {
		t.Fatal("expected duplicate seq error, got nil")
	}
	if _, err := db.GetRun("dup"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun after rollback = %v, want ErrRunNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		run := &Run{ID: id, Kind: KindDecay, Profile: "simple", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := db.CreateRun(run); err != nil {
			t.Fatalf("CreateRun %s: %v", id, err)
		}
	}

	runs, err := db.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("order = %s, %s; want new, mid", runs[0].ID, runs[1].ID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetRun("nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	db := openTestDB(t)

	run := &Run{Kind: KindApply, Profile: "simple"}
	entries := []audit.Entry{{Seq: 1, Stage: audit.StageEngine, Type: audit.TypeForget, RecordID: "1"}}
	if err := db.SaveRun(run, []engine.Record{{ID: "1"}}, nil, entries); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := db.DeleteRun(run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if n != 0 {
		t.Errorf("snapshots left = %d, want 0", n)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if n != 0 {
		t.Errorf("audit entries left = %d, want 0", n)
	}

	if err := db.DeleteRun(run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second delete = %v, want ErrRunNotFound", err)
	}
}

func TestPruneRunsKeepsNewest(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		run := &Run{ID: id, Kind: KindApply, Profile: "simple", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := db.SaveRun(run, []engine.Record{{ID: "m"}}, nil, nil); err != nil {
			t.Fatalf("SaveRun %s: %v", id, err)
		}
	}

	n, err := db.PruneRuns(1)
	if err != nil {
		t.Fatalf("PruneRuns: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned = %d, want 3", n)
	}
	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "d" {
		t.Errorf("remaining = %+v, want only d", runs)
	}
	var snaps int
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&snaps); err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if snaps != 1 {
		t.Errorf("snapshots = %d, want 1", snaps)
	}
}
