package worker

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-worker-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestWorker(t *testing.T, store *SQLiteStore, id string) *Worker {
	t.Helper()
	w := &Worker{ID: id, TaskID: "task-" + id, WorkspaceID: "ws-1", Status: StatusStarting}
	if err := store.Create(w); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return w
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	newTestWorker(t, store, "w1")

	got, err := store.Get("w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TaskID != "task-w1" {
		t.Errorf("TaskID = %q, want task-w1", got.TaskID)
	}
	if got.Status != StatusStarting {
		t.Errorf("Status = %q, want starting", got.Status)
	}
}

func TestSQLiteStore_SetStatus_Conditional(t *testing.T) {
	store := newTestStore(t)
	newTestWorker(t, store, "w1")

	if err := store.SetStatus("w1", StatusRunning, StatusStarting, StatusIdle); err != nil {
		t.Fatalf("SetStatus starting->running: %v", err)
	}

	// Precondition no longer holds.
	err := store.SetStatus("w1", StatusRunning, StatusStarting)
	if !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("SetStatus with stale precondition = %v, want ErrWrongStatus", err)
	}

	// Variadic preconditions: any listed status matches.
	if err := store.SetStatus("w1", StatusStale, StatusWaitingInput, StatusRunning); err != nil {
		t.Fatalf("SetStatus running->stale: %v", err)
	}
	got, _ := store.Get("w1")
	if got.Status != StatusStale {
		t.Errorf("Status = %q, want stale", got.Status)
	}
}

func TestSQLiteStore_Update_MonotonicCounters(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, "w1")

	w.CostUSD = 2.5
	w.Turns = 10
	if err := store.Update(w); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A stale writer with lower counters must not regress them.
	w.CostUSD = 1.0
	w.Turns = 4
	if err := store.Update(w); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := store.Get("w1")
	if got.CostUSD != 2.5 {
		t.Errorf("CostUSD = %v, want 2.5", got.CostUSD)
	}
	if got.Turns != 10 {
		t.Errorf("Turns = %d, want 10", got.Turns)
	}
}

func TestSQLiteStore_WaitingForRoundTrip(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, "w1")

	w.Status = StatusWaitingInput
	w.WaitingFor = &WaitingFor{
		Kind:      WaitPlanApproval,
		Prompt:    "1. do the thing",
		Options:   []string{"approve", "reject"},
		EnteredAt: time.Now().UTC(),
	}
	if err := store.Update(w); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := store.Get("w1")
	if got.WaitingFor == nil {
		t.Fatal("WaitingFor not persisted")
	}
	if got.WaitingFor.Kind != WaitPlanApproval {
		t.Errorf("Kind = %q, want plan_approval", got.WaitingFor.Kind)
	}
	if len(got.WaitingFor.Options) != 2 {
		t.Errorf("Options = %v, want 2 entries", got.WaitingFor.Options)
	}

	got.WaitingFor = nil
	got.Status = StatusRunning
	if err := store.Update(got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, _ := store.Get("w1")
	if again.WaitingFor != nil {
		t.Errorf("WaitingFor = %+v, want cleared", again.WaitingFor)
	}
}

func TestSQLiteStore_Milestones_SequenceOrder(t *testing.T) {
	store := newTestStore(t)
	newTestWorker(t, store, "w1")

	for _, label := range []string{"first", "second", "third"} {
		m := &Milestone{WorkerID: "w1", Kind: "progress", Label: label}
		if err := store.AppendMilestone(m); err != nil {
			t.Fatalf("AppendMilestone %s: %v", label, err)
		}
	}

	ms, err := store.ListMilestones("w1")
	if err != nil {
		t.Fatalf("ListMilestones: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("got %d milestones, want 3", len(ms))
	}
	for i, m := range ms {
		if m.Seq != int64(i+1) {
			t.Errorf("milestone %d Seq = %d, want %d", i, m.Seq, i+1)
		}
	}
	if ms[2].Label != "third" {
		t.Errorf("last label = %q, want third", ms[2].Label)
	}
}

func TestSQLiteStore_RecordPR_Dedupe(t *testing.T) {
	store := newTestStore(t)
	newTestWorker(t, store, "w1")

	first, err := store.RecordPR(&PRRecord{WorkerID: "w1", Head: "feat/x", Number: 42, URL: "u1", State: "open"})
	if err != nil {
		t.Fatalf("RecordPR: %v", err)
	}
	if first.Number != 42 {
		t.Fatalf("Number = %d, want 42", first.Number)
	}

	// Same (worker, head): the stored record wins.
	second, err := store.RecordPR(&PRRecord{WorkerID: "w1", Head: "feat/x", Number: 99, URL: "u2", State: "open"})
	if err != nil {
		t.Fatalf("RecordPR repeat: %v", err)
	}
	if second.Number != 42 || second.URL != "u1" {
		t.Errorf("repeat returned %+v, want original record", second)
	}

	// A different head is a new record.
	other, err := store.RecordPR(&PRRecord{WorkerID: "w1", Head: "feat/y", Number: 7, URL: "u3", State: "open"})
	if err != nil {
		t.Fatalf("RecordPR other head: %v", err)
	}
	if other.Number != 7 {
		t.Errorf("other head Number = %d, want 7", other.Number)
	}
}

func TestSQLiteStore_Checkpoints(t *testing.T) {
	store := newTestStore(t)
	newTestWorker(t, store, "w1")

	cp := &Checkpoint{
		ID:       "cp-1",
		WorkerID: "w1",
		Files: []FileSnapshot{
			{Path: "/tmp/a.go", Prior: []byte("old"), Existed: true},
			{Path: "/tmp/b.go", Existed: false},
		},
	}
	if err := store.AppendCheckpoint(cp); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}

	cps, err := store.ListCheckpoints("w1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("got %d checkpoints, want 1", len(cps))
	}
	if len(cps[0].Files) != 2 {
		t.Fatalf("got %d files, want 2", len(cps[0].Files))
	}
	if string(cps[0].Files[0].Prior) != "old" {
		t.Errorf("Prior = %q, want old", cps[0].Files[0].Prior)
	}
	if cps[0].Files[1].Existed {
		t.Error("Existed = true, want false")
	}
}

func TestSQLiteStore_RecordProgress_LeavesTransitionsAlone(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, "w1")

	w.Status = StatusWaitingInput
	w.WaitingFor = &WaitingFor{Kind: WaitQuestion, Prompt: "which?", EnteredAt: time.Now().UTC()}
	if err := store.Update(w); err != nil {
		t.Fatalf("Update: %v", err)
	}

	at := time.Now().UTC().Add(time.Second)
	if err := store.RecordProgress("w1", 0.5, 3, at); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}

	got, err := store.Get("w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CostUSD != 0.5 || got.Turns != 3 {
		t.Errorf("progress = $%v / %d turns, want 0.5 / 3", got.CostUSD, got.Turns)
	}
	if !got.LastProgressAt.Equal(at) {
		t.Errorf("LastProgressAt = %s, want %s", got.LastProgressAt, at)
	}
	if got.Status != StatusWaitingInput {
		t.Errorf("Status = %q after progress write, want untouched waiting_input", got.Status)
	}
	if got.WaitingFor == nil || got.WaitingFor.Kind != WaitQuestion {
		t.Errorf("WaitingFor = %+v after progress write, want untouched", got.WaitingFor)
	}

	// Counters only move forward.
	if err := store.RecordProgress("w1", 0.1, 1, at); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	got, _ = store.Get("w1")
	if got.CostUSD != 0.5 || got.Turns != 3 {
		t.Errorf("progress regressed to $%v / %d turns", got.CostUSD, got.Turns)
	}

	if err := store.RecordProgress("missing", 1, 1, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordProgress missing = %v, want ErrNotFound", err)
	}
}
