package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "testpilot.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSession(id string) *session.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &session.Session{
		ID:     id,
		Kind:   session.KindGeneration,
		Status: session.StatusRunning,
		Options: session.Options{
			Kind:       session.KindGeneration,
			Mode:       session.ModeAutonomous,
			Goal:       "log in and check the dashboard",
			InitialURL: "https://example.test/login",
			MaxSteps:   25,
		},
		StartedAt: now,
		UpdatedAt: now,
		Steps: []session.StepRecord{
			{Seq: 1, Summary: "open login", Action: driver.Action{Type: driver.ActionNavigate, URL: "https://example.test/login"}, Timestamp: now},
			{Seq: 2, Summary: "click submit", Action: driver.Action{Type: driver.ActionClick, Selector: "#submit"}, Timestamp: now, Failed: true, Error: "element not found"},
		},
		Chat: []session.ChatMessage{
			{ID: "m1", Role: "user", Text: "go faster", Timestamp: now},
		},
	}
}

func TestSaveAndGetSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	sess := sampleSession("s1")

	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Kind != session.KindGeneration || got.Status != session.StatusRunning {
		t.Errorf("unexpected kind/status: %s/%s", got.Kind, got.Status)
	}
	if got.Options.Goal != sess.Options.Goal {
		t.Errorf("goal = %q, want %q", got.Options.Goal, sess.Options.Goal)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(got.Steps))
	}
	if !got.Steps[1].Failed || got.Steps[1].Error != "element not found" {
		t.Errorf("failed step not preserved: %+v", got.Steps[1])
	}
	if got.Steps[0].Action.Type != driver.ActionNavigate {
		t.Errorf("action type = %s, want navigate", got.Steps[0].Action.Type)
	}
	if len(got.Chat) != 1 || got.Chat[0].Text != "go faster" {
		t.Errorf("chat not preserved: %+v", got.Chat)
	}
}

func TestSaveSessionUpsertsResult(t *testing.T) {
	store := newTestStore(t)
	sess := sampleSession("s1")
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	sess.Status = session.StatusCompleted
	sess.Result = &session.Result{Status: "passed", Message: "goal reached", Steps: 2, Duration: 3 * time.Second}
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("re-save session: %v", err)
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Result == nil || got.Result.Status != "passed" {
		t.Fatalf("result not preserved: %+v", got.Result)
	}
}

func TestSaveStepAppendsIncrementally(t *testing.T) {
	store := newTestStore(t)
	sess := sampleSession("s1")
	sess.Steps = nil
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	for seq := 1; seq <= 3; seq++ {
		step := session.StepRecord{
			Seq:       seq,
			Summary:   "click",
			Action:    driver.Action{Type: driver.ActionClick, Selector: "#b"},
			Timestamp: time.Now(),
		}
		if err := store.SaveStep("s1", step); err != nil {
			t.Fatalf("save step %d: %v", seq, err)
		}
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(got.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(got.Steps))
	}
	for i, step := range got.Steps {
		if step.Seq != i+1 {
			t.Errorf("step %d seq = %d", i, step.Seq)
		}
	}
}

func TestListOpenSessionIDsAndMarkFailed(t *testing.T) {
	store := newTestStore(t)

	open := sampleSession("open-1")
	if err := store.SaveSession(open); err != nil {
		t.Fatalf("save open: %v", err)
	}
	done := sampleSession("done-1")
	done.Status = session.StatusCompleted
	if err := store.SaveSession(done); err != nil {
		t.Fatalf("save done: %v", err)
	}

	ids, err := store.ListOpenSessionIDs()
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(ids) != 1 || ids[0] != "open-1" {
		t.Fatalf("open ids = %v, want [open-1]", ids)
	}

	if err := store.MarkSessionFailed("open-1", "orphaned by process restart"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := store.GetSession("open-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Result == nil || got.Result.Message != "orphaned by process restart" {
		t.Errorf("result = %+v", got.Result)
	}

	if err := store.MarkSessionFailed("no-such", "x"); err != ErrNotFound {
		t.Errorf("mark unknown = %v, want ErrNotFound", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveSession(sampleSession("s1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.DeleteSession("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSession("s1"); err != ErrNotFound {
		t.Fatalf("get deleted = %v, want ErrNotFound", err)
	}

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM steps`).Scan(&count); err != nil {
		t.Fatalf("count steps: %v", err)
	}
	if count != 0 {
		t.Errorf("steps remaining after cascade: %d", count)
	}
}

func TestListSessionsOrdersByRecency(t *testing.T) {
	store := newTestStore(t)

	older := sampleSession("older")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	if err := store.SaveSession(older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	newer := sampleSession("newer")
	if err := store.SaveSession(newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	got, err := store.ListSessions(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "newer" {
		t.Errorf("first = %s, want newer", got[0].ID)
	}
	if got[0].StepCount != 2 {
		t.Errorf("step count = %d, want 2", got[0].StepCount)
	}
}

func TestObserverReceivesSaveEvents(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var events []Event
	done := make(chan struct{}, 4)
	store.AddObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		done <- struct{}{}
	}))

	if err := store.SaveSession(sampleSession("s1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer never notified")
	}
	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != EventSessionSaved || events[0].SessionID != "s1" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestSchemaVersionTracksMigrations(t *testing.T) {
	store := newTestStore(t)
	version, err := store.GetSchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Errorf("version = %d, want %d", version, migrations[len(migrations)-1].Version)
	}
}
