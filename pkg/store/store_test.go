package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// setupTestStore opens a Store in a temporary directory
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "history_store_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	s, err := Open(tmpDir, zerolog.Nop())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestOpenCreatesDatabase(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("database file should exist at %s: %v", s.Path(), err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New().String()
	start := time.Now().Truncate(time.Millisecond)
	info := types.SessionInfo{
		ID:        id,
		DeviceID:  "ABC123",
		Config:    types.MirrorConfig{BitRate: "8M", MaxSize: 1024},
		StartedAt: start,
		Status:    types.SessionStatus{Phase: types.SessionStarting},
	}
	if err := s.SessionStarted(info); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}

	transitions := []types.SessionStatus{
		{Phase: types.SessionStarting},
		{Phase: types.SessionRunning},
		{Phase: types.SessionStopping},
		{Phase: types.SessionExited, Reason: "stopped"},
	}
	for i, st := range transitions {
		ev := types.SessionEvent{SessionID: id, DeviceID: "ABC123", Status: st, At: start.Add(time.Duration(i) * time.Second)}
		if err := s.RecordSessionEvent(ev); err != nil {
			t.Fatalf("RecordSessionEvent %s failed: %v", st, err)
		}
	}

	rec, err := s.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Config.BitRate != "8M" || rec.Config.MaxSize != 1024 {
		t.Errorf("config not round-tripped: %+v", rec.Config)
	}
	if rec.Status.Phase != types.SessionExited || rec.Status.Reason != "stopped" {
		t.Errorf("expected exited(stopped), got %+v", rec.Status)
	}
	if !rec.StartedAt.Equal(start) {
		t.Errorf("started at %v, want %v", rec.StartedAt, start)
	}
	if !rec.EndedAt.Equal(start.Add(3 * time.Second)) {
		t.Errorf("ended at %v, want %v", rec.EndedAt, start.Add(3*time.Second))
	}

	events, err := s.SessionEvents(id)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}
	if len(events) != len(transitions) {
		t.Fatalf("expected %d events, got %d", len(transitions), len(events))
	}
	for i, ev := range events {
		if ev.Status.Phase != transitions[i].Phase {
			t.Errorf("event %d: phase %s, want %s", i, ev.Status.Phase, transitions[i].Phase)
		}
	}
}

func TestEventWithoutStartCreatesSession(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	ev := types.SessionEvent{
		SessionID: "s-1",
		DeviceID:  "ABC123",
		Status:    types.SessionStatus{Phase: types.SessionCrashed, ExitCode: 1, Reason: "device lost"},
		At:        time.Now(),
	}
	if err := s.RecordSessionEvent(ev); err != nil {
		t.Fatalf("RecordSessionEvent failed: %v", err)
	}
	rec, err := s.GetSession("s-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Status.Phase != types.SessionCrashed || rec.Status.Reason != "device lost" || rec.Status.ExitCode != 1 {
		t.Errorf("unexpected status %+v", rec.Status)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := s.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	base := time.Now()
	for i, dev := range []string{"ABC123", "DEF456", "ABC123"} {
		info := types.SessionInfo{
			ID:        uuid.New().String(),
			DeviceID:  dev,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    types.SessionStatus{Phase: types.SessionStarting},
		}
		if err := s.SessionStarted(info); err != nil {
			t.Fatalf("SessionStarted failed: %v", err)
		}
	}

	all, err := s.ListSessions("", 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	if !all[0].StartedAt.After(all[1].StartedAt) {
		t.Error("sessions should be newest first")
	}

	abc, err := s.ListSessions("ABC123", 1)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(abc) != 1 || abc[0].DeviceID != "ABC123" {
		t.Fatalf("expected the newest ABC123 session, got %+v", abc)
	}
}

func TestActionsQuery(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now()
	record := func(dev string, a toolkit.Action, errText string, at time.Time) {
		t.Helper()
		ev := toolkit.Event{
			Result: toolkit.Result{ID: uuid.New().String(), DeviceID: dev, Kind: a.Kind, Path: a.Remote, StartedAt: at, FinishedAt: at.Add(time.Second)},
			Action: a,
			Error:  errText,
		}
		if err := s.RecordAction(ev); err != nil {
			t.Fatalf("RecordAction failed: %v", err)
		}
	}
	record("ABC123", toolkit.Action{Kind: toolkit.KindPush, Source: "a.txt", Remote: "/sdcard/a.txt"}, "", now)
	record("ABC123", toolkit.Action{Kind: toolkit.KindPush, Source: "b.txt", Remote: "/sdcard/b.txt"}, "device lost", now.Add(time.Second))
	record("ABC123", toolkit.Action{Kind: toolkit.KindRecordStart, TimeLimit: 30}, "", now.Add(2*time.Second))
	record("DEF456", toolkit.Action{Kind: toolkit.KindPush, Source: "a.txt", Remote: "/sdcard/a.txt"}, "", now.Add(3*time.Second))

	pushes, err := s.Actions(ActionQuery{DeviceID: "ABC123", Kind: toolkit.KindPush})
	if err != nil {
		t.Fatalf("Actions failed: %v", err)
	}
	if len(pushes) != 2 || pushes[0].PayloadField("remote") != "/sdcard/b.txt" {
		t.Fatalf("expected two ABC123 pushes newest first, got %+v", pushes)
	}

	failed, err := s.Actions(ActionQuery{FailedOnly: true})
	if err != nil {
		t.Fatalf("Actions failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Error != "device lost" {
		t.Fatalf("expected one failed action, got %+v", failed)
	}

	matched, err := s.Actions(ActionQuery{Match: map[string]string{"remote": "/sdcard/a.txt"}})
	if err != nil {
		t.Fatalf("Actions failed: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 actions on /sdcard/a.txt, got %d", len(matched))
	}

	limited, err := s.Actions(ActionQuery{Match: map[string]string{"timeLimit": "30"}, Limit: 5})
	if err != nil {
		t.Fatalf("Actions failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Kind != toolkit.KindRecordStart {
		t.Fatalf("expected the record_start action, got %+v", limited)
	}
}
