package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scriptherd/scriptherd/internal/model"
)

func newRunningExecution(t *testing.T, s *MemoryStore) *model.Execution {
	t.Helper()
	exec := &model.Execution{
		ID:        "exec-1",
		ScriptID:  "script-1",
		HostID:    "host-1",
		Status:    model.ExecRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return exec
}

func TestFinalizeExecutionOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := newRunningExecution(t, s)

	now := time.Now().UTC()
	if err := s.FinalizeExecution(ctx, exec.ID, model.ExecCompleted, "out", "", now); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	err := s.FinalizeExecution(ctx, exec.ID, model.ExecFailed, "late", "boom", now)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second finalize err = %v, want ErrConflict", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecCompleted || got.Output != "out" {
		t.Fatalf("row = (%s, %q), the first terminal write must win", got.Status, got.Output)
	}
}

func TestFinalizeUnknownExecution(t *testing.T) {
	s := NewMemoryStore()
	err := s.FinalizeExecution(context.Background(), "missing", model.ExecFailed, "", "x", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetExecutionOutputSkipsTerminalRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := newRunningExecution(t, s)

	if err := s.SetExecutionOutput(ctx, exec.ID, "partial"); err != nil {
		t.Fatalf("SetExecutionOutput on running row: %v", err)
	}
	if err := s.FinalizeExecution(ctx, exec.ID, model.ExecCancelled, "partial", "cancelled", time.Now()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.SetExecutionOutput(ctx, exec.ID, "after the fact"); err != nil {
		t.Fatalf("SetExecutionOutput on terminal row should be a no-op, got %v", err)
	}

	got, _ := s.GetExecution(ctx, exec.ID)
	if got.Output != "partial" {
		t.Fatalf("output = %q, want the pre-terminal value", got.Output)
	}
}

func TestMarkExecutionLongRunning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := newRunningExecution(t, s)

	if err := s.MarkExecutionLongRunning(ctx, exec.ID); err != nil {
		t.Fatalf("MarkExecutionLongRunning: %v", err)
	}
	got, _ := s.GetExecution(ctx, exec.ID)
	if got.Status != model.ExecLongRunning {
		t.Fatalf("status = %s, want long_running", got.Status)
	}

	// Escalation only applies to running rows.
	if err := s.FinalizeExecution(ctx, exec.ID, model.ExecCompleted, "", "", time.Now()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.MarkExecutionLongRunning(ctx, exec.ID); err != nil {
		t.Fatalf("escalating a terminal row should be a no-op, got %v", err)
	}
	got, _ = s.GetExecution(ctx, exec.ID)
	if got.Status != model.ExecCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestGetSettingsDefaults(t *testing.T) {
	s := NewMemoryStore()
	set, err := s.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	want := model.DefaultSettings()
	if set != want {
		t.Fatalf("settings = %+v, want defaults %+v", set, want)
	}
}

func TestListGroupHostsMissingGroup(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.ListGroupHosts(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGettersReturnCopies(t *testing.T) {
	s := NewMemoryStore()
	s.PutHost(&model.Host{ID: "h1", Address: "10.0.0.1", OSFamily: model.OSPosix})

	got, err := s.GetHost(context.Background(), "h1")
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	got.Address = "mutated"

	again, _ := s.GetHost(context.Background(), "h1")
	if again.Address != "10.0.0.1" {
		t.Fatal("mutating a returned host leaked into the store")
	}
}
