package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/store"
)

func staleNodeRun(t *testing.T, st *store.MemoryStore, id string, refs []model.NodeExecutionRef) {
	t.Helper()
	payload := struct {
		Executions []model.NodeExecutionRef `json:"executions"`
		Attempts   int                      `json:"attempts"`
	}{Executions: refs, Attempts: 1}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal refs: %v", err)
	}
	nr := &model.WorkflowNodeRun{
		ID:            id,
		WorkflowRunID: "run1",
		NodeID:        1,
		Status:        model.NodeRunning,
		Output:        string(raw),
		StartedAt:     time.Now().UTC().Add(-time.Hour),
	}
	if err := st.CreateNodeRun(context.Background(), nr); err != nil {
		t.Fatalf("CreateNodeRun: %v", err)
	}
}

func putExecution(t *testing.T, st *store.MemoryStore, id string, status model.ExecutionStatus) {
	t.Helper()
	exec := &model.Execution{
		ID:        id,
		ScriptID:  "s1",
		HostID:    "h1",
		Status:    model.ExecRunning,
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := st.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if status != model.ExecRunning {
		if err := st.FinalizeExecution(context.Background(), id, status, "", "", time.Now().UTC()); err != nil {
			t.Fatalf("FinalizeExecution: %v", err)
		}
	}
}

func TestPassSettlesCompletedNodeRun(t *testing.T) {
	st := store.NewMemoryStore()
	putExecution(t, st, "e1", model.ExecCompleted)
	putExecution(t, st, "e2", model.ExecCompleted)
	staleNodeRun(t, st, "nr1", []model.NodeExecutionRef{
		{HostID: "h1", ExecutionID: "e1", Status: "enqueued"},
		{HostID: "h2", ExecutionID: "e2", Status: "enqueued"},
	})

	NewReconciler(st, zerolog.Nop()).Pass(context.Background())

	nr, ok := st.GetNodeRun("nr1")
	if !ok {
		t.Fatal("node run vanished")
	}
	if nr.Status != model.NodeCompleted || nr.CompletedAt == nil {
		t.Fatalf("node run = (%s, %v), want completed", nr.Status, nr.CompletedAt)
	}
}

func TestPassSettlesFailedNodeRun(t *testing.T) {
	st := store.NewMemoryStore()
	putExecution(t, st, "e1", model.ExecCompleted)
	putExecution(t, st, "e2", model.ExecFailed)
	staleNodeRun(t, st, "nr1", []model.NodeExecutionRef{
		{HostID: "h1", ExecutionID: "e1", Status: "enqueued"},
		{HostID: "h2", ExecutionID: "e2", Status: "enqueued"},
	})

	NewReconciler(st, zerolog.Nop()).Pass(context.Background())

	nr, _ := st.GetNodeRun("nr1")
	if nr.Status != model.NodeFailed {
		t.Fatalf("node run = %s, want failed", nr.Status)
	}
}

func TestPassWaitsForRunningExecutions(t *testing.T) {
	st := store.NewMemoryStore()
	putExecution(t, st, "e1", model.ExecRunning)
	staleNodeRun(t, st, "nr1", []model.NodeExecutionRef{
		{HostID: "h1", ExecutionID: "e1", Status: "enqueued"},
	})

	r := NewReconciler(st, zerolog.Nop())
	r.Pass(context.Background())

	nr, _ := st.GetNodeRun("nr1")
	if nr.Status != model.NodeRunning {
		t.Fatalf("node run = %s, must stay running until the execution settles", nr.Status)
	}

	// Once the execution finishes the next pass settles it.
	if err := st.FinalizeExecution(context.Background(), "e1", model.ExecCompleted, "", "", time.Now().UTC()); err != nil {
		t.Fatalf("FinalizeExecution: %v", err)
	}
	r.Pass(context.Background())
	nr, _ = st.GetNodeRun("nr1")
	if nr.Status != model.NodeCompleted {
		t.Fatalf("node run = %s, want completed after the execution settled", nr.Status)
	}
}

func TestPassCountsMissingExecutionsFailed(t *testing.T) {
	st := store.NewMemoryStore()
	staleNodeRun(t, st, "nr1", []model.NodeExecutionRef{
		{HostID: "h1", ExecutionID: "gone", Status: "enqueued"},
		{HostID: "h2", Status: "failed"},
	})

	NewReconciler(st, zerolog.Nop()).Pass(context.Background())

	nr, _ := st.GetNodeRun("nr1")
	if nr.Status != model.NodeFailed {
		t.Fatalf("node run = %s, want failed for unresolvable references", nr.Status)
	}
}

func TestPassSkipsRunsWithoutReferences(t *testing.T) {
	st := store.NewMemoryStore()
	nr := &model.WorkflowNodeRun{
		ID:            "nr1",
		WorkflowRunID: "run1",
		NodeID:        1,
		Status:        model.NodeRunning,
		StartedAt:     time.Now().UTC(),
	}
	if err := st.CreateNodeRun(context.Background(), nr); err != nil {
		t.Fatalf("CreateNodeRun: %v", err)
	}

	NewReconciler(st, zerolog.Nop()).Pass(context.Background())

	got, _ := st.GetNodeRun("nr1")
	if got.Status != model.NodeRunning {
		t.Fatalf("node run = %s, a run with no output payload belongs to a live walk", got.Status)
	}
}
