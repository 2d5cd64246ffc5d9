package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/admission"
	"github.com/scriptherd/scriptherd/internal/coord"
	"github.com/scriptherd/scriptherd/internal/executor"
	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/store"
)

type fakeRunner struct {
	res executor.Result
	err error
}

func (r *fakeRunner) Run(ctx context.Context, script *model.Script, host *model.Host, executionID string) (executor.Result, error) {
	return r.res, r.err
}

func testQueue(t *testing.T, runner Runner, limit int) (*Queue, *store.MemoryStore, *admission.Controller) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutScript(&model.Script{ID: "s1", Content: "echo hi", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 30})
	st.PutHost(&model.Host{ID: "h1", Address: "10.0.0.1", OSFamily: model.OSPosix})

	adm := admission.NewController(coord.NewMemoryCoordinator(), limit, zerolog.Nop())
	q := New(st, runner, adm, nil, zerolog.Nop(), 2)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q, st, adm
}

func waitFinished(t *testing.T, job *Job) Result {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish in time")
	}
	res, _ := job.Result()
	return res
}

func TestJobCompletes(t *testing.T) {
	runner := &fakeRunner{res: executor.Result{Output: "hi\n", ExitCode: 0}}
	q, st, _ := testQueue(t, runner, 8)

	job, err := q.Enqueue("s1", "h1", "manual")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res := waitFinished(t, job)

	if res.Status != model.ExecCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if job.IsFailed() {
		t.Fatal("completed job reported failed")
	}

	exec, err := st.GetExecution(context.Background(), res.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != model.ExecCompleted || exec.Output != "hi\n" {
		t.Fatalf("row = (%s, %q)", exec.Status, exec.Output)
	}
	if exec.CompletedAt == nil {
		t.Fatal("completed row missing completed_at")
	}
}

func TestJobFailsOnNonZeroExit(t *testing.T) {
	runner := &fakeRunner{res: executor.Result{ErrText: "boom\n", ExitCode: 1}}
	q, st, _ := testQueue(t, runner, 8)

	job, _ := q.Enqueue("s1", "h1", "manual")
	res := waitFinished(t, job)

	if res.Status != model.ExecFailed || !job.IsFailed() {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	exec, _ := st.GetExecution(context.Background(), res.ExecutionID)
	if exec.Error != "boom\n" {
		t.Fatalf("error = %q, want the stderr text", exec.Error)
	}
}

func TestJobRecordsTimeoutText(t *testing.T) {
	runner := &fakeRunner{
		res: executor.Result{Output: "partial"},
		err: fmt.Errorf("%w after 30s", executor.ErrTimeout),
	}
	q, st, _ := testQueue(t, runner, 8)

	job, _ := q.Enqueue("s1", "h1", "manual")
	res := waitFinished(t, job)

	if res.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	exec, _ := st.GetExecution(context.Background(), res.ExecutionID)
	if exec.Error != "Command timed out after 30s" {
		t.Fatalf("error = %q, want the timeout message", exec.Error)
	}
	if exec.Output != "partial" {
		t.Fatalf("output = %q, partial output must be kept", exec.Output)
	}
}

func TestDetachedJobLeavesExecutionRunning(t *testing.T) {
	runner := &fakeRunner{res: executor.Result{Output: "tick\n", Detached: true}}
	q, st, _ := testQueue(t, runner, 8)

	job, _ := q.Enqueue("s1", "h1", "manual")
	res := waitFinished(t, job)

	if res.Status != model.ExecRunning {
		t.Fatalf("status = %s, want running", res.Status)
	}
	if job.IsFailed() {
		t.Fatal("a detached infinite run is a successful dispatch")
	}
	exec, _ := st.GetExecution(context.Background(), res.ExecutionID)
	if exec.Status != model.ExecRunning || exec.CompletedAt != nil {
		t.Fatalf("row = (%s, %v), must stay running", exec.Status, exec.CompletedAt)
	}
}

func TestMissingScriptFailsWithRow(t *testing.T) {
	runner := &fakeRunner{res: executor.Result{}}
	q, st, _ := testQueue(t, runner, 8)

	job, _ := q.Enqueue("nope", "h1", "manual")
	res := waitFinished(t, job)

	if res.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	_, err := job.Result()
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("job err = %v, want ErrNotFound cause", err)
	}

	// Even jobs that never ran leave a failed row behind.
	exec, getErr := st.GetExecution(context.Background(), res.ExecutionID)
	if getErr != nil {
		t.Fatalf("GetExecution: %v", getErr)
	}
	if exec.Status != model.ExecFailed || exec.Error == "" {
		t.Fatalf("row = (%s, %q)", exec.Status, exec.Error)
	}
}

func TestAdmissionDenialRetried(t *testing.T) {
	runner := &fakeRunner{res: executor.Result{ExitCode: 0}}
	q, _, adm := testQueue(t, runner, 1)

	// Hold the only slot, then free it while the worker is backing off.
	if err := adm.Acquire(context.Background()); err != nil {
		t.Fatalf("hold slot: %v", err)
	}
	go func() {
		time.Sleep(500 * time.Millisecond)
		adm.Release(context.Background())
	}()

	job, _ := q.Enqueue("s1", "h1", "manual")
	res := waitFinished(t, job)
	if res.Status != model.ExecCompleted {
		t.Fatalf("status = %s, the denied job should have been retried to success", res.Status)
	}
}

func TestFinishedJobExpiresFromIndex(t *testing.T) {
	runner := &fakeRunner{res: executor.Result{ExitCode: 0}}
	q, _, _ := testQueue(t, runner, 8)
	q.retention = 200 * time.Millisecond

	job, _ := q.Enqueue("s1", "h1", "manual")
	waitFinished(t, job)

	if q.Lookup(job.ID) != job {
		t.Fatal("finished job must stay resolvable inside the retention window")
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.Lookup(job.ID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("finished job never expired from the index")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	runner := &fakeRunner{}
	st := store.NewMemoryStore()
	adm := admission.NewController(coord.NewMemoryCoordinator(), 1, zerolog.Nop())
	q := New(st, runner, adm, nil, zerolog.Nop(), 1)
	q.Start(context.Background())
	q.Stop()

	if _, err := q.Enqueue("s1", "h1", "manual"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
