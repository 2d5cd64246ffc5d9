package store

import (
	"context"
	"errors"
	"time"

	"github.com/scriptherd/scriptherd/internal/model"
)

// ErrNotFound is returned when a referenced host, script, schedule, workflow,
// execution or run does not exist. Fatal for the unit of work; never retried.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update lost against a concurrent
// transition (e.g. finalizing an execution that is already terminal).
var ErrConflict = errors.New("conflicting update")

// Store is the durable persistence backend for the engine. It abstracts over
// Postgres (production) and an in-memory implementation (tests).
//
// Status transitions are guarded here so every backend enforces the same
// state machine: an execution can only leave "running"/"long_running" once.
type Store interface {
	// Host operations.
	GetHost(ctx context.Context, id string) (*model.Host, error)
	ListGroupHosts(ctx context.Context, groupID string) ([]*model.Host, error)

	// Script operations.
	GetScript(ctx context.Context, id string) (*model.Script, error)

	// Execution operations.
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	// FinalizeExecution moves an execution to a terminal status, setting
	// output/error and CompletedAt. Returns ErrConflict if already terminal.
	FinalizeExecution(ctx context.Context, id string, status model.ExecutionStatus, output, errText string, at time.Time) error
	// SetExecutionOutput updates output on a still-running execution
	// (infinite capture window flush). Terminal rows are left untouched.
	SetExecutionOutput(ctx context.Context, id string, output string) error
	// MarkExecutionLongRunning escalates "running" to "long_running".
	// A no-op when the execution has already left "running".
	MarkExecutionLongRunning(ctx context.Context, id string) error

	// Schedule operations. A nil nextRunAt clears the stored value so
	// a schedule with no further occurrences stops firing; a nil
	// lastRunAt leaves the stored value alone.
	ListEnabledSchedules(ctx context.Context) ([]*model.Schedule, error)
	UpdateScheduleRunTimes(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error

	// Workflow operations.
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListScheduledWorkflows(ctx context.Context) ([]*model.Workflow, error)
	CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	FinishWorkflowRun(ctx context.Context, id string, status model.RunStatus, hadFailures bool, at time.Time) error
	CreateNodeRun(ctx context.Context, nr *model.WorkflowNodeRun) error
	UpdateNodeRun(ctx context.Context, nr *model.WorkflowNodeRun) error
	// ListRunningNodeRuns feeds the background node reconciler.
	ListRunningNodeRuns(ctx context.Context) ([]*model.WorkflowNodeRun, error)

	// Settings. Returns stored defaults when no row exists.
	GetSettings(ctx context.Context) (model.Settings, error)
}
