package queue

import (
	"sync"

	"github.com/scriptherd/scriptherd/internal/model"
)

// Result is the outcome of a finished job.
type Result struct {
	ExecutionID string
	Status      model.ExecutionStatus
}

// Job is a handle to one enqueued execution. Callers poll IsFinished
// or select on Done.
type Job struct {
	ID          string
	ScriptID    string
	HostID      string
	TriggeredBy string

	mu     sync.Mutex
	done   chan struct{}
	result Result
	err    error
}

func newJob(id, scriptID, hostID, triggeredBy string) *Job {
	return &Job{
		ID:          id,
		ScriptID:    scriptID,
		HostID:      hostID,
		TriggeredBy: triggeredBy,
		done:        make(chan struct{}),
	}
}

// Done is closed when the job reaches a final state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// IsFinished reports whether the job has a final result.
func (j *Job) IsFinished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// IsFailed reports whether the job finished unsuccessfully. Detached
// infinite executions count as successful dispatch.
func (j *Job) IsFailed() bool {
	if !j.IsFinished() {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return true
	}
	return j.result.Status == model.ExecFailed || j.result.Status == model.ExecCancelled
}

// Result returns the outcome. Valid only after IsFinished.
func (j *Job) Result() (Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

func (j *Job) finish(res Result, err error) {
	j.mu.Lock()
	j.result = res
	j.err = err
	j.mu.Unlock()
	close(j.done)
}
