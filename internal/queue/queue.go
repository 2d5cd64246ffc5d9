// Package queue dispatches script executions to a worker pool. The
// work unit owns the execution row lifecycle: it creates the row,
// drives the engine, and finalizes the status from the outcome.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scriptherd/scriptherd/internal/admission"
	"github.com/scriptherd/scriptherd/internal/audit"
	"github.com/scriptherd/scriptherd/internal/executor"
	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/observability"
	"github.com/scriptherd/scriptherd/internal/store"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("queue: stopped")

const (
	defaultWorkers = 8
	queueCapacity  = 256

	// Admission denials are transient; retry with backoff before
	// giving up, mirroring the dispatch retry policy.
	admissionRetries   = 5
	admissionBaseDelay = 300 * time.Millisecond

	// Per-host dispatch rate: one new execution per second with a
	// small burst, so a group fan-out cannot stampede a single host.
	hostDispatchRate  = rate.Limit(1)
	hostDispatchBurst = 3

	// Finished job handles stay resolvable by id for this long, then
	// drop out of the index so it cannot grow without bound.
	jobRetention = 15 * time.Minute
)

// Runner runs one script on one host. Satisfied by executor.Engine.
type Runner interface {
	Run(ctx context.Context, script *model.Script, host *model.Host, executionID string) (executor.Result, error)
}

// Queue is a bounded worker pool over executions.
type Queue struct {
	store   store.Store
	runner  Runner
	adm     *admission.Controller
	audit   *audit.Sink
	log     zerolog.Logger
	workers int

	jobs      chan *Job
	retention time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	index    map[string]*Job
	stopped  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Queue. workers <= 0 selects the default pool size.
func New(st store.Store, runner Runner, adm *admission.Controller, sink *audit.Sink, log zerolog.Logger, workers int) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		store:     st,
		runner:    runner,
		adm:       adm,
		audit:     sink,
		log:       log.With().Str("component", "queue").Logger(),
		workers:   workers,
		retention: jobRetention,
		jobs:      make(chan *Job, queueCapacity),
		limiters:  make(map[string]*rate.Limiter),
		index:     make(map[string]*Job),
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.log.Info().Int("workers", q.workers).Msg("queue started")
}

// Stop drains nothing: queued jobs are abandoned, running jobs are
// cancelled through their context.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue submits one (script, host) execution and returns its handle.
func (q *Queue) Enqueue(scriptID, hostID, triggeredBy string) (*Job, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	job := newJob(uuid.NewString(), scriptID, hostID, triggeredBy)
	q.index[job.ID] = job
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		observability.QueueDepth.Set(float64(len(q.jobs)))
		return job, nil
	default:
		q.mu.Lock()
		delete(q.index, job.ID)
		q.mu.Unlock()
		return nil, errors.New("queue: full")
	}
}

// Lookup returns a job handle by id. Finished jobs stay resolvable for
// the retention window; unknown or expired ids return nil.
func (q *Queue) Lookup(jobID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index[jobID]
}

// finishJob completes the handle and schedules its removal from the
// lookup index once the retention window passes.
func (q *Queue) finishJob(job *Job, res Result, err error) {
	job.finish(res, err)
	time.AfterFunc(q.retention, func() {
		q.mu.Lock()
		delete(q.index, job.ID)
		q.mu.Unlock()
	})
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			observability.QueueDepth.Set(float64(len(q.jobs)))
			q.process(ctx, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	if err := q.admit(ctx); err != nil {
		q.failWithoutRun(ctx, job, err)
		return
	}
	defer q.adm.Release(context.Background())

	if err := q.hostLimiter(job.HostID).Wait(ctx); err != nil {
		q.failWithoutRun(ctx, job, err)
		return
	}

	script, err := q.store.GetScript(ctx, job.ScriptID)
	if err != nil {
		q.failWithoutRun(ctx, job, fmt.Errorf("load script %s: %w", job.ScriptID, err))
		return
	}
	host, err := q.store.GetHost(ctx, job.HostID)
	if err != nil {
		q.failWithoutRun(ctx, job, fmt.Errorf("load host %s: %w", job.HostID, err))
		return
	}

	exec := &model.Execution{
		ID:          uuid.NewString(),
		ScriptID:    script.ID,
		HostID:      host.ID,
		TriggeredBy: job.TriggeredBy,
		Status:      model.ExecRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := q.store.CreateExecution(ctx, exec); err != nil {
		q.failWithoutRun(ctx, job, fmt.Errorf("create execution: %w", err))
		return
	}
	q.audit.ExecutionStarted(exec.ID, script.ID, host.ID, job.TriggeredBy)
	observability.ExecutionsStarted.WithLabelValues(job.TriggeredBy).Inc()

	res, runErr := q.runner.Run(ctx, script, host, exec.ID)
	q.finalize(ctx, job, exec.ID, res, runErr)
}

// admit claims an execution slot, retrying denials with backoff.
func (q *Queue) admit(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := q.adm.Acquire(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, admission.ErrDenied) || attempt == admissionRetries-1 {
			return err
		}
		delay := admissionBaseDelay << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (q *Queue) finalize(ctx context.Context, job *Job, executionID string, res executor.Result, runErr error) {
	switch {
	case runErr != nil:
		q.writeTerminal(ctx, executionID, model.ExecFailed, res.Output, runErr.Error())
		q.finishJob(job, Result{ExecutionID: executionID, Status: model.ExecFailed}, nil)

	case res.Detached:
		// Infinite script, still running remotely. The row stays
		// running; the captured window is already flushed.
		q.finishJob(job, Result{ExecutionID: executionID, Status: model.ExecRunning}, nil)

	case res.ExitCode == 0:
		q.writeTerminal(ctx, executionID, model.ExecCompleted, res.Output, "")
		q.finishJob(job, Result{ExecutionID: executionID, Status: model.ExecCompleted}, nil)

	default:
		errText := res.ErrText
		if errText == "" {
			errText = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		q.writeTerminal(ctx, executionID, model.ExecFailed, res.Output, errText)
		q.finishJob(job, Result{ExecutionID: executionID, Status: model.ExecFailed}, nil)
	}
}

func (q *Queue) writeTerminal(ctx context.Context, executionID string, status model.ExecutionStatus, output, errText string) {
	err := q.store.FinalizeExecution(ctx, executionID, status, output, errText, time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		// Raced with a stop action; the stored terminal status wins.
		return
	}
	if err != nil {
		q.log.Error().Err(err).Str("execution_id", executionID).Msg("finalize execution failed")
		return
	}
	q.audit.ExecutionFinished(executionID, string(status))
	observability.ExecutionsFinished.WithLabelValues(string(status)).Inc()
}

// failWithoutRun records a failed execution row so even jobs that
// never reached the engine leave an auditable trace.
func (q *Queue) failWithoutRun(ctx context.Context, job *Job, cause error) {
	exec := &model.Execution{
		ID:          uuid.NewString(),
		ScriptID:    job.ScriptID,
		HostID:      job.HostID,
		TriggeredBy: job.TriggeredBy,
		Status:      model.ExecFailed,
		Error:       cause.Error(),
		StartedAt:   time.Now().UTC(),
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if err := q.store.CreateExecution(context.WithoutCancel(ctx), exec); err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("record failed execution")
	}
	observability.ExecutionsFinished.WithLabelValues(string(model.ExecFailed)).Inc()
	q.log.Warn().Err(cause).Str("job_id", job.ID).Msg("job failed before execution")
	q.finishJob(job, Result{ExecutionID: exec.ID, Status: model.ExecFailed}, cause)
}

func (q *Queue) hostLimiter(hostID string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.limiters[hostID]
	if !ok {
		l = rate.NewLimiter(hostDispatchRate, hostDispatchBurst)
		q.limiters[hostID] = l
	}
	return l
}
