// Package workflow walks success/failure-edge graphs, dispatching each
// node's script through the job queue and deciding traversal from the
// node outcome.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/audit"
	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/observability"
	"github.com/scriptherd/scriptherd/internal/progress"
	"github.com/scriptherd/scriptherd/internal/queue"
	"github.com/scriptherd/scriptherd/internal/store"
)

// ErrUnsupportedTarget is returned for node target types the engine
// does not know how to dispatch.
var ErrUnsupportedTarget = errors.New("workflow: unsupported target type")

const (
	// Per-node completion polling: up to 120 checks 500ms apart, the
	// 60 second window a node is given to finish.
	pollAttempts = 120
	pollInterval = 500 * time.Millisecond
)

// Execution reference states while a node settles. Terminal references
// carry the execution's own status instead.
const (
	refEnqueued = "enqueued"
	refFailed   = "failed"
	refTimedOut = "timed_out"
)

// JobQueue dispatches single executions. Satisfied by queue.Queue.
type JobQueue interface {
	Enqueue(scriptID, hostID, triggeredBy string) (*queue.Job, error)
}

// Orchestrator runs workflows.
type Orchestrator struct {
	store store.Store
	queue JobQueue
	pub   progress.Publisher
	audit *audit.Sink
	log   zerolog.Logger

	poll     time.Duration
	attempts int
	sleep    func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

// New builds an Orchestrator.
func New(st store.Store, q JobQueue, pub progress.Publisher, sink *audit.Sink, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		queue:    q,
		pub:      pub,
		audit:    sink,
		log:      log.With().Str("component", "workflow").Logger(),
		poll:     pollInterval,
		attempts: pollAttempts,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Stop waits for in-flight runs to finish their graph walk.
func (o *Orchestrator) Stop() {
	o.wg.Wait()
}

// StartRun creates a run for the workflow and walks the graph in the
// background. The returned run is in status running unless the graph
// had no nodes at all.
func (o *Orchestrator) StartRun(ctx context.Context, workflowID string, trigger model.TriggerKind, triggeredBy, runContext string) (*model.WorkflowRun, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	run := &model.WorkflowRun{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		TriggeredBy: triggeredBy,
		Status:      model.RunRunning,
		Context:     runContext,
		StartedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}

	o.pub.Publish(run.ID, progress.Event{
		Type:          "workflow_started",
		WorkflowRunID: run.ID,
		Status:        string(model.RunRunning),
	})
	o.log.Info().
		Str("run_id", run.ID).
		Str("workflow_id", wf.ID).
		Str("trigger", string(trigger)).
		Msg("workflow run started")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The walk outlives the triggering request.
		o.execute(context.WithoutCancel(ctx), wf, run)
	}()
	return run, nil
}

// execute walks the graph from the start nodes, one node at a time in
// FIFO order, following the first matching edge after each node.
func (o *Orchestrator) execute(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	worklist := startNodes(wf)
	if len(worklist) == 0 {
		o.finishRun(ctx, run, model.RunNoStartNodes, false)
		return
	}

	total := len(wf.Nodes)
	completed := 0
	hadFailures := false

	for len(worklist) > 0 {
		node := worklist[0]
		worklist = worklist[1:]

		nr := &model.WorkflowNodeRun{
			ID:            uuid.NewString(),
			WorkflowRunID: run.ID,
			NodeID:        node.ID,
			Status:        model.NodeRunning,
			StartedAt:     time.Now().UTC(),
		}
		if err := o.store.CreateNodeRun(ctx, nr); err != nil {
			o.log.Error().Err(err).Str("run_id", run.ID).Int64("node_id", node.ID).Msg("create node run failed")
			hadFailures = true
			continue
		}
		o.pub.Publish(run.ID, progress.Event{
			Type:          "node_started",
			WorkflowRunID: run.ID,
			NodeID:        node.ID,
			Status:        string(model.NodeRunning),
			Progress:      percent(completed, total),
		})

		status, output, errText := o.runNode(ctx, wf, node)

		now := time.Now().UTC()
		nr.Status = status
		nr.Output = output
		nr.Error = errText
		nr.CompletedAt = &now
		if err := o.store.UpdateNodeRun(ctx, nr); err != nil {
			o.log.Error().Err(err).Str("run_id", run.ID).Int64("node_id", node.ID).Msg("update node run failed")
		}

		completed++
		if status == model.NodeFailed {
			hadFailures = true
		}
		o.pub.Publish(run.ID, progress.Event{
			Type:          "node_completed",
			WorkflowRunID: run.ID,
			NodeID:        node.ID,
			Status:        string(status),
			Progress:      percent(completed, total),
		})

		if next := nextNode(wf, node, status); next != nil {
			worklist = append(worklist, next)
		}
	}

	// The run itself completes regardless of node failures; the
	// had_failures flag carries the node-level outcome.
	o.finishRun(ctx, run, model.RunCompleted, hadFailures)
}

func (o *Orchestrator) finishRun(ctx context.Context, run *model.WorkflowRun, status model.RunStatus, hadFailures bool) {
	if err := o.store.FinishWorkflowRun(ctx, run.ID, status, hadFailures, time.Now().UTC()); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("finish workflow run failed")
	}
	o.pub.Publish(run.ID, progress.Event{
		Type:          "workflow_completed",
		WorkflowRunID: run.ID,
		Status:        string(status),
		Progress:      100,
	})
	o.audit.WorkflowRunFinished(run.ID, string(status), hadFailures)
	observability.WorkflowRuns.WithLabelValues(string(status)).Inc()
}

// runNode executes one node, applying the workflow's retry policy and
// group failure policy. The returned output is the serialized
// per-host execution references.
func (o *Orchestrator) runNode(ctx context.Context, wf *model.Workflow, node *model.WorkflowNode) (model.NodeRunStatus, string, string) {
	if node.ScriptID == "" || node.TargetID == "" {
		return model.NodeCompleted, "No-op: missing script or target", ""
	}

	for attempt := 0; ; attempt++ {
		refs, failedCount, err := o.dispatch(ctx, wf, node)
		if err != nil {
			return model.NodeFailed, marshalRefs(refs, attempt+1), err.Error()
		}

		failed := false
		switch wf.GroupFailurePolicy {
		case model.FailurePolicyAll:
			failed = len(refs) > 0 && failedCount == len(refs)
		default:
			failed = failedCount > 0
		}

		if !failed {
			return model.NodeCompleted, marshalRefs(refs, attempt+1), ""
		}
		if attempt >= wf.MaxRetries {
			// A lone host whose job never settled inside the poll
			// window reports the timeout itself; the host-count
			// message is for group fan-outs.
			errText := fmt.Sprintf("Failed on %d out of %d hosts", failedCount, len(refs))
			if len(refs) == 1 && refs[0].Status == refTimedOut {
				errText = "Job execution timed out"
			}
			return model.NodeFailed, marshalRefs(refs, attempt+1), errText
		}

		observability.WorkflowNodeRetries.Inc()
		o.log.Info().
			Int64("node_id", node.ID).
			Int("attempt", attempt+1).
			Int("max_retries", wf.MaxRetries).
			Msg("retrying node")
		if wf.RetryIntervalSeconds > 0 {
			if err := o.sleep(ctx, time.Duration(wf.RetryIntervalSeconds)*time.Second); err != nil {
				return model.NodeFailed, marshalRefs(refs, attempt+1), err.Error()
			}
		}
	}
}

// dispatch enqueues the node's script on its target hosts and polls
// the jobs to completion within the bounded window.
func (o *Orchestrator) dispatch(ctx context.Context, wf *model.Workflow, node *model.WorkflowNode) ([]model.NodeExecutionRef, int, error) {
	hosts, err := o.targetHosts(ctx, node)
	if err != nil {
		return nil, 0, err
	}

	triggeredBy := "workflow:" + wf.ID
	jobs := make([]*queue.Job, len(hosts))
	refs := make([]model.NodeExecutionRef, len(hosts))
	for i, h := range hosts {
		refs[i] = model.NodeExecutionRef{HostID: h.ID, Status: refEnqueued}
		job, err := o.queue.Enqueue(node.ScriptID, h.ID, triggeredBy)
		if err != nil {
			refs[i].Status = refFailed
			continue
		}
		jobs[i] = job
		refs[i].JobID = job.ID
	}

	failedCount := 0
	pending := 0
	for _, j := range jobs {
		if j != nil {
			pending++
		} else {
			failedCount++
		}
	}

	for attempt := 0; pending > 0 && attempt < o.attempts; attempt++ {
		if err := o.sleep(ctx, o.poll); err != nil {
			break
		}
		for i, j := range jobs {
			if j == nil || refs[i].Status != refEnqueued {
				continue
			}
			if !j.IsFinished() {
				continue
			}
			res, jobErr := j.Result()
			refs[i].ExecutionID = res.ExecutionID
			refs[i].Status = string(res.Status)
			if jobErr != nil || j.IsFailed() {
				refs[i].Status = string(model.ExecFailed)
				failedCount++
			}
			pending--
		}
	}

	// Whatever is still pending after the window counts as failed for
	// traversal; the reconciler settles the rows later.
	for i := range refs {
		if refs[i].Status == refEnqueued {
			refs[i].Status = refTimedOut
			failedCount++
		}
	}
	return refs, failedCount, nil
}

func (o *Orchestrator) targetHosts(ctx context.Context, node *model.WorkflowNode) ([]*model.Host, error) {
	switch node.TargetType {
	case model.TargetHost:
		h, err := o.store.GetHost(ctx, node.TargetID)
		if err != nil {
			return nil, err
		}
		return []*model.Host{h}, nil
	case model.TargetGroup:
		hosts, err := o.store.ListGroupHosts(ctx, node.TargetID)
		if err != nil {
			return nil, err
		}
		return hosts, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTarget, node.TargetType)
	}
}

// startNodes returns the nodes with no incoming edge, falling back to
// the lowest-id node when every node has one. Pre-existing cyclic
// graphs keep working; new saves are rejected by ValidateGraph.
func startNodes(wf *model.Workflow) []*model.WorkflowNode {
	incoming := make(map[int64]bool, len(wf.Edges))
	for _, e := range wf.Edges {
		incoming[e.TargetNodeID] = true
	}
	var starts []*model.WorkflowNode
	for i := range wf.Nodes {
		if !incoming[wf.Nodes[i].ID] {
			starts = append(starts, &wf.Nodes[i])
		}
	}
	if len(starts) > 0 || len(wf.Nodes) == 0 {
		return starts
	}

	lowest := &wf.Nodes[0]
	for i := range wf.Nodes {
		if wf.Nodes[i].ID < lowest.ID {
			lowest = &wf.Nodes[i]
		}
	}
	return []*model.WorkflowNode{lowest}
}

// nextNode picks the first edge out of node whose condition matches
// the outcome.
func nextNode(wf *model.Workflow, node *model.WorkflowNode, status model.NodeRunStatus) *model.WorkflowNode {
	want := model.OnSuccess
	if status == model.NodeFailed {
		want = model.OnFailure
	}
	for _, e := range wf.Edges {
		if e.SourceNodeID != node.ID || e.Condition != want {
			continue
		}
		for i := range wf.Nodes {
			if wf.Nodes[i].ID == e.TargetNodeID {
				return &wf.Nodes[i]
			}
		}
	}
	return nil
}

func marshalRefs(refs []model.NodeExecutionRef, attempts int) string {
	payload := struct {
		Executions []model.NodeExecutionRef `json:"executions"`
		Attempts   int                      `json:"attempts"`
	}{Executions: refs, Attempts: attempts}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

func percent(completed, total int) int {
	if total == 0 {
		return 100
	}
	return completed * 100 / total
}
