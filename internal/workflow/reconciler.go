package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/store"
)

const reconcileInterval = 30 * time.Second

// Reconciler finalizes node runs stranded in running, typically after
// a crash mid-walk. It reads the executions referenced by the node
// run's output and settles the node status once every execution is
// terminal. The pass is idempotent.
type Reconciler struct {
	store store.Store
	log   zerolog.Logger

	tick   time.Duration
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(st store.Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store: st,
		log:   log.With().Str("component", "workflow_reconciler").Logger(),
		tick:  reconcileInterval,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Pass(ctx)
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Pass runs one reconcile sweep. Exposed for tests.
func (r *Reconciler) Pass(ctx context.Context) {
	stale, err := r.store.ListRunningNodeRuns(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list running node runs failed")
		return
	}
	for _, nr := range stale {
		r.settle(ctx, nr)
	}
}

func (r *Reconciler) settle(ctx context.Context, nr *model.WorkflowNodeRun) {
	var payload struct {
		Executions []model.NodeExecutionRef `json:"executions"`
		Attempts   int                      `json:"attempts"`
	}
	if nr.Output == "" || json.Unmarshal([]byte(nr.Output), &payload) != nil {
		// No execution references to settle from. Leave it; the
		// orchestrator that owns it may still be walking.
		return
	}

	failed := 0
	for i, ref := range payload.Executions {
		if ref.ExecutionID == "" {
			failed++
			continue
		}
		exec, err := r.store.GetExecution(ctx, ref.ExecutionID)
		if errors.Is(err, store.ErrNotFound) {
			failed++
			continue
		}
		if err != nil {
			return
		}
		if !exec.Status.Terminal() {
			// Still running somewhere; try again next pass.
			return
		}
		payload.Executions[i].Status = string(exec.Status)
		if exec.Status != model.ExecCompleted {
			failed++
		}
	}

	status := model.NodeCompleted
	if failed > 0 {
		status = model.NodeFailed
	}
	now := time.Now().UTC()
	nr.Status = status
	nr.CompletedAt = &now
	if raw, err := json.Marshal(payload); err == nil {
		nr.Output = string(raw)
	}
	if err := r.store.UpdateNodeRun(ctx, nr); err != nil {
		r.log.Error().Err(err).Str("node_run_id", nr.ID).Msg("settle node run failed")
		return
	}
	r.log.Info().
		Str("node_run_id", nr.ID).
		Str("status", string(status)).
		Msg("stale node run settled")
}
