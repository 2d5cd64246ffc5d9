package store

import (
	"context"
	"sync"
	"time"

	"github.com/scriptherd/scriptherd/internal/model"
)

// MemoryStore is an in-memory Store used by tests and single-process dev
// runs. All methods return copies so callers cannot mutate shared state.
type MemoryStore struct {
	mu         sync.RWMutex
	hosts      map[string]*model.Host
	groups     map[string][]string // group id -> host ids
	scripts    map[string]*model.Script
	executions map[string]*model.Execution
	schedules  map[string]*model.Schedule
	workflows  map[string]*model.Workflow
	runs       map[string]*model.WorkflowRun
	nodeRuns   map[string]*model.WorkflowNodeRun
	settings   *model.Settings
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hosts:      make(map[string]*model.Host),
		groups:     make(map[string][]string),
		scripts:    make(map[string]*model.Script),
		executions: make(map[string]*model.Execution),
		schedules:  make(map[string]*model.Schedule),
		workflows:  make(map[string]*model.Workflow),
		runs:       make(map[string]*model.WorkflowRun),
		nodeRuns:   make(map[string]*model.WorkflowNodeRun),
	}
}

// --- Seeding helpers (tests and dev bootstrap) ---

func (s *MemoryStore) PutHost(h *model.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.hosts[h.ID] = &cp
}

func (s *MemoryStore) PutGroup(groupID string, hostIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = append([]string(nil), hostIDs...)
}

func (s *MemoryStore) PutScript(sc *model.Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.scripts[sc.ID] = &cp
}

func (s *MemoryStore) PutSchedule(sch *model.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sch
	s.schedules[sch.ID] = &cp
}

func (s *MemoryStore) PutWorkflow(wf *model.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	cp.Nodes = append([]model.WorkflowNode(nil), wf.Nodes...)
	cp.Edges = append([]model.WorkflowEdge(nil), wf.Edges...)
	s.workflows[wf.ID] = &cp
}

func (s *MemoryStore) PutSettings(set model.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &set
}

// --- Host operations ---

func (s *MemoryStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListGroupHosts(ctx context.Context, groupID string) ([]*model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*model.Host, 0, len(ids))
	for _, id := range ids {
		if h, ok := s.hosts[id]; ok {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Script operations ---

func (s *MemoryStore) GetScript(ctx context.Context, id string) (*model.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

// --- Execution operations ---

func (s *MemoryStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) FinalizeExecution(ctx context.Context, id string, status model.ExecutionStatus, output, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return ErrConflict
	}
	e.Status = status
	e.Output = output
	e.Error = errText
	t := at
	e.CompletedAt = &t
	return nil
}

func (s *MemoryStore) SetExecutionOutput(ctx context.Context, id string, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return nil
	}
	e.Output = output
	return nil
}

func (s *MemoryStore) MarkExecutionLongRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status == model.ExecRunning {
		e.Status = model.ExecLongRunning
	}
	return nil
}

// --- Schedule operations ---

func (s *MemoryStore) ListEnabledSchedules(ctx context.Context) ([]*model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		if sch.Enabled {
			cp := *sch
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateScheduleRunTimes(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	sch.NextRunAt = nil
	if nextRunAt != nil {
		t := *nextRunAt
		sch.NextRunAt = &t
	}
	if lastRunAt != nil {
		t := *lastRunAt
		sch.LastRunAt = &t
	}
	return nil
}

// --- Workflow operations ---

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wf
	cp.Nodes = append([]model.WorkflowNode(nil), wf.Nodes...)
	cp.Edges = append([]model.WorkflowEdge(nil), wf.Edges...)
	return &cp, nil
}

func (s *MemoryStore) ListScheduledWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Workflow
	for _, wf := range s.workflows {
		if wf.TriggerKind == model.TriggerSchedule && wf.ScheduleCron != "" {
			cp := *wf
			cp.Nodes = append([]model.WorkflowNode(nil), wf.Nodes...)
			cp.Edges = append([]model.WorkflowEdge(nil), wf.Edges...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) FinishWorkflowRun(ctx context.Context, id string, status model.RunStatus, hadFailures bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.HadFailures = hadFailures
	t := at
	run.CompletedAt = &t
	return nil
}

func (s *MemoryStore) CreateNodeRun(ctx context.Context, nr *model.WorkflowNodeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *nr
	s.nodeRuns[nr.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateNodeRun(ctx context.Context, nr *model.WorkflowNodeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodeRuns[nr.ID]; !ok {
		return ErrNotFound
	}
	cp := *nr
	s.nodeRuns[nr.ID] = &cp
	return nil
}

// GetNodeRun is a test helper; node runs are otherwise read back only
// through ListRunningNodeRuns.
func (s *MemoryStore) GetNodeRun(id string) (*model.WorkflowNodeRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nr, ok := s.nodeRuns[id]
	if !ok {
		return nil, false
	}
	cp := *nr
	return &cp, true
}

// NodeRunsForRun is a test helper returning every node run recorded for
// the given workflow run.
func (s *MemoryStore) NodeRunsForRun(runID string) []*model.WorkflowNodeRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.WorkflowNodeRun
	for _, nr := range s.nodeRuns {
		if nr.WorkflowRunID == runID {
			cp := *nr
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemoryStore) ListRunningNodeRuns(ctx context.Context) ([]*model.WorkflowNodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.WorkflowNodeRun
	for _, nr := range s.nodeRuns {
		if nr.Status == model.NodeRunning {
			cp := *nr
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Settings ---

func (s *MemoryStore) GetSettings(ctx context.Context) (model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return model.DefaultSettings(), nil
	}
	return *s.settings, nil
}
