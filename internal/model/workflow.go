package model

import "time"

// TriggerKind is how a workflow run gets started.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
)

// GroupFailurePolicy decides a group-target node's pass/fail from its
// per-host outcomes. "any": one host failing fails the node. "all": the node
// fails only when every host failed.
type GroupFailurePolicy string

const (
	FailurePolicyAny GroupFailurePolicy = "any"
	FailurePolicyAll GroupFailurePolicy = "all"
)

// EdgeCondition selects which edge is taken after a node settles.
type EdgeCondition string

const (
	OnSuccess EdgeCondition = "on_success"
	OnFailure EdgeCondition = "on_failure"
)

// Workflow is a directed graph of execution nodes connected by
// success/failure edges, plus the retry and group-failure policy applied to
// every node in it.
type Workflow struct {
	ID                   string             `json:"id" db:"id"`
	Name                 string             `json:"name" db:"name"`
	TriggerKind          TriggerKind        `json:"trigger_kind" db:"trigger_kind"`
	ScheduleCron         string             `json:"schedule_cron" db:"schedule_cron"`
	ScheduleTimezone     string             `json:"schedule_timezone" db:"schedule_timezone"`
	MaxRetries           int                `json:"max_retries" db:"max_retries"`
	RetryIntervalSeconds int                `json:"retry_interval_seconds" db:"retry_interval_seconds"`
	GroupFailurePolicy   GroupFailurePolicy `json:"group_failure_policy" db:"group_failure_policy"`
	Nodes                []WorkflowNode     `json:"nodes" db:"-"`
	Edges                []WorkflowEdge     `json:"edges" db:"-"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
}

// WorkflowNode binds a script to a target inside a workflow graph.
type WorkflowNode struct {
	ID         int64      `json:"id" db:"id"`
	WorkflowID string     `json:"workflow_id" db:"workflow_id"`
	Key        string     `json:"key" db:"key"`
	Name       string     `json:"name" db:"name"`
	ScriptID   string     `json:"script_id" db:"script_id"`
	TargetType TargetType `json:"target_type" db:"target_type"`
	TargetID   string     `json:"target_id" db:"target_id"`
}

// WorkflowEdge connects two nodes. Condition decides when it is taken.
type WorkflowEdge struct {
	ID           int64         `json:"id" db:"id"`
	WorkflowID   string        `json:"workflow_id" db:"workflow_id"`
	SourceNodeID int64         `json:"source_node_id" db:"source_node_id"`
	TargetNodeID int64         `json:"target_node_id" db:"target_node_id"`
	Condition    EdgeCondition `json:"condition" db:"condition"`
}

// RunStatus is the lifecycle state of a workflow run.
//
// A finished run reports "completed" even when some of its nodes failed;
// node-level statuses (and HadFailures) carry the failure signal. This
// mirrors the stored status contract and must not be tightened.
type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunNoStartNodes RunStatus = "no_start_nodes"
)

// WorkflowRun is one invocation of a workflow. Terminal once all reachable
// nodes have settled.
type WorkflowRun struct {
	ID          string     `json:"id" db:"id"`
	WorkflowID  string     `json:"workflow_id" db:"workflow_id"`
	TriggeredBy string     `json:"triggered_by" db:"triggered_by"`
	Status      RunStatus  `json:"status" db:"status"`
	HadFailures bool       `json:"had_failures" db:"had_failures"`
	Context     string     `json:"context" db:"context"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// NodeRunStatus is the lifecycle state of one node visit within a run.
type NodeRunStatus string

const (
	NodeRunning   NodeRunStatus = "running"
	NodeCompleted NodeRunStatus = "completed"
	NodeFailed    NodeRunStatus = "failed"
)

// WorkflowNodeRun records one visit of one node in one run. Output holds the
// serialized list of underlying execution references.
type WorkflowNodeRun struct {
	ID            string        `json:"id" db:"id"`
	WorkflowRunID string        `json:"workflow_run_id" db:"workflow_run_id"`
	NodeID        int64         `json:"node_id" db:"node_id"`
	Status        NodeRunStatus `json:"status" db:"status"`
	Output        string        `json:"output" db:"output"`
	Error         string        `json:"error" db:"error"`
	StartedAt     time.Time     `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at" db:"completed_at"`
}

// NodeExecutionRef ties a node run to one enqueued job and, once known, the
// execution it produced. Serialized into WorkflowNodeRun.Output.
type NodeExecutionRef struct {
	HostID      string `json:"host_id"`
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status"`
}
