package model

import (
	"time"
)

// OSFamily is the detected operating system family of a host, resolved once
// before an execution and never re-probed mid-run.
type OSFamily string

const (
	OSPosix   OSFamily = "posix"
	OSWindows OSFamily = "windows"
	OSUnknown OSFamily = "unknown"
)

// Interpreter identifies how a script body is fed to the remote host.
type Interpreter string

const (
	InterpreterShell      Interpreter = "shell"
	InterpreterPython     Interpreter = "python"
	InterpreterPowerShell Interpreter = "powershell"
)

// AuthMethod is the configured credential kind for a host. A host configured
// for key auth may still carry an encrypted password as fallback.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthSSHKey   AuthMethod = "ssh_key"
)

// Host is a managed machine scripts run on. Immutable for the duration of a
// single execution; only the excluded detection subroutine mutates it.
type Host struct {
	ID                string     `json:"id" db:"id"`
	Name              string     `json:"name" db:"name"`
	Address           string     `json:"address" db:"address"`
	Username          string     `json:"username" db:"username"`
	AuthMethod        AuthMethod `json:"auth_method" db:"auth_method"`
	PasswordEncrypted string     `json:"-" db:"password_encrypted"`
	SSHKeyPath        string     `json:"ssh_key_path" db:"ssh_key_path"`
	OSFamily          OSFamily   `json:"os_family" db:"os_family"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// HostGroup is a named set of hosts used as a schedule or workflow target.
type HostGroup struct {
	ID      string   `json:"id" db:"id"`
	Name    string   `json:"name" db:"name"`
	HostIDs []string `json:"host_ids" db:"-"`
}

// Script is an executable command body. PerHostTimeoutSeconds == 0 marks an
// infinite script: it keeps running on the host after the capture window.
type Script struct {
	ID                    string      `json:"id" db:"id"`
	Name                  string      `json:"name" db:"name"`
	Content               string      `json:"content" db:"content"`
	Interpreter           Interpreter `json:"interpreter" db:"interpreter"`
	PerHostTimeoutSeconds int         `json:"per_host_timeout_seconds" db:"per_host_timeout_seconds"`
	CreatedAt             time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at" db:"updated_at"`
}

// Infinite reports whether the script runs unattended after its capture window.
func (s *Script) Infinite() bool { return s.PerHostTimeoutSeconds == 0 }

// ExecutionStatus is the lifecycle state of one script run on one host.
type ExecutionStatus string

const (
	ExecRunning     ExecutionStatus = "running"
	ExecLongRunning ExecutionStatus = "long_running"
	ExecCompleted   ExecutionStatus = "completed"
	ExecFailed      ExecutionStatus = "failed"
	ExecCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. CompletedAt is non-nil iff
// Terminal() is true.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// Execution is one attempt of one script on one host. Status transitions are
// owned by the execution engine while the run is live; the only external
// transition is an explicit stop to "cancelled".
type Execution struct {
	ID          string          `json:"id" db:"id"`
	ScriptID    string          `json:"script_id" db:"script_id"`
	HostID      string          `json:"host_id" db:"host_id"`
	TriggeredBy string          `json:"triggered_by" db:"triggered_by"`
	Status      ExecutionStatus `json:"status" db:"status"`
	Output      string          `json:"output" db:"output"`
	Error       string          `json:"error" db:"error"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at" db:"completed_at"`
}

// TargetType distinguishes single-host from host-group targets.
type TargetType string

const (
	TargetHost  TargetType = "host"
	TargetGroup TargetType = "group"
)

// Schedule fires a script against a target on a cron expression or fixed
// interval. At most one of CronExpression / IntervalSeconds drives NextRunAt.
type Schedule struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	ScriptID        string     `json:"script_id" db:"script_id"`
	TargetType      TargetType `json:"target_type" db:"target_type"`
	TargetID        string     `json:"target_id" db:"target_id"`
	CronExpression  string     `json:"cron_expression" db:"cron_expression"`
	IntervalSeconds int        `json:"interval_seconds" db:"interval_seconds"`
	Timezone        string     `json:"timezone" db:"timezone"`
	Enabled         bool       `json:"enabled" db:"enabled"`
	NextRunAt       *time.Time `json:"next_run_at" db:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at" db:"last_run_at"`
	CreatedBy       string     `json:"created_by" db:"created_by"`
}

// Settings are the runtime-tunable knobs read by the core. A single row,
// owned by the excluded CRUD layer.
type Settings struct {
	MaxConcurrentExecutions         int `json:"max_concurrent_executions" db:"max_concurrent_executions"`
	VirtualTimeoutDuration          int `json:"virtual_timeout_duration" db:"virtual_timeout_duration"`
	LongRunningDelaySeconds         int `json:"long_running_delay_seconds" db:"long_running_delay_seconds"`
	ScheduleTriggerToleranceSeconds int `json:"schedule_trigger_tolerance_seconds" db:"schedule_trigger_tolerance_seconds"`
}

// DefaultSettings mirrors the stored defaults used when no settings row exists.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentExecutions:         8,
		VirtualTimeoutDuration:          60,
		LongRunningDelaySeconds:         300,
		ScheduleTriggerToleranceSeconds: 30,
	}
}
