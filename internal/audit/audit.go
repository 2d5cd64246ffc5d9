// Package audit records security-relevant events. Emission is
// fire-and-forget: an audit failure never blocks or fails the
// operation being audited.
package audit

import (
	"github.com/rs/zerolog"
)

// Sink writes audit events as structured log lines. A nil Sink is
// valid and drops everything.
type Sink struct {
	log zerolog.Logger
}

// NewSink builds a Sink over the given logger.
func NewSink(log zerolog.Logger) *Sink {
	return &Sink{log: log.With().Str("component", "audit").Logger()}
}

// AuthSucceeded records a successful SSH authentication to a host.
func (s *Sink) AuthSucceeded(hostID, address, username string) {
	if s == nil {
		return
	}
	s.log.Info().
		Str("event", "ssh_auth_success").
		Str("host_id", hostID).
		Str("address", address).
		Str("username", username).
		Msg("ssh authentication succeeded")
}

// AuthFailed records an exhausted SSH authentication attempt.
func (s *Sink) AuthFailed(hostID, address, username string, err error) {
	if s == nil {
		return
	}
	s.log.Warn().
		Str("event", "ssh_auth_failure").
		Str("host_id", hostID).
		Str("address", address).
		Str("username", username).
		Err(err).
		Msg("ssh authentication failed")
}

// ExecutionStarted records the start of a script execution.
func (s *Sink) ExecutionStarted(executionID, scriptID, hostID, triggeredBy string) {
	if s == nil {
		return
	}
	s.log.Info().
		Str("event", "execution_started").
		Str("execution_id", executionID).
		Str("script_id", scriptID).
		Str("host_id", hostID).
		Str("triggered_by", triggeredBy).
		Msg("execution started")
}

// ExecutionFinished records an execution reaching a terminal status.
func (s *Sink) ExecutionFinished(executionID string, status string) {
	if s == nil {
		return
	}
	s.log.Info().
		Str("event", "execution_finished").
		Str("execution_id", executionID).
		Str("status", status).
		Msg("execution finished")
}

// WorkflowRunFinished records a workflow run reaching a terminal status.
func (s *Sink) WorkflowRunFinished(runID string, status string, hadFailures bool) {
	if s == nil {
		return
	}
	s.log.Info().
		Str("event", "workflow_run_finished").
		Str("run_id", runID).
		Str("status", status).
		Bool("had_failures", hadFailures).
		Msg("workflow run finished")
}
