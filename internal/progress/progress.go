// Package progress publishes workflow run events to observers.
// Publication is best effort: a slow or absent observer never blocks
// the orchestrator.
package progress

import (
	"github.com/rs/zerolog"
)

// Event is one progress update for a workflow run.
type Event struct {
	Type          string `json:"type"`
	WorkflowRunID string `json:"workflow_run_id"`
	NodeID        int64  `json:"node_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Progress      int    `json:"progress,omitempty"`
}

// Publisher delivers events to whoever is watching a run.
type Publisher interface {
	Publish(runID string, ev Event)
}

// LogPublisher writes events to the log. Used when no websocket hub is
// wired, and in tests.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "progress").Logger()}
}

func (p *LogPublisher) Publish(runID string, ev Event) {
	p.log.Debug().
		Str("run_id", runID).
		Str("type", ev.Type).
		Int64("node_id", ev.NodeID).
		Str("status", ev.Status).
		Int("progress", ev.Progress).
		Msg("workflow progress")
}
