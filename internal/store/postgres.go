package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scriptherd/scriptherd/internal/model"
)

// PostgresStore implements Store on a PostgreSQL backend via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Host operations ---

func (s *PostgresStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	query := `
		SELECT id, name, address, username, auth_method, password_encrypted,
		       ssh_key_path, os_family, created_at, updated_at
		FROM hosts WHERE id = $1
	`
	var h model.Host
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&h.ID, &h.Name, &h.Address, &h.Username, &h.AuthMethod,
		&h.PasswordEncrypted, &h.SSHKeyPath, &h.OSFamily, &h.CreatedAt, &h.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PostgresStore) ListGroupHosts(ctx context.Context, groupID string) ([]*model.Host, error) {
	// Missing group and empty group are distinct: the former is ErrNotFound.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM host_groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	query := `
		SELECT h.id, h.name, h.address, h.username, h.auth_method, h.password_encrypted,
		       h.ssh_key_path, h.os_family, h.created_at, h.updated_at
		FROM hosts h
		JOIN host_group_members m ON m.host_id = h.id
		WHERE m.group_id = $1
		ORDER BY h.id
	`
	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Host
	for rows.Next() {
		var h model.Host
		if err := rows.Scan(
			&h.ID, &h.Name, &h.Address, &h.Username, &h.AuthMethod,
			&h.PasswordEncrypted, &h.SSHKeyPath, &h.OSFamily, &h.CreatedAt, &h.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// --- Script operations ---

func (s *PostgresStore) GetScript(ctx context.Context, id string) (*model.Script, error) {
	query := `
		SELECT id, name, content, interpreter, per_host_timeout_seconds, created_at, updated_at
		FROM scripts WHERE id = $1
	`
	var sc model.Script
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sc.ID, &sc.Name, &sc.Content, &sc.Interpreter,
		&sc.PerHostTimeoutSeconds, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// --- Execution operations ---

func (s *PostgresStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	query := `
		INSERT INTO executions (id, script_id, host_id, triggered_by, status, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.ScriptID, e.HostID, e.TriggeredBy, e.Status, e.Output, e.Error, e.StartedAt, e.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	query := `
		SELECT id, script_id, host_id, triggered_by, status, output, error, started_at, completed_at
		FROM executions WHERE id = $1
	`
	var e model.Execution
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.ScriptID, &e.HostID, &e.TriggeredBy, &e.Status, &e.Output, &e.Error, &e.StartedAt, &e.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) FinalizeExecution(ctx context.Context, id string, status model.ExecutionStatus, output, errText string, at time.Time) error {
	// The WHERE clause is the state-machine guard: a terminal row never
	// transitions again.
	query := `
		UPDATE executions
		SET status = $2, output = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status IN ('running', 'long_running')
	`
	tag, err := s.pool.Exec(ctx, query, id, status, output, errText, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) SetExecutionOutput(ctx context.Context, id string, output string) error {
	query := `
		UPDATE executions SET output = $2
		WHERE id = $1 AND status IN ('running', 'long_running')
	`
	_, err := s.pool.Exec(ctx, query, id, output)
	return err
}

func (s *PostgresStore) MarkExecutionLongRunning(ctx context.Context, id string) error {
	query := `UPDATE executions SET status = 'long_running' WHERE id = $1 AND status = 'running'`
	_, err := s.pool.Exec(ctx, query, id)
	return err
}

// --- Schedule operations ---

func (s *PostgresStore) ListEnabledSchedules(ctx context.Context) ([]*model.Schedule, error) {
	query := `
		SELECT id, name, script_id, target_type, target_id, cron_expression,
		       interval_seconds, timezone, enabled, next_run_at, last_run_at, created_by
		FROM schedules WHERE enabled ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		var sch model.Schedule
		if err := rows.Scan(
			&sch.ID, &sch.Name, &sch.ScriptID, &sch.TargetType, &sch.TargetID,
			&sch.CronExpression, &sch.IntervalSeconds, &sch.Timezone, &sch.Enabled,
			&sch.NextRunAt, &sch.LastRunAt, &sch.CreatedBy,
		); err != nil {
			return nil, err
		}
		out = append(out, &sch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateScheduleRunTimes(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error {
	query := `
		UPDATE schedules
		SET next_run_at = $2,
		    last_run_at = COALESCE($3, last_run_at)
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, nextRunAt, lastRunAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Workflow operations ---

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	query := `
		SELECT id, name, trigger_kind, schedule_cron, schedule_timezone,
		       max_retries, retry_interval_seconds, group_failure_policy, created_at
		FROM workflows WHERE id = $1
	`
	var wf model.Workflow
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&wf.ID, &wf.Name, &wf.TriggerKind, &wf.ScheduleCron, &wf.ScheduleTimezone,
		&wf.MaxRetries, &wf.RetryIntervalSeconds, &wf.GroupFailurePolicy, &wf.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadGraph(ctx, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *PostgresStore) loadGraph(ctx context.Context, wf *model.Workflow) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, key, name, script_id, target_type, target_id
		FROM workflow_nodes WHERE workflow_id = $1 ORDER BY id
	`, wf.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var n model.WorkflowNode
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.Key, &n.Name, &n.ScriptID, &n.TargetType, &n.TargetID); err != nil {
			return err
		}
		wf.Nodes = append(wf.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	erows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, source_node_id, target_node_id, condition
		FROM workflow_edges WHERE workflow_id = $1 ORDER BY id
	`, wf.ID)
	if err != nil {
		return err
	}
	defer erows.Close()
	for erows.Next() {
		var e model.WorkflowEdge
		if err := erows.Scan(&e.ID, &e.WorkflowID, &e.SourceNodeID, &e.TargetNodeID, &e.Condition); err != nil {
			return err
		}
		wf.Edges = append(wf.Edges, e)
	}
	return erows.Err()
}

func (s *PostgresStore) ListScheduledWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	query := `
		SELECT id, name, trigger_kind, schedule_cron, schedule_timezone,
		       max_retries, retry_interval_seconds, group_failure_policy, created_at
		FROM workflows
		WHERE trigger_kind = 'schedule' AND schedule_cron <> ''
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		var wf model.Workflow
		if err := rows.Scan(
			&wf.ID, &wf.Name, &wf.TriggerKind, &wf.ScheduleCron, &wf.ScheduleTimezone,
			&wf.MaxRetries, &wf.RetryIntervalSeconds, &wf.GroupFailurePolicy, &wf.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, wf := range out {
		if err := s.loadGraph(ctx, wf); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	query := `
		INSERT INTO workflow_runs (id, workflow_id, triggered_by, status, had_failures, context, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.WorkflowID, run.TriggeredBy, run.Status, run.HadFailures, run.Context, run.StartedAt, run.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, triggered_by, status, had_failures, context, started_at, completed_at
		FROM workflow_runs WHERE id = $1
	`
	var run model.WorkflowRun
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.WorkflowID, &run.TriggeredBy, &run.Status, &run.HadFailures,
		&run.Context, &run.StartedAt, &run.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) FinishWorkflowRun(ctx context.Context, id string, status model.RunStatus, hadFailures bool, at time.Time) error {
	query := `
		UPDATE workflow_runs SET status = $2, had_failures = $3, completed_at = $4
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, status, hadFailures, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateNodeRun(ctx context.Context, nr *model.WorkflowNodeRun) error {
	query := `
		INSERT INTO workflow_node_runs (id, workflow_run_id, node_id, status, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		nr.ID, nr.WorkflowRunID, nr.NodeID, nr.Status, nr.Output, nr.Error, nr.StartedAt, nr.CompletedAt,
	)
	return err
}

func (s *PostgresStore) UpdateNodeRun(ctx context.Context, nr *model.WorkflowNodeRun) error {
	query := `
		UPDATE workflow_node_runs
		SET status = $2, output = $3, error = $4, completed_at = $5
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, nr.ID, nr.Status, nr.Output, nr.Error, nr.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRunningNodeRuns(ctx context.Context) ([]*model.WorkflowNodeRun, error) {
	query := `
		SELECT id, workflow_run_id, node_id, status, output, error, started_at, completed_at
		FROM workflow_node_runs WHERE status = 'running' ORDER BY started_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkflowNodeRun
	for rows.Next() {
		var nr model.WorkflowNodeRun
		if err := rows.Scan(
			&nr.ID, &nr.WorkflowRunID, &nr.NodeID, &nr.Status, &nr.Output, &nr.Error, &nr.StartedAt, &nr.CompletedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &nr)
	}
	return out, rows.Err()
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (model.Settings, error) {
	query := `
		SELECT max_concurrent_executions, virtual_timeout_duration,
		       long_running_delay_seconds, schedule_trigger_tolerance_seconds
		FROM settings LIMIT 1
	`
	var set model.Settings
	err := s.pool.QueryRow(ctx, query).Scan(
		&set.MaxConcurrentExecutions, &set.VirtualTimeoutDuration,
		&set.LongRunningDelaySeconds, &set.ScheduleTriggerToleranceSeconds,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	return set, nil
}
