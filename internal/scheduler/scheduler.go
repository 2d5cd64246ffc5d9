// Package scheduler fires cron and interval schedules. A 30 second
// reconcile tick scans enabled schedules, computes timezone-aware next
// runs, and dispatches due work through the queue. A time-bucketed
// distributed lock suppresses duplicate fires across instances.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/coord"
	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/observability"
	"github.com/scriptherd/scriptherd/internal/queue"
	"github.com/scriptherd/scriptherd/internal/store"
)

const (
	reconcileTick = 30 * time.Second

	// Guard TTL floor. The lock must outlive at least two tolerance
	// windows so a slow instance cannot re-fire the same bucket.
	minGuardTTL = 120 * time.Second
)

// Dispatcher enqueues one (script, host) execution. Satisfied by
// queue.Queue.
type Dispatcher interface {
	Enqueue(scriptID, hostID, triggeredBy string) (*queue.Job, error)
}

// WorkflowStarter starts a workflow run. Satisfied by
// workflow.Orchestrator.
type WorkflowStarter interface {
	StartRun(ctx context.Context, workflowID string, trigger model.TriggerKind, triggeredBy, runContext string) (*model.WorkflowRun, error)
}

// Service is the schedule reconciler.
type Service struct {
	store     store.Store
	coord     coord.Coordinator
	queue     Dispatcher
	workflows WorkflowStarter
	log       zerolog.Logger

	now  func() time.Time
	tick time.Duration

	// Scheduled workflows carry no persisted next-run column; track
	// their next fire in memory per instance. The distributed guard
	// keeps multi-instance fires single.
	wfNext map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the scheduler service.
func New(st store.Store, c coord.Coordinator, q Dispatcher, wf WorkflowStarter, log zerolog.Logger) *Service {
	return &Service{
		store:     st,
		coord:     c,
		queue:     q,
		workflows: wf,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		tick:      reconcileTick,
		wfNext:    make(map[string]time.Time),
	}
}

// Start launches the reconcile loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Reconcile(ctx)
			}
		}
	}()
	s.log.Info().Dur("tick", s.tick).Msg("scheduler started")
}

// Stop halts the loop and waits for the in-flight pass.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Reconcile runs one scheduling pass. Exposed so tests can drive the
// loop deterministically.
func (s *Service) Reconcile(ctx context.Context) {
	now := s.now().UTC()

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		settings = model.DefaultSettings()
	}
	tolerance := settings.ScheduleTriggerToleranceSeconds
	if tolerance <= 0 {
		tolerance = 30
	}

	s.reconcileSchedules(ctx, now, tolerance)
	s.reconcileWorkflows(ctx, now, tolerance)
}

func (s *Service) reconcileSchedules(ctx context.Context, now time.Time, tolerance int) {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list schedules failed")
		return
	}

	for _, sched := range schedules {
		if sched.NextRunAt == nil {
			// First sight: seed the next run without firing.
			next := ComputeNextRun(sched, now)
			if next == nil {
				continue
			}
			if err := s.store.UpdateScheduleRunTimes(ctx, sched.ID, next, nil); err != nil {
				s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("seed next_run_at failed")
			}
			continue
		}
		if now.Before(*sched.NextRunAt) {
			continue
		}

		// Due. Advance the clock first so a dispatch failure cannot
		// produce a tight refire loop.
		next := ComputeNextRun(sched, now)
		if next == nil {
			// No further occurrence. Clear next_run_at so the stale
			// value cannot keep refiring every pass.
			if err := s.store.UpdateScheduleRunTimes(ctx, sched.ID, nil, nil); err != nil {
				s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("clear next_run_at failed")
			}
			s.log.Warn().Str("schedule_id", sched.ID).Msg("schedule has no next occurrence, parking it")
			continue
		}
		lastRun := now
		if err := s.store.UpdateScheduleRunTimes(ctx, sched.ID, next, &lastRun); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("advance run times failed")
			continue
		}
		s.fire(ctx, sched, now, tolerance)
	}
}

// fire fans the schedule out to its target hosts, guarding each
// (script, host) pair against duplicate fires inside the tolerance
// bucket.
func (s *Service) fire(ctx context.Context, sched *model.Schedule, now time.Time, tolerance int) {
	hosts, err := s.targetHosts(ctx, sched)
	if err != nil {
		s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("resolve schedule target failed")
		observability.ScheduleFires.WithLabelValues("error").Inc()
		return
	}

	ttl := time.Duration(2*tolerance) * time.Second
	if ttl < minGuardTTL {
		ttl = minGuardTTL
	}
	bucket := now.Unix() / int64(tolerance)

	for _, host := range hosts {
		key := fmt.Sprintf("sched:lock:%s:%s:%d", sched.ScriptID, host.ID, bucket)
		ok, err := s.coord.AcquireLock(ctx, key, ttl)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("guard lock failed")
			observability.ScheduleFires.WithLabelValues("error").Inc()
			continue
		}
		if !ok {
			observability.ScheduleFires.WithLabelValues("duplicate_suppressed").Inc()
			continue
		}
		if _, err := s.queue.Enqueue(sched.ScriptID, host.ID, "schedule:"+sched.ID); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sched.ID).Str("host_id", host.ID).Msg("enqueue failed")
			observability.ScheduleFires.WithLabelValues("error").Inc()
			continue
		}
		observability.ScheduleFires.WithLabelValues("fired").Inc()
	}
}

func (s *Service) targetHosts(ctx context.Context, sched *model.Schedule) ([]*model.Host, error) {
	switch sched.TargetType {
	case model.TargetHost:
		h, err := s.store.GetHost(ctx, sched.TargetID)
		if err != nil {
			return nil, err
		}
		return []*model.Host{h}, nil
	case model.TargetGroup:
		return s.store.ListGroupHosts(ctx, sched.TargetID)
	default:
		return nil, fmt.Errorf("unknown target type %q", sched.TargetType)
	}
}

func (s *Service) reconcileWorkflows(ctx context.Context, now time.Time, tolerance int) {
	if s.workflows == nil {
		return
	}
	wfs, err := s.store.ListScheduledWorkflows(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list scheduled workflows failed")
		return
	}

	seen := make(map[string]bool, len(wfs))
	for _, wf := range wfs {
		seen[wf.ID] = true
		next, ok := s.wfNext[wf.ID]
		if !ok {
			if n := nextCron(wf.ScheduleCron, wf.ScheduleTimezone, now); n != nil {
				s.wfNext[wf.ID] = *n
			}
			continue
		}
		if now.Before(next) {
			continue
		}

		if n := nextCron(wf.ScheduleCron, wf.ScheduleTimezone, now); n != nil {
			s.wfNext[wf.ID] = *n
		} else {
			delete(s.wfNext, wf.ID)
		}

		bucket := now.Unix() / int64(tolerance)
		key := fmt.Sprintf("sched:wflock:%s:%d", wf.ID, bucket)
		ttl := time.Duration(2*tolerance) * time.Second
		if ttl < minGuardTTL {
			ttl = minGuardTTL
		}
		ok, err = s.coord.AcquireLock(ctx, key, ttl)
		if err != nil || !ok {
			if err != nil {
				s.log.Error().Err(err).Str("workflow_id", wf.ID).Msg("workflow guard lock failed")
			}
			continue
		}
		if _, err := s.workflows.StartRun(ctx, wf.ID, model.TriggerSchedule, "schedule", ""); err != nil {
			s.log.Error().Err(err).Str("workflow_id", wf.ID).Msg("start scheduled workflow failed")
		}
	}
	for id := range s.wfNext {
		if !seen[id] {
			delete(s.wfNext, id)
		}
	}
}

// ComputeNextRun returns the schedule's next fire time in UTC, or nil
// when the schedule cannot fire again. Cron expressions are evaluated
// in the schedule's timezone; interval schedules advance from now.
func ComputeNextRun(sched *model.Schedule, now time.Time) *time.Time {
	if sched.CronExpression != "" {
		return nextCron(sched.CronExpression, sched.Timezone, now)
	}
	if sched.IntervalSeconds > 0 {
		next := now.Add(time.Duration(sched.IntervalSeconds) * time.Second).UTC()
		return &next
	}
	return nil
}

func nextCron(expr, tzName string, now time.Time) *time.Time {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil || tzName == "" {
		loc = time.UTC
	}
	next := spec.Next(now.In(loc)).UTC()
	if next.IsZero() {
		return nil
	}
	return &next
}
