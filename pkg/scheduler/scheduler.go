package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/metrics"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
	"github.com/robfig/cron/v3"
)

// Submitter starts job runs. Implemented by the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, def *types.JobDefinition) (*types.JobRun, error)
}

// ValidateCron accepts exactly the strict 5-field form. Descriptor
// shortcuts like @hourly are rejected so stored expressions stay uniform.
func ValidateCron(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if strings.HasPrefix(expr, "@") {
		return fmt.Errorf("cron descriptors like %q are not supported, use the 5-field form", expr)
	}
	if fields := strings.Fields(expr); len(fields) != 5 {
		return fmt.Errorf("cron expression must have exactly 5 fields, got %d", len(fields))
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextFire computes when a definition should fire next, relative to now.
// The second return is false when the schedule has no future fire (a
// onetime schedule that already ran).
//
// Interval schedules fire at last+period, pulled up to now when the
// process was down past the due time; a never-fired interval waits one
// full period first. Cron schedules evaluate in UTC.
func NextFire(def *types.JobDefinition, now time.Time) (time.Time, bool) {
	switch def.Schedule.Kind {
	case types.ScheduleInterval:
		period := time.Duration(def.Schedule.IntervalSeconds) * time.Second
		if def.LastFiredAt.IsZero() {
			return now.Add(period), true
		}
		next := def.LastFiredAt.Add(period)
		if next.Before(now) {
			next = now
		}
		return next, true

	case types.ScheduleCron:
		sched, err := cron.ParseStandard(def.Schedule.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(now.UTC()), true

	case types.ScheduleOneTime:
		if !def.LastFiredAt.IsZero() {
			return time.Time{}, false
		}
		at := def.Schedule.RunAt
		if at.Before(now) {
			// Past-due onetime schedules fire immediately instead of
			// silently never running.
			at = now
		}
		return at, true
	}
	return time.Time{}, false
}

// Scheduler owns the fire queue. All queue mutation happens on the run
// loop goroutine; external callers talk to it through the command channel.
type Scheduler struct {
	store     storage.Store
	submitter Submitter

	// ImmediateFirstFire makes a never-fired interval definition fire as
	// soon as it is loaded instead of waiting one full period.
	ImmediateFirstFire bool

	queue  *fireQueue
	cmdCh  chan command
	stopCh chan struct{}
	doneCh chan struct{}

	// now is swapped in tests
	now func() time.Time
}

type commandKind int

const (
	cmdReload commandKind = iota
	cmdRemove
)

type command struct {
	kind  commandKind
	defID string
}

// New creates a scheduler over the given store and submitter.
func New(store storage.Store, submitter Submitter) *Scheduler {
	return &Scheduler{
		store:     store,
		submitter: submitter,
		queue:     newFireQueue(),
		cmdCh:     make(chan command, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start loads enabled definitions and begins the run loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reload(); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

// Stop terminates the run loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Reload re-reads definitions from the store. Called after definitions
// are created, updated, enabled, or disabled.
func (s *Scheduler) Reload() {
	select {
	case s.cmdCh <- command{kind: cmdReload}:
	case <-s.stopCh:
	}
}

// Remove drops one definition's pending fire without a full reload.
func (s *Scheduler) Remove(defID string) {
	select {
	case s.cmdCh <- command{kind: cmdRemove, defID: defID}:
	case <-s.stopCh:
	}
}

// reload rebuilds the queue from the store's enabled definitions.
func (s *Scheduler) reload() error {
	defs, err := s.store.ListActiveJobDefinitions()
	if err != nil {
		return fmt.Errorf("failed to load job definitions: %w", err)
	}

	s.queue = newFireQueue()
	now := s.now()
	for _, def := range defs {
		at, ok := s.nextFire(def, now)
		if !ok {
			continue
		}
		s.queue.set(def.ID, at)
		log.WithComponent("scheduler").Debug().
			Str("definition_id", def.ID).
			Time("next_fire", at).
			Msg("definition scheduled")
	}
	log.WithComponent("scheduler").Info().
		Int("definitions", s.queue.Len()).
		Msg("schedule loaded")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		// Arm the timer for the earliest pending fire.
		wait := time.Hour
		if next, ok := s.queue.peek(); ok {
			wait = next.at.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case cmd := <-s.cmdCh:
			switch cmd.kind {
			case cmdReload:
				if err := s.reload(); err != nil {
					log.WithComponent("scheduler").Error().Err(err).Msg("reload failed")
				}
			case cmdRemove:
				s.queue.remove(cmd.defID)
			}
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue pops and fires every entry whose time has come.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	for {
		next, ok := s.queue.peek()
		if !ok || next.at.After(now) {
			return
		}
		s.queue.pop()
		s.fire(ctx, next.defID, next.at)
	}
}

// fire submits one run for the definition and requeues it. A definition
// whose previous run is still active is skipped with a warning and its
// next fire recomputed from now, so a long run delays the schedule
// instead of stacking runs behind it.
func (s *Scheduler) fire(ctx context.Context, defID string, due time.Time) {
	def, err := s.store.GetJobDefinition(defID)
	if err != nil {
		log.WithComponent("scheduler").Error().
			Str("definition_id", defID).
			Err(err).
			Msg("definition vanished, dropping from schedule")
		return
	}
	if !def.Enabled {
		return
	}

	now := s.now()
	metrics.SchedulerFireLatency.Observe(now.Sub(due).Seconds())

	_, err = s.submitter.Submit(ctx, def)
	switch {
	case err == nil:
		metrics.SchedulerFiresTotal.WithLabelValues("fired").Inc()
		def.LastFiredAt = now
		def.UpdatedAt = now
		if err := s.store.UpdateJobDefinition(def); err != nil {
			log.WithComponent("scheduler").Error().
				Str("definition_id", defID).
				Err(err).
				Msg("failed to record fire time")
		}

	case errors.Is(err, storage.ErrOverlap):
		metrics.SchedulerFiresTotal.WithLabelValues("skipped_overlap").Inc()
		log.WithComponent("scheduler").Warn().
			Str("definition_id", defID).
			Msg("previous run still active, skipping this fire")

	default:
		metrics.SchedulerFiresTotal.WithLabelValues("error").Inc()
		log.WithComponent("scheduler").Error().
			Str("definition_id", defID).
			Err(err).
			Msg("failed to submit job run")
	}

	if at, ok := s.nextFire(def, s.now()); ok {
		// An overdue definition recomputes to "now"; push it out so a
		// skipped fire rechecks instead of spinning.
		if floor := s.now().Add(overlapRecheckInterval); err != nil && at.Before(floor) {
			at = floor
		}
		s.queue.set(defID, at)
	}
}

// overlapRecheckInterval spaces out refire attempts after a skipped or
// failed fire.
const overlapRecheckInterval = 30 * time.Second

// nextFire is NextFire plus the immediate-first-fire override.
func (s *Scheduler) nextFire(def *types.JobDefinition, now time.Time) (time.Time, bool) {
	if s.ImmediateFirstFire &&
		def.Schedule.Kind == types.ScheduleInterval &&
		def.LastFiredAt.IsZero() {
		return now, true
	}
	return NextFire(def, now)
}

// RecoverInterruptedRuns marks runs left unfinished by a crash. Their
// status becomes FAILED_UNEXPECTED and any non-terminal device results
// become interrupted failures. Called once at startup before the
// scheduler and dispatcher start.
func RecoverInterruptedRuns(store storage.Store) (int, error) {
	runs, err := store.ListUnfinishedJobRuns()
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	now := time.Now().UTC()
	for _, run := range runs {
		results, err := store.ListDeviceResults(run.ID)
		if err != nil {
			return 0, err
		}
		for _, res := range results {
			if res.Status.Terminal() {
				continue
			}
			res.Status = types.DeviceResultFailed
			res.CompletedAt = now
			res.Error = types.FailInterrupted
			if err := store.UpsertDeviceResult(res); err != nil {
				return 0, err
			}
		}

		run.Error = "recovered_from_crash"
		if err := store.UpdateJobRun(run); err != nil {
			return 0, err
		}
		if err := store.SetJobRunStatus(run.ID, types.JobRunFailedUnexpected, now); err != nil {
			return 0, err
		}
		log.WithJobRunID(run.ID).Warn().Msg("recovered interrupted job run")
	}
	return len(runs), nil
}
