package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every five minutes", "*/5 * * * *", false},
		{"daily at midnight", "0 0 * * *", false},
		{"weekday mornings", "30 8 * * 1-5", false},
		{"empty", "", true},
		{"descriptor", "@hourly", true},
		{"too few fields", "* * * *", true},
		{"too many fields", "* * * * * *", true},
		{"bad field", "61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func intervalDef(seconds int, lastFired time.Time) *types.JobDefinition {
	return &types.JobDefinition{
		ID:          uuid.New().String(),
		Schedule:    types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: seconds},
		LastFiredAt: lastFired,
	}
}

func TestNextFireInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("never fired waits one period", func(t *testing.T) {
		at, ok := NextFire(intervalDef(300, time.Time{}), now)
		require.True(t, ok)
		assert.Equal(t, now.Add(5*time.Minute), at)
	})

	t.Run("fires at last plus period", func(t *testing.T) {
		at, ok := NextFire(intervalDef(300, now.Add(-2*time.Minute)), now)
		require.True(t, ok)
		assert.Equal(t, now.Add(3*time.Minute), at)
	})

	t.Run("overdue pulls up to now", func(t *testing.T) {
		at, ok := NextFire(intervalDef(300, now.Add(-time.Hour)), now)
		require.True(t, ok)
		assert.Equal(t, now, at)
	})
}

func TestNextFireCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC)
	def := &types.JobDefinition{
		Schedule: types.Schedule{Kind: types.ScheduleCron, CronExpr: "*/15 * * * *"},
	}

	at, ok := NextFire(def, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), at)
}

func TestNextFireOneTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("future fires at its time", func(t *testing.T) {
		def := &types.JobDefinition{
			Schedule: types.Schedule{Kind: types.ScheduleOneTime, RunAt: now.Add(time.Hour)},
		}
		at, ok := NextFire(def, now)
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Hour), at)
	})

	t.Run("past due fires immediately", func(t *testing.T) {
		def := &types.JobDefinition{
			Schedule: types.Schedule{Kind: types.ScheduleOneTime, RunAt: now.Add(-time.Hour)},
		}
		at, ok := NextFire(def, now)
		require.True(t, ok)
		assert.Equal(t, now, at)
	})

	t.Run("already fired never fires again", func(t *testing.T) {
		def := &types.JobDefinition{
			Schedule:    types.Schedule{Kind: types.ScheduleOneTime, RunAt: now.Add(-time.Hour)},
			LastFiredAt: now.Add(-time.Hour),
		}
		_, ok := NextFire(def, now)
		assert.False(t, ok)
	})
}

func TestFireQueueOrdering(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q.set("c", base.Add(2*time.Minute))
	q.set("a", base.Add(time.Minute))
	q.set("b", base.Add(time.Minute)) // tie with a, id breaks it

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", first.defID)
	second, _ := q.pop()
	assert.Equal(t, "b", second.defID)
	third, _ := q.pop()
	assert.Equal(t, "c", third.defID)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestFireQueueSetMovesEntry(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q.set("a", base.Add(time.Minute))
	q.set("b", base.Add(2*time.Minute))
	q.set("a", base.Add(3*time.Minute)) // reschedule, not duplicate

	assert.Equal(t, 2, q.Len())
	first, _ := q.pop()
	assert.Equal(t, "b", first.defID)
}

func TestFireQueueRemove(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.set("a", base)
	q.remove("a")
	q.remove("a") // second remove is a no-op
	assert.Equal(t, 0, q.Len())
}

// stubSubmitter scripts Submit outcomes.
type stubSubmitter struct {
	errs  []error
	calls int
	defs  []string
}

func (s *stubSubmitter) Submit(ctx context.Context, def *types.JobDefinition) (*types.JobRun, error) {
	call := s.calls
	s.calls++
	s.defs = append(s.defs, def.ID)
	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	return &types.JobRun{ID: uuid.New().String(), JobDefinitionID: def.ID}, nil
}

func newTestScheduler(t *testing.T, sub Submitter) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, sub), store
}

func seedDefinition(t *testing.T, store storage.Store, schedule types.Schedule, enabled bool) *types.JobDefinition {
	t.Helper()
	def := &types.JobDefinition{
		ID:       uuid.New().String(),
		Name:     "nightly-backup",
		Type:     "backup",
		Target:   types.JobTarget{TagIDs: []string{"core"}},
		Schedule: schedule,
		Enabled:  enabled,
	}
	require.NoError(t, store.CreateJobDefinition(def))
	return def
}

func TestFireSubmitsAndRecordsFireTime(t *testing.T) {
	sub := &stubSubmitter{}
	s, store := newTestScheduler(t, sub)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	def := seedDefinition(t, store, types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: 300}, true)
	s.fire(context.Background(), def.ID, now)

	assert.Equal(t, 1, sub.calls)
	stored, err := store.GetJobDefinition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, now, stored.LastFiredAt.UTC())

	// Requeued one period out.
	next, ok := s.queue.peek()
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), next.at)
}

func TestFireOverlapSkips(t *testing.T) {
	sub := &stubSubmitter{errs: []error{storage.ErrOverlap}}
	s, store := newTestScheduler(t, sub)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	def := seedDefinition(t, store, types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: 300}, true)
	s.fire(context.Background(), def.ID, now)

	// The skipped fire leaves LastFiredAt untouched and rechecks later
	// instead of immediately.
	stored, err := store.GetJobDefinition(def.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastFiredAt.IsZero())

	next, ok := s.queue.peek()
	require.True(t, ok)
	assert.True(t, next.at.After(now), "requeue must not spin on an active run")
}

func TestFireDisabledDefinitionDoesNothing(t *testing.T) {
	sub := &stubSubmitter{}
	s, store := newTestScheduler(t, sub)

	def := seedDefinition(t, store, types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: 300}, false)
	s.fire(context.Background(), def.ID, time.Now())

	assert.Equal(t, 0, sub.calls)
	assert.Equal(t, 0, s.queue.Len())
}

func TestReloadSkipsFiredOneTime(t *testing.T) {
	sub := &stubSubmitter{}
	s, store := newTestScheduler(t, sub)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	seedDefinition(t, store, types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: 300}, true)
	fired := seedDefinition(t, store, types.Schedule{Kind: types.ScheduleOneTime, RunAt: now.Add(-time.Hour)}, true)
	fired.LastFiredAt = now.Add(-time.Hour)
	require.NoError(t, store.UpdateJobDefinition(fired))
	seedDefinition(t, store, types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: 300}, false)

	require.NoError(t, s.reload())
	assert.Equal(t, 1, s.queue.Len(), "only the enabled, unfired definition is queued")
}

func TestImmediateFirstFire(t *testing.T) {
	sub := &stubSubmitter{}
	s, store := newTestScheduler(t, sub)
	s.ImmediateFirstFire = true

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	seedDefinition(t, store, types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: 300}, true)
	require.NoError(t, s.reload())

	next, ok := s.queue.peek()
	require.True(t, ok)
	assert.Equal(t, now, next.at, "first fire is immediate when configured")
}

func TestSchedulerLoopFiresDueDefinition(t *testing.T) {
	sub := &stubSubmitter{}
	s, store := newTestScheduler(t, sub)

	seedDefinition(t, store, types.Schedule{Kind: types.ScheduleOneTime, RunAt: time.Now().Add(-time.Minute)}, true)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for sub.calls == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, sub.calls)
}

func TestRecoverInterruptedRuns(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	def := seedDefinition(t, store, types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: 300}, true)

	running := &types.JobRun{ID: "run-running", JobDefinitionID: def.ID, Status: types.JobRunRunning}
	require.NoError(t, store.CreateJobRun(running))
	require.NoError(t, store.UpsertDeviceResult(&types.DeviceResult{
		JobRunID: running.ID, DeviceID: "d1", Status: types.DeviceResultRunning,
	}))
	require.NoError(t, store.UpsertDeviceResult(&types.DeviceResult{
		JobRunID: running.ID, DeviceID: "d2", Status: types.DeviceResultCompleted,
	}))

	finished := &types.JobRun{ID: "run-done", JobDefinitionID: "other-def", Status: types.JobRunCompletedSuccess}
	require.NoError(t, store.CreateJobRun(finished))

	n, err := RecoverInterruptedRuns(store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := store.GetJobRun(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunFailedUnexpected, run.Status)
	assert.Equal(t, "recovered_from_crash", run.Error)

	d1, err := store.GetDeviceResult(running.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceResultFailed, d1.Status)
	assert.Equal(t, types.FailInterrupted, d1.Error)

	// Already-terminal device results are left alone.
	d2, err := store.GetDeviceResult(running.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceResultCompleted, d2.Status)

	done, err := store.GetJobRun(finished.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedSuccess, done.Status)
}
