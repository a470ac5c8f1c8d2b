package main

import (
	"testing"
	"time"

	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateJobType(t *testing.T) {
	assert.NoError(t, validateJobType("backup"))
	assert.NoError(t, validateJobType("reachability"))

	err := validateJobType("firmware_upgrade")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job type")
	assert.Contains(t, err.Error(), "backup")
}

// seedOrphanedRun creates a RUNNING job run with the given device result
// states, as left behind by an executor that died mid-run.
func seedOrphanedRun(t *testing.T, store storage.Store, results map[string]types.DeviceResultStatus) string {
	t.Helper()
	run := &types.JobRun{
		ID:              "run-orphan",
		JobDefinitionID: "def-1",
		Status:          types.JobRunPending,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.CreateJobRun(run))
	require.NoError(t, store.SetJobRunStatus(run.ID, types.JobRunRunning, time.Time{}))

	for deviceID, status := range results {
		res := &types.DeviceResult{
			JobRunID:  run.ID,
			DeviceID:  deviceID,
			Status:    status,
			StartedAt: time.Now().UTC(),
		}
		if status.Terminal() {
			res.CompletedAt = time.Now().UTC()
		}
		require.NoError(t, store.UpsertDeviceResult(res))
	}
	return run.ID
}

func TestCancelOrphanedRunPartial(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runID := seedOrphanedRun(t, store, map[string]types.DeviceResultStatus{
		"d1": types.DeviceResultCompleted,
		"d2": types.DeviceResultRunning,
		"d3": types.DeviceResultPending,
	})

	status, err := cancelOrphanedRun(store, runID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedPartialFailure, status)

	run, err := store.GetJobRun(runID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedPartialFailure, run.Status)
	assert.Equal(t, 3, run.TotalDevices)
	assert.Equal(t, 1, run.SucceededDevices)
	assert.Equal(t, 2, run.FailedDevices)

	for _, id := range []string{"d2", "d3"} {
		res, err := store.GetDeviceResult(runID, id)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceResultFailed, res.Status)
		assert.Equal(t, types.FailCancelled, res.Error)
	}

	// The device that finished before the cancel keeps its result.
	res, err := store.GetDeviceResult(runID, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceResultCompleted, res.Status)
}

func TestCancelOrphanedRunNothingSucceeded(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runID := seedOrphanedRun(t, store, map[string]types.DeviceResultStatus{
		"d1": types.DeviceResultRunning,
		"d2": types.DeviceResultPending,
	})

	status, err := cancelOrphanedRun(store, runID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedFailure, status)
}

func TestCancelOrphanedRunAlreadyFinished(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runID := seedOrphanedRun(t, store, map[string]types.DeviceResultStatus{
		"d1": types.DeviceResultCompleted,
	})
	require.NoError(t, store.SetJobRunStatus(runID, types.JobRunCompletedSuccess, time.Now().UTC()))

	_, err = cancelOrphanedRun(store, runID)
	assert.ErrorIs(t, err, storage.ErrTerminal)
}

func TestBuildScheduleExactlyOne(t *testing.T) {
	_, err := buildSchedule(0, "", "")
	assert.Error(t, err)

	_, err = buildSchedule(300, "0 2 * * *", "")
	assert.Error(t, err)

	sched, err := buildSchedule(300, "", "")
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleInterval, sched.Kind)
	assert.Equal(t, 300, sched.IntervalSeconds)
}
