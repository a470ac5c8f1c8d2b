package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/netraven/netraven/pkg/creds"
	"github.com/netraven/netraven/pkg/device"
	"github.com/netraven/netraven/pkg/events"
	"github.com/netraven/netraven/pkg/jobs"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/metrics"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
	"golang.org/x/sync/semaphore"
)

// ErrRunNotActive is returned by Cancel for runs the dispatcher is not
// currently executing.
var ErrRunNotActive = errors.New("job run is not active")

// Dispatcher executes job runs: it fans a run out across its device set
// with bounded concurrency, records per-device results, and aggregates
// them into the run's final status.
type Dispatcher struct {
	store    storage.Store
	registry *jobs.Registry
	resolver *creds.Resolver
	opener   *device.Opener
	sink     *events.Sink

	maxDevices int64
	runSem     *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dispatcher. maxRuns bounds concurrent job runs process
// wide; maxDevices bounds concurrent devices within one run.
func New(store storage.Store, registry *jobs.Registry, resolver *creds.Resolver, opener *device.Opener, sink *events.Sink, maxRuns, maxDevices int) *Dispatcher {
	if maxRuns < 1 {
		maxRuns = 1
	}
	if maxDevices < 1 {
		maxDevices = 1
	}
	return &Dispatcher{
		store:      store,
		registry:   registry,
		resolver:   resolver,
		opener:     opener,
		sink:       sink,
		maxDevices: int64(maxDevices),
		runSem:     semaphore.NewWeighted(int64(maxRuns)),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Submit creates a PENDING run for the definition and executes it in the
// background. The overlap guard lives in the store: a definition with an
// unfinished run yields storage.ErrOverlap and no new row.
func (d *Dispatcher) Submit(ctx context.Context, def *types.JobDefinition) (*types.JobRun, error) {
	run := &types.JobRun{
		ID:              uuid.New().String(),
		JobDefinitionID: def.ID,
		Status:          types.JobRunPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := d.store.CreateJobRun(run); err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Execute(ctx, run, def)
	}()
	return run, nil
}

// SubmitRetry creates a run that re-executes only the devices that failed
// in a previous terminal run. The new run carries a device filter and a
// reference to the run it retries, and goes through the same overlap guard.
func (d *Dispatcher) SubmitRetry(ctx context.Context, origRunID string) (*types.JobRun, error) {
	orig, err := d.store.GetJobRun(origRunID)
	if err != nil {
		return nil, err
	}
	if !orig.Status.Terminal() {
		return nil, fmt.Errorf("run %s has not finished, nothing to retry", origRunID)
	}
	def, err := d.store.GetJobDefinition(orig.JobDefinitionID)
	if err != nil {
		return nil, err
	}

	results, err := d.store.ListDeviceResults(origRunID)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, res := range results {
		if res.Status == types.DeviceResultFailed {
			failed = append(failed, res.DeviceID)
		}
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("run %s has no failed devices", origRunID)
	}

	run := &types.JobRun{
		ID:              uuid.New().String(),
		JobDefinitionID: def.ID,
		Status:          types.JobRunPending,
		DeviceFilter:    failed,
		RetryOf:         origRunID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := d.store.CreateJobRun(run); err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Execute(ctx, run, def)
	}()
	return run, nil
}

// Cancel stops an active run. In-flight devices observe the cancellation
// through their context and finish as cancelled failures.
func (d *Dispatcher) Cancel(runID string) error {
	d.mu.Lock()
	cancel, ok := d.cancels[runID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}
	cancel()
	return nil
}

// Wait blocks until every submitted run has finished. Used at shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Execute runs one job run to completion synchronously. The run must
// already exist as a PENDING row.
func (d *Dispatcher) Execute(ctx context.Context, run *types.JobRun, def *types.JobDefinition) {
	if err := d.runSem.Acquire(ctx, 1); err != nil {
		d.failDispatcher(run, fmt.Sprintf("run slot acquisition aborted: %v", err))
		return
	}
	defer d.runSem.Release(1)

	metrics.JobRunsActive.Inc()
	defer metrics.JobRunsActive.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancels[run.ID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancels, run.ID)
		d.mu.Unlock()
		d.sink.Forget(run.ID)
	}()

	started := time.Now()
	if err := d.store.SetJobRunStatus(run.ID, types.JobRunRunning, time.Time{}); err != nil {
		log.WithJobRunID(run.ID).Error().Err(err).Msg("failed to mark run as running")
		d.failDispatcher(run, fmt.Sprintf("failed to mark run as running: %v", err))
		return
	}
	d.sink.Log(run.ID, "", types.LogInfo, types.CategoryDispatcher,
		fmt.Sprintf("job run started for definition %s (%s)", def.Name, def.Type), nil)

	devices, err := d.resolveDevices(run, def)
	if err != nil {
		d.sink.Log(run.ID, "", types.LogError, types.CategoryDispatcher,
			fmt.Sprintf("failed to resolve target devices: %v", err), nil)
		d.failDispatcher(run, fmt.Sprintf("failed to resolve target devices: %v", err))
		return
	}

	if len(devices) == 0 {
		d.sink.Log(run.ID, "", types.LogWarning, types.CategoryDispatcher,
			"target resolved to zero devices", nil)
		d.finalize(run, def, started, nil, types.JobRunCompletedNoDevices)
		return
	}

	handler, handlerKnown := d.registry.Get(def.Type)

	// Seed PENDING rows so operators see the full device set immediately.
	for _, dev := range devices {
		res := &types.DeviceResult{
			JobRunID: run.ID,
			DeviceID: dev.ID,
			Status:   types.DeviceResultPending,
		}
		if err := d.store.UpsertDeviceResult(res); err != nil {
			d.failDispatcher(run, fmt.Sprintf("failed to seed device results: %v", err))
			return
		}
	}

	if !handlerKnown {
		d.sink.Log(run.ID, "", types.LogError, types.CategoryDispatcher,
			fmt.Sprintf("no handler registered for job type %q", def.Type), nil)
		now := time.Now().UTC()
		for _, dev := range devices {
			d.storeResult(&types.DeviceResult{
				JobRunID:    run.ID,
				DeviceID:    dev.ID,
				Status:      types.DeviceResultFailed,
				StartedAt:   now,
				CompletedAt: now,
				Error:       types.FailUnknownJobType,
			})
		}
		d.finalize(run, def, started, devices, "")
		return
	}

	deviceSem := semaphore.NewWeighted(d.maxDevices)
	var hadPanic atomic.Bool
	var workers sync.WaitGroup

	for _, dev := range devices {
		workers.Add(1)
		go func(dev *types.Device) {
			defer workers.Done()
			defer func() {
				if r := recover(); r != nil {
					hadPanic.Store(true)
					log.WithJobRunID(run.ID).Error().
						Str("device_id", dev.ID).
						Interface("panic", r).
						Msg("device worker panicked")
					d.storeResult(&types.DeviceResult{
						JobRunID:    run.ID,
						DeviceID:    dev.ID,
						Status:      types.DeviceResultFailed,
						CompletedAt: time.Now().UTC(),
						Error:       fmt.Sprintf("internal error: %v", r),
					})
				}
			}()

			if err := deviceSem.Acquire(runCtx, 1); err != nil {
				d.markCancelled(run.ID, dev.ID)
				return
			}
			defer deviceSem.Release(1)

			d.runDevice(runCtx, run, dev, handler, def.Parameters)
		}(dev)
	}
	workers.Wait()

	if hadPanic.Load() {
		d.finalize(run, def, started, devices, types.JobRunFailedUnexpected)
		return
	}
	d.finalize(run, def, started, devices, "")
}

// resolveDevices expands the definition target, then applies the run's
// device filter when present.
func (d *Dispatcher) resolveDevices(run *types.JobRun, def *types.JobDefinition) ([]*types.Device, error) {
	devices, err := d.store.ResolveDevicesForTarget(def.Target)
	if err != nil {
		return nil, err
	}
	if len(run.DeviceFilter) == 0 {
		return devices, nil
	}
	keep := make(map[string]struct{}, len(run.DeviceFilter))
	for _, id := range run.DeviceFilter {
		keep[id] = struct{}{}
	}
	var filtered []*types.Device
	for _, dev := range devices {
		if _, ok := keep[dev.ID]; ok {
			filtered = append(filtered, dev)
		}
	}
	return filtered, nil
}

// runDevice executes the handler against one device and records the result.
func (d *Dispatcher) runDevice(ctx context.Context, run *types.JobRun, dev *types.Device, handler jobs.Handler, params map[string]string) {
	started := time.Now().UTC()
	d.storeResult(&types.DeviceResult{
		JobRunID:  run.ID,
		DeviceID:  dev.ID,
		Status:    types.DeviceResultRunning,
		StartedAt: started,
	})
	defer func() {
		metrics.DeviceTaskDuration.Observe(time.Since(started).Seconds())
	}()

	fail := func(reason string) {
		d.sink.Log(run.ID, dev.ID, types.LogError, types.CategoryJob,
			fmt.Sprintf("device task failed: %s", reason), nil)
		d.storeResult(&types.DeviceResult{
			JobRunID:    run.ID,
			DeviceID:    dev.ID,
			Status:      types.DeviceResultFailed,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
			Error:       reason,
		})
	}

	if ctx.Err() != nil {
		fail(types.FailCancelled)
		return
	}

	driver, err := d.opener.Drivers.Get(dev.Family)
	if err != nil {
		fail(err.Error())
		return
	}

	rc := &jobs.RunContext{
		JobRunID: run.ID,
		Device:   dev,
		Driver:   driver,
		Params:   params,
	}

	var credentialID string
	if handler.RequiresSession() {
		session, credID, reason := d.openSession(ctx, run.ID, dev)
		if reason != "" {
			fail(reason)
			return
		}
		defer func() {
			session.Close()
			d.sink.Log(run.ID, dev.ID, types.LogInfo, types.CategoryConnection, "disconnected", nil)
		}()
		rc.Session = session
		credentialID = credID
	}

	payload, err := handler.Execute(ctx, rc)
	if err != nil {
		if ctx.Err() != nil {
			fail(types.FailCancelled)
			return
		}
		fail(err.Error())
		return
	}

	d.sink.Log(run.ID, dev.ID, types.LogInfo, types.CategoryHandler, "device task completed", nil)
	d.storeResult(&types.DeviceResult{
		JobRunID:     run.ID,
		DeviceID:     dev.ID,
		Status:       types.DeviceResultCompleted,
		StartedAt:    started,
		CompletedAt:  time.Now().UTC(),
		Payload:      payload,
		CredentialID: credentialID,
	})
}

// openSession walks the credential candidates for the device until one
// authenticates. The returned reason is empty on success and one of the
// well-known failure reasons (or an error string) otherwise.
func (d *Dispatcher) openSession(ctx context.Context, runID string, dev *types.Device) (device.Session, string, string) {
	it, err := d.resolver.Resolve(dev)
	if err != nil {
		if errors.Is(err, creds.ErrNoCandidates) {
			return nil, "", types.FailNoCredentials
		}
		return nil, "", fmt.Sprintf("credential resolution failed: %v", err)
	}

	attempted := 0
	for {
		cand, ok := it.Next()
		if !ok {
			if attempted == 0 {
				// Every candidate was skipped before a single attempt.
				return nil, "", types.FailNoCredentials
			}
			d.sink.Log(runID, dev.ID, types.LogError, types.CategoryConnection,
				fmt.Sprintf("all %d credentials rejected", attempted), nil)
			return nil, "", types.FailAuthExhausted
		}

		if ctx.Err() != nil {
			return nil, "", types.FailCancelled
		}

		attempted++
		d.sink.Log(runID, dev.ID, types.LogInfo, types.CategoryConnection,
			fmt.Sprintf("connecting as %s (credential %s)", cand.Username, cand.ID), nil)

		result, err := d.opener.Open(ctx, dev, cand.Username, cand.Secret)
		switch {
		case err == nil:
			metrics.CredentialAttemptsTotal.WithLabelValues("success").Inc()
			metrics.ProbesTotal.WithLabelValues("reachable").Inc()
			if err := cand.RecordSuccess(); err != nil {
				log.WithJobRunID(runID).Warn().Err(err).Msg("failed to record credential success")
			}
			if err := d.store.SetDeviceReachability(dev.ID, types.ReachabilityReachable); err != nil {
				log.WithJobRunID(runID).Warn().Err(err).Msg("failed to record device reachability")
			}
			d.sink.Log(runID, dev.ID, types.LogInfo, types.CategoryConnection, "connected", nil)
			return result.Session, cand.ID, ""

		case errors.Is(err, device.ErrUnreachable):
			// The device answered nothing, so the credential was never
			// tried and its counters stay untouched.
			metrics.ProbesTotal.WithLabelValues("unreachable").Inc()
			if err := d.store.SetDeviceReachability(dev.ID, types.ReachabilityUnreachable); err != nil {
				log.WithJobRunID(runID).Warn().Err(err).Msg("failed to record device reachability")
			}
			return nil, "", types.FailUnreachable

		case errors.Is(err, device.ErrAuthFailed):
			metrics.CredentialAttemptsTotal.WithLabelValues("auth_failed").Inc()
			if err := cand.RecordFailure(); err != nil {
				log.WithJobRunID(runID).Warn().Err(err).Msg("failed to record credential failure")
			}
			d.sink.Log(runID, dev.ID, types.LogWarning, types.CategoryConnection,
				fmt.Sprintf("credential %s rejected", cand.ID), nil)

		default:
			if ctx.Err() != nil {
				return nil, "", types.FailCancelled
			}
			metrics.CredentialAttemptsTotal.WithLabelValues("error").Inc()
			return nil, "", fmt.Sprintf("connection failed: %v", err)
		}
	}
}

// markCancelled records a cancelled result for a device that never ran.
func (d *Dispatcher) markCancelled(runID, deviceID string) {
	d.storeResult(&types.DeviceResult{
		JobRunID:    runID,
		DeviceID:    deviceID,
		Status:      types.DeviceResultFailed,
		CompletedAt: time.Now().UTC(),
		Error:       types.FailCancelled,
	})
}

func (d *Dispatcher) storeResult(res *types.DeviceResult) {
	if err := d.store.UpsertDeviceResult(res); err != nil {
		log.WithJobRunID(res.JobRunID).Error().
			Str("device_id", res.DeviceID).
			Err(err).
			Msg("failed to persist device result")
		return
	}
	if res.Status.Terminal() {
		reason := ""
		if res.Status == types.DeviceResultFailed {
			reason = res.Error
		}
		metrics.DeviceResultsTotal.WithLabelValues(string(res.Status), reason).Inc()
	}
}

// finalize aggregates device results into the run's final status. An
// explicit override status wins; otherwise:
//
//	all succeeded             -> COMPLETED_SUCCESS
//	all failed, all no-creds  -> COMPLETED_NO_CREDENTIALS
//	all failed otherwise      -> COMPLETED_FAILURE
//	mixed                     -> COMPLETED_PARTIAL_FAILURE
func (d *Dispatcher) finalize(run *types.JobRun, def *types.JobDefinition, started time.Time, devices []*types.Device, override types.JobRunStatus) {
	var succeeded, failed, noCreds int
	if len(devices) > 0 {
		results, err := d.store.ListDeviceResults(run.ID)
		if err != nil {
			log.WithJobRunID(run.ID).Error().Err(err).Msg("failed to list device results for aggregation")
			// Workers already ran, so this is an unexpected internal
			// failure rather than a dispatcher setup error.
			d.failRun(run, types.JobRunFailedUnexpected, fmt.Sprintf("failed to aggregate device results: %v", err))
			return
		}
		for _, res := range results {
			switch res.Status {
			case types.DeviceResultCompleted:
				succeeded++
			default:
				failed++
				if res.Error == types.FailNoCredentials {
					noCreds++
				}
			}
		}
	}

	status := override
	if status == "" {
		switch {
		case len(devices) == 0:
			status = types.JobRunCompletedNoDevices
		case failed == 0:
			status = types.JobRunCompletedSuccess
		case succeeded == 0 && noCreds == failed:
			status = types.JobRunCompletedNoCredentials
		case succeeded == 0:
			status = types.JobRunCompletedFailure
		default:
			status = types.JobRunCompletedPartialFailure
		}
	}

	current, err := d.store.GetJobRun(run.ID)
	if err == nil {
		current.TotalDevices = len(devices)
		current.SucceededDevices = succeeded
		current.FailedDevices = failed
		if err := d.store.UpdateJobRun(current); err != nil {
			log.WithJobRunID(run.ID).Error().Err(err).Msg("failed to persist run counters")
		}
	}

	if err := d.store.SetJobRunStatus(run.ID, status, time.Now().UTC()); err != nil {
		log.WithJobRunID(run.ID).Error().Err(err).Msg("failed to finalize run status")
		return
	}

	metrics.JobRunsTotal.WithLabelValues(def.Type, string(status)).Inc()
	metrics.JobRunDuration.WithLabelValues(def.Type).Observe(time.Since(started).Seconds())
	d.sink.Log(run.ID, "", types.LogInfo, types.CategoryDispatcher,
		fmt.Sprintf("job run finished: %s (%d succeeded, %d failed of %d)", status, succeeded, failed, len(devices)), nil)
}

// failDispatcher marks a run as failed before any device work happened.
func (d *Dispatcher) failDispatcher(run *types.JobRun, reason string) {
	d.failRun(run, types.JobRunFailedDispatcherError, reason)
}

func (d *Dispatcher) failRun(run *types.JobRun, status types.JobRunStatus, reason string) {
	current, err := d.store.GetJobRun(run.ID)
	if err == nil {
		current.Error = reason
		if err := d.store.UpdateJobRun(current); err != nil {
			log.WithJobRunID(run.ID).Error().Err(err).Msg("failed to persist run error")
		}
	}
	if err := d.store.SetJobRunStatus(run.ID, status, time.Now().UTC()); err != nil {
		log.WithJobRunID(run.ID).Error().Err(err).Msg("failed to mark run as failed")
	}
	metrics.JobRunsTotal.WithLabelValues("", string(status)).Inc()
}
