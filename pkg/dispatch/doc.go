/*
Package dispatch executes job runs across their device sets.

The dispatcher is the bridge between a fired schedule and the per-device
work: it expands the job target, fans the devices out with bounded
concurrency, and folds the per-device outcomes into the run's final
status.

# Execution Flow

	Submit(definition)
	     │ CreateJobRun (overlap guard, PENDING)
	     ▼
	Execute
	     │ status → RUNNING
	     │ resolve target devices (minus the retry filter, if any)
	     │ seed PENDING device results
	     ▼
	device workers (semaphore, dispatcher.max_concurrent_devices)
	     │ resolve credentials → probe → dial → handler.Execute
	     ▼
	aggregate
	     │ all ok            → COMPLETED_SUCCESS
	     │ all failed        → COMPLETED_FAILURE (or NO_CREDENTIALS)
	     │ mixed             → COMPLETED_PARTIAL_FAILURE
	     │ worker panic      → FAILED_UNEXPECTED
	     ▼
	status + counters persisted, run is immutable from here

A second semaphore caps concurrent job runs process wide
(scheduler.max_concurrent_job_runs), so a burst of due schedules queues
rather than overwhelming the device fleet.

# Failure Semantics

Per-device failures carry a well-known reason (unreachable,
no_credentials, auth_exhausted, cancelled, unknown_job_type) so retry
tooling and dashboards can tell transport problems from credential
problems. One device's failure never stops its siblings; cancellation
via Cancel is the only way to stop a run early, and even that lets
in-flight devices finish recording their outcome.
*/
package dispatch
