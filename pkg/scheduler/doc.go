/*
Package scheduler decides when job definitions fire.

A single goroutine owns a min-heap of pending fires, keyed by fire time.
It sleeps until the earliest entry is due, submits a run for it, and
requeues it at its next fire time. External callers never touch the heap
directly; Reload and Remove go through a command channel.

# Schedule Kinds

	interval  fires at last_fired + period; an overdue definition fires
	          immediately (once), it does not replay missed periods
	cron      strict 5-field expressions, evaluated in UTC
	onetime   fires once at its timestamp, immediately if already past

Overlap is handled at fire time, not in the queue: the store rejects a
second active run for the same definition, the scheduler logs the skip
and rechecks shortly after. A run that takes longer than its period
therefore delays the schedule instead of stacking runs behind itself.

RecoverInterruptedRuns runs once at startup, before the fire loop: runs
left PENDING or RUNNING by a crashed process become FAILED_UNEXPECTED and
their unfinished device results become interrupted failures, keeping the
overlap guard from deadlocking on ghosts.
*/
package scheduler
