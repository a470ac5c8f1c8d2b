/*
Package types defines the core data structures used throughout NetRaven.

This package contains the domain model every other package builds on:
devices, tags, credentials, job definitions, job runs, per-device results,
job log entries, and artifact references.

# Core Types

Inventory:
  - Device: a network endpoint with an address, driver family, and tags
  - Tag: labeled grouping applied to devices and credentials
  - Credential: encrypted username/secret with priority and outcome counters

Job execution:
  - JobDefinition: persistent blueprint (type, target, schedule)
  - JobRun: one execution instance with an aggregated terminal status
  - DeviceResult: per-device outcome inside a run
  - JobLogEntry: structured, redacted audit line
  - ArtifactRef: pointer to a content-addressed configuration blob

# State Machine

Job runs follow:

	pending → running → completed_{success|partial_failure|failure|no_devices|no_credentials}
	                  → failed_{dispatcher_error|unexpected}

Terminal states are immutable. A run found RUNNING after a process restart
is recovered to failed_unexpected by the scheduler.

All enums use typed string constants, all types serialize as JSON for the
BoltDB storage layer, and mutations are synchronized by callers.
*/
package types
