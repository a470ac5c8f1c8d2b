/*
Package storage persists NetRaven's durable state in BoltDB.

Rows are JSON documents in per-entity buckets. BoltDB's single-writer
transactions carry the invariants that matter here: the overlap guard in
CreateJobRun (scan plus insert in one transaction), terminal-status
immutability in SetJobRunStatus, and atomic credential counter updates
in RecordCredentialOutcome.

Job log entries use composite keys of the form runID/deviceID/seq, so a
prefix cursor returns one run's log in per-device emission order without
a secondary index. Device results use runID/deviceID the same way.

Lookups wrap ErrNotFound; callers branch with errors.Is rather than
string matching.
*/
package storage
