/*
Package events is the job log pipeline: redact, persist, stream.

Every log line a job produces goes through the Sink exactly once. The
sink masks credentials and other sensitive values, appends the entry to
durable storage, and then offers it to live subscribers through the Hub
and, when configured, to a Redis pub/sub channel for consumers outside
the process.

Live delivery is best effort with bounded buffers; a slow subscriber
misses entries instead of stalling job execution. The durable record in
storage is the authoritative log.
*/
package events
