package types

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// Device represents a managed network endpoint.
type Device struct {
	ID               string
	Hostname         string
	Address          string // IP address or DNS name
	Family           string // driver family, e.g. "cisco_ios", "juniper_junos"
	Port             int
	TagIDs           []string
	LastReachability ReachabilityStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReachabilityStatus represents the last known reachability of a device
type ReachabilityStatus string

const (
	ReachabilityNever       ReachabilityStatus = "never"
	ReachabilityReachable   ReachabilityStatus = "reachable"
	ReachabilityUnreachable ReachabilityStatus = "unreachable"
)

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?)*$`)

// Validate checks device invariants: address parses as IP or DNS name,
// port within 1..65535.
func (d *Device) Validate() error {
	if d.Address == "" {
		return fmt.Errorf("device address cannot be empty")
	}
	if net.ParseIP(d.Address) == nil && !hostnameRe.MatchString(d.Address) {
		return fmt.Errorf("device address %q is not an IP address or DNS name", d.Address)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device port %d out of range 1..65535", d.Port)
	}
	if d.Family == "" {
		return fmt.Errorf("device family cannot be empty")
	}
	return nil
}

// Tag is a labeled grouping applied to devices and credentials.
type Tag struct {
	ID        string
	Name      string // unique
	Type      string
	CreatedAt time.Time
}

// Credential holds an encrypted username/secret pair with matching tags.
// The secret is stored encrypted with AES-256-GCM; plaintext exists only
// inside an open device session and must never be logged.
type Credential struct {
	ID           string
	Username     string
	Secret       []byte // encrypted
	Priority     int    // lower = tried first
	TagIDs       []string
	SuccessCount int
	FailureCount int
	LastUsedAt   time.Time
	CreatedAt    time.Time
}

// CredentialTagStats tracks per-(credential, tag) outcome counters used by
// the resolver's ordering.
type CredentialTagStats struct {
	CredentialID string
	TagID        string
	SuccessCount int
	FailureCount int
}

// ScheduleKind selects the schedule descriptor variant.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleOneTime  ScheduleKind = "onetime"
)

// Schedule describes when a job definition fires. Exactly one descriptor
// field is meaningful depending on Kind.
type Schedule struct {
	Kind            ScheduleKind
	IntervalSeconds int       // Kind == interval, must be >= 60
	CronExpr        string    // Kind == cron, 5-field UTC
	RunAt           time.Time // Kind == onetime
}

// MinIntervalSeconds is the smallest accepted interval period.
const MinIntervalSeconds = 60

// Validate checks the schedule descriptor. Cron expressions are validated
// separately by the scheduler package (strict 5-field, no shortcuts).
func (s *Schedule) Validate() error {
	switch s.Kind {
	case ScheduleInterval:
		if s.IntervalSeconds < MinIntervalSeconds {
			return fmt.Errorf("interval must be at least %d seconds, got %d", MinIntervalSeconds, s.IntervalSeconds)
		}
	case ScheduleCron:
		if strings.TrimSpace(s.CronExpr) == "" {
			return fmt.Errorf("cron expression cannot be empty")
		}
	case ScheduleOneTime:
		if s.RunAt.IsZero() {
			return fmt.Errorf("onetime schedule requires a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// JobTarget selects the devices a job runs against: either a single device
// or the set of devices whose tags intersect TagIDs. Exactly one is set.
type JobTarget struct {
	DeviceID string
	TagIDs   []string
}

// Validate enforces the exactly-one-of invariant.
func (t *JobTarget) Validate() error {
	hasDevice := t.DeviceID != ""
	hasTags := len(t.TagIDs) > 0
	if hasDevice == hasTags {
		return fmt.Errorf("target must set exactly one of device or tags")
	}
	return nil
}

// JobDefinition is the persistent blueprint a scheduler fires from.
type JobDefinition struct {
	ID          string
	Name        string
	Type        string // registry key, e.g. "backup", "reachability"
	Target      JobTarget
	Schedule    Schedule
	Enabled     bool
	Parameters  map[string]string
	LastFiredAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks definition invariants. Handler registration is checked
// by the caller against the job-type registry.
func (j *JobDefinition) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if j.Type == "" {
		return fmt.Errorf("job type cannot be empty")
	}
	if err := j.Target.Validate(); err != nil {
		return err
	}
	return j.Schedule.Validate()
}

// JobRunStatus represents the lifecycle state of a job run.
type JobRunStatus string

const (
	JobRunPending                 JobRunStatus = "pending"
	JobRunRunning                 JobRunStatus = "running"
	JobRunCompletedSuccess        JobRunStatus = "completed_success"
	JobRunCompletedPartialFailure JobRunStatus = "completed_partial_failure"
	JobRunCompletedFailure        JobRunStatus = "completed_failure"
	JobRunCompletedNoDevices      JobRunStatus = "completed_no_devices"
	JobRunCompletedNoCredentials  JobRunStatus = "completed_no_credentials"
	JobRunFailedDispatcherError   JobRunStatus = "failed_dispatcher_error"
	JobRunFailedUnexpected        JobRunStatus = "failed_unexpected"
)

// Terminal reports whether the status is final. Terminal rows are immutable.
func (s JobRunStatus) Terminal() bool {
	switch s {
	case JobRunPending, JobRunRunning:
		return false
	}
	return true
}

// JobRun is one execution instance of a job definition.
type JobRun struct {
	ID               string
	JobDefinitionID  string
	Status           JobRunStatus
	StartedAt        time.Time
	CompletedAt      time.Time
	TotalDevices     int
	SucceededDevices int
	FailedDevices    int
	Error            string
	// DeviceFilter restricts the run to these device ids. Used by
	// retry-failed runs; empty means the definition's full target.
	DeviceFilter []string
	// RetryOf references the terminal run this run retries, if any.
	RetryOf   string
	CreatedAt time.Time
}

// DeviceResultStatus represents the per-device outcome state.
type DeviceResultStatus string

const (
	DeviceResultPending   DeviceResultStatus = "pending"
	DeviceResultRunning   DeviceResultStatus = "running"
	DeviceResultCompleted DeviceResultStatus = "completed"
	DeviceResultFailed    DeviceResultStatus = "failed"
)

// Terminal reports whether the per-device status is final.
func (s DeviceResultStatus) Terminal() bool {
	return s == DeviceResultCompleted || s == DeviceResultFailed
}

// Well-known per-device failure reasons recorded in DeviceResult.Error.
const (
	FailUnknownJobType = "unknown_job_type"
	FailNoCredentials  = "no_credentials"
	FailUnreachable    = "unreachable"
	FailAuthExhausted  = "auth_exhausted"
	FailCancelled      = "cancelled"
	FailInterrupted    = "interrupted"
)

// DeviceResult is the outcome of a job run for a single device.
type DeviceResult struct {
	JobRunID     string
	DeviceID     string
	Status       DeviceResultStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	Payload      map[string]any // handler-specific, opaque
	Error        string
	CredentialID string // credential used on success, empty otherwise
}

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogDebug    LogLevel = "debug"
	LogInfo     LogLevel = "info"
	LogWarning  LogLevel = "warning"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
)

// LogCategory groups job log entries by the emitting layer.
type LogCategory string

const (
	CategoryJob        LogCategory = "job"
	CategoryConnection LogCategory = "connection"
	CategoryHandler    LogCategory = "handler"
	CategoryDispatcher LogCategory = "dispatcher"
)

// JobLogEntry is a structured, durable audit line. Message and Context are
// stored after redaction; plaintext credentials never reach this struct.
type JobLogEntry struct {
	ID        string
	JobRunID  string
	DeviceID  string // empty for run-level entries
	Seq       uint64 // monotonically increasing per (run, device)
	Timestamp time.Time
	Level     LogLevel
	Category  LogCategory
	Message   string
	Context   map[string]string
}

// ArtifactRef ties a content-addressed blob to the device and run that
// produced it. The blob itself lives in the artifact store keyed by Hash.
type ArtifactRef struct {
	Hash        string // hex sha256 of the normalized content
	DeviceID    string
	JobRunID    string
	SizeBytes   int64
	RetrievedAt time.Time
}
