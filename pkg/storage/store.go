package storage

import (
	"errors"
	"time"

	"github.com/netraven/netraven/pkg/types"
)

var (
	// ErrNotFound is wrapped by lookups for missing rows.
	ErrNotFound = errors.New("not found")

	// ErrOverlap is returned by CreateJobRun when the definition already
	// has a pending or running job run.
	ErrOverlap = errors.New("job definition already has an active run")

	// ErrTerminal is returned when a write targets an immutable terminal row.
	ErrTerminal = errors.New("job run is already terminal")
)

// Store defines the interface for NetRaven's durable state.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error
	DeleteDevice(id string) error
	// SetDeviceReachability records the last probe outcome for a device.
	SetDeviceReachability(id string, status types.ReachabilityStatus) error
	// ResolveDevicesForTarget expands a job target into its device set:
	// the single device, or every device whose tags intersect the target
	// tags. The result is deduplicated.
	ResolveDevicesForTarget(target types.JobTarget) ([]*types.Device, error)

	// Tags
	CreateTag(tag *types.Tag) error
	GetTag(id string) (*types.Tag, error)
	GetTagByName(name string) (*types.Tag, error)
	ListTags() ([]*types.Tag, error)
	DeleteTag(id string) error

	// Credentials. Secrets stay encrypted at this layer.
	CreateCredential(cred *types.Credential) error
	GetCredential(id string) (*types.Credential, error)
	ListCredentials() ([]*types.Credential, error)
	DeleteCredential(id string) error
	// ListCredentialsForDevice returns credentials whose tag set intersects
	// the device's tag set, in storage order (the resolver sorts them).
	ListCredentialsForDevice(device *types.Device) ([]*types.Credential, error)
	// RecordCredentialOutcome advances the credential's global counters and
	// the per-(credential, tag) counters for each given tag, atomically.
	RecordCredentialOutcome(credentialID string, tagIDs []string, success bool) error
	GetCredentialTagStats(credentialID, tagID string) (*types.CredentialTagStats, error)

	// Job definitions
	CreateJobDefinition(def *types.JobDefinition) error
	GetJobDefinition(id string) (*types.JobDefinition, error)
	ListJobDefinitions() ([]*types.JobDefinition, error)
	// ListActiveJobDefinitions returns only enabled definitions.
	ListActiveJobDefinitions() ([]*types.JobDefinition, error)
	UpdateJobDefinition(def *types.JobDefinition) error
	DeleteJobDefinition(id string) error

	// Job runs. CreateJobRun performs the overlap-guard check in the same
	// transaction that inserts the new PENDING row.
	CreateJobRun(run *types.JobRun) error
	GetJobRun(id string) (*types.JobRun, error)
	ListJobRuns() ([]*types.JobRun, error)
	UpdateJobRun(run *types.JobRun) error
	// SetJobRunStatus transitions a run. Writes to terminal rows fail with
	// ErrTerminal.
	SetJobRunStatus(id string, status types.JobRunStatus, completedAt time.Time) error
	ListPendingOrRunningJobRunsFor(defID string) ([]*types.JobRun, error)
	// ListUnfinishedJobRuns returns every pending or running run, used by
	// crash recovery at startup.
	ListUnfinishedJobRuns() ([]*types.JobRun, error)

	// Device results
	UpsertDeviceResult(res *types.DeviceResult) error
	GetDeviceResult(runID, deviceID string) (*types.DeviceResult, error)
	ListDeviceResults(runID string) ([]*types.DeviceResult, error)

	// Job logs
	AppendJobLog(entry *types.JobLogEntry) error
	ListJobLogs(runID string) ([]*types.JobLogEntry, error)

	// Artifact references
	CreateArtifactRef(ref *types.ArtifactRef) error
	ListArtifactRefsForDevice(deviceID string) ([]*types.ArtifactRef, error)

	// Utility
	Close() error
}

// TagsIntersect reports whether two tag id sets share at least one element.
func TagsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// SharedTags returns the intersection of two tag id sets, preserving the
// order of the first argument.
func SharedTags(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	var shared []string
	for _, id := range a {
		if _, ok := set[id]; ok {
			shared = append(shared, id)
		}
	}
	return shared
}
