package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/netraven/netraven/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDevices        = []byte("devices")
	bucketTags           = []byte("tags")
	bucketCredentials    = []byte("credentials")
	bucketCredTagStats   = []byte("credential_tag_stats")
	bucketJobDefinitions = []byte("job_definitions")
	bucketJobRuns        = []byte("job_runs")
	bucketDeviceResults  = []byte("device_results")
	bucketJobLogs        = []byte("job_logs")
	bucketArtifactRefs   = []byte("artifact_refs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "netraven.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDevices,
			bucketTags,
			bucketCredentials,
			bucketCredTagStats,
			bucketJobDefinitions,
			bucketJobRuns,
			bucketDeviceResults,
			bucketJobLogs,
			bucketArtifactRefs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Device operations

func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(device *types.Device) error {
	device.UpdatedAt = time.Now()
	return s.CreateDevice(device) // Same as create (upsert)
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) SetDeviceReachability(id string, status types.ReachabilityStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		var device types.Device
		if err := json.Unmarshal(data, &device); err != nil {
			return err
		}
		device.LastReachability = status
		device.UpdatedAt = time.Now()
		updated, err := json.Marshal(&device)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) ResolveDevicesForTarget(target types.JobTarget) ([]*types.Device, error) {
	if target.DeviceID != "" {
		device, err := s.GetDevice(target.DeviceID)
		if err != nil {
			return nil, err
		}
		return []*types.Device{device}, nil
	}

	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var matched []*types.Device
	for _, device := range devices {
		if _, dup := seen[device.ID]; dup {
			continue
		}
		if TagsIntersect(device.TagIDs, target.TagIDs) {
			seen[device.ID] = struct{}{}
			matched = append(matched, device)
		}
	}
	return matched, nil
}

// Tag operations

func (s *BoltStore) CreateTag(tag *types.Tag) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		// Tag names are unique.
		var clash bool
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Tag
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == tag.Name && existing.ID != tag.ID {
				clash = true
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan tags: %w", err)
		}
		if clash {
			return fmt.Errorf("tag name already exists: %s", tag.Name)
		}
		data, err := json.Marshal(tag)
		if err != nil {
			return err
		}
		return b.Put([]byte(tag.ID), data)
	})
}

func (s *BoltStore) GetTag(id string) (*types.Tag, error) {
	var tag types.Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("tag %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tag)
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

func (s *BoltStore) GetTagByName(name string) (*types.Tag, error) {
	var found *types.Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		return b.ForEach(func(k, v []byte) error {
			var tag types.Tag
			if err := json.Unmarshal(v, &tag); err != nil {
				return err
			}
			if tag.Name == name {
				found = &tag
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("tag %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListTags() ([]*types.Tag, error) {
	var tags []*types.Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		return b.ForEach(func(k, v []byte) error {
			var tag types.Tag
			if err := json.Unmarshal(v, &tag); err != nil {
				return err
			}
			tags = append(tags, &tag)
			return nil
		})
	})
	return tags, err
}

func (s *BoltStore) DeleteTag(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		return b.Delete([]byte(id))
	})
}

// Credential operations

func (s *BoltStore) CreateCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return b.Put([]byte(cred.ID), data)
	})
}

func (s *BoltStore) GetCredential(id string) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("credential %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}

func (s *BoltStore) DeleteCredential(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListCredentialsForDevice(device *types.Device) ([]*types.Credential, error) {
	creds, err := s.ListCredentials()
	if err != nil {
		return nil, err
	}

	var matched []*types.Credential
	for _, cred := range creds {
		if TagsIntersect(cred.TagIDs, device.TagIDs) {
			matched = append(matched, cred)
		}
	}
	return matched, nil
}

func credTagKey(credentialID, tagID string) []byte {
	return []byte(credentialID + "/" + tagID)
}

// RecordCredentialOutcome runs in a single update transaction; BoltDB's
// single-writer model serializes concurrent outcome writes so counter
// increments are never lost.
func (s *BoltStore) RecordCredentialOutcome(credentialID string, tagIDs []string, success bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data := b.Get([]byte(credentialID))
		if data == nil {
			return fmt.Errorf("credential %s: %w", credentialID, ErrNotFound)
		}
		var cred types.Credential
		if err := json.Unmarshal(data, &cred); err != nil {
			return err
		}
		if success {
			cred.SuccessCount++
		} else {
			cred.FailureCount++
		}
		cred.LastUsedAt = time.Now()
		updated, err := json.Marshal(&cred)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(credentialID), updated); err != nil {
			return err
		}

		stats := tx.Bucket(bucketCredTagStats)
		for _, tagID := range tagIDs {
			key := credTagKey(credentialID, tagID)
			entry := types.CredentialTagStats{CredentialID: credentialID, TagID: tagID}
			if raw := stats.Get(key); raw != nil {
				if err := json.Unmarshal(raw, &entry); err != nil {
					return err
				}
			}
			if success {
				entry.SuccessCount++
			} else {
				entry.FailureCount++
			}
			raw, err := json.Marshal(&entry)
			if err != nil {
				return err
			}
			if err := stats.Put(key, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetCredentialTagStats(credentialID, tagID string) (*types.CredentialTagStats, error) {
	var stats *types.CredentialTagStats
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredTagStats)
		data := b.Get(credTagKey(credentialID, tagID))
		if data == nil {
			return nil
		}
		stats = &types.CredentialTagStats{}
		return json.Unmarshal(data, stats)
	})
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("credential tag stats %s/%s: %w", credentialID, tagID, ErrNotFound)
	}
	return stats, nil
}

// Job definition operations

func (s *BoltStore) CreateJobDefinition(def *types.JobDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobDefinitions)
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return b.Put([]byte(def.ID), data)
	})
}

func (s *BoltStore) GetJobDefinition(id string) (*types.JobDefinition, error) {
	var def types.JobDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobDefinitions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job definition %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) ListJobDefinitions() ([]*types.JobDefinition, error) {
	var defs []*types.JobDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobDefinitions)
		return b.ForEach(func(k, v []byte) error {
			var def types.JobDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

func (s *BoltStore) ListActiveJobDefinitions() ([]*types.JobDefinition, error) {
	defs, err := s.ListJobDefinitions()
	if err != nil {
		return nil, err
	}
	var active []*types.JobDefinition
	for _, def := range defs {
		if def.Enabled {
			active = append(active, def)
		}
	}
	return active, nil
}

func (s *BoltStore) UpdateJobDefinition(def *types.JobDefinition) error {
	def.UpdatedAt = time.Now()
	return s.CreateJobDefinition(def)
}

func (s *BoltStore) DeleteJobDefinition(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobDefinitions)
		return b.Delete([]byte(id))
	})
}

// Job run operations

// CreateJobRun inserts the new PENDING row and performs the overlap-guard
// read inside the same update transaction, so two concurrent fires of the
// same definition cannot both proceed.
func (s *BoltStore) CreateJobRun(run *types.JobRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobRuns)

		var overlap bool
		err := b.ForEach(func(k, v []byte) error {
			var existing types.JobRun
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.JobDefinitionID == run.JobDefinitionID && !existing.Status.Terminal() {
				overlap = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("definition %s: %w", run.JobDefinitionID, ErrOverlap)
		}

		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetJobRun(id string) (*types.JobRun, error) {
	var run types.JobRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListJobRuns() ([]*types.JobRun, error) {
	var runs []*types.JobRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.JobRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) UpdateJobRun(run *types.JobRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobRuns)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) SetJobRunStatus(id string, status types.JobRunStatus, completedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job run %s: %w", id, ErrNotFound)
		}
		var run types.JobRun
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		if run.Status.Terminal() {
			return fmt.Errorf("job run %s: %w", id, ErrTerminal)
		}
		run.Status = status
		if status == types.JobRunRunning && run.StartedAt.IsZero() {
			run.StartedAt = time.Now()
		}
		if !completedAt.IsZero() {
			run.CompletedAt = completedAt
		}
		updated, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) ListPendingOrRunningJobRunsFor(defID string) ([]*types.JobRun, error) {
	runs, err := s.ListJobRuns()
	if err != nil {
		return nil, err
	}
	var active []*types.JobRun
	for _, run := range runs {
		if run.JobDefinitionID == defID && !run.Status.Terminal() {
			active = append(active, run)
		}
	}
	return active, nil
}

func (s *BoltStore) ListUnfinishedJobRuns() ([]*types.JobRun, error) {
	runs, err := s.ListJobRuns()
	if err != nil {
		return nil, err
	}
	var unfinished []*types.JobRun
	for _, run := range runs {
		if !run.Status.Terminal() {
			unfinished = append(unfinished, run)
		}
	}
	return unfinished, nil
}

// Device result operations

func deviceResultKey(runID, deviceID string) []byte {
	return []byte(runID + "/" + deviceID)
}

func (s *BoltStore) UpsertDeviceResult(res *types.DeviceResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceResults)
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return b.Put(deviceResultKey(res.JobRunID, res.DeviceID), data)
	})
}

func (s *BoltStore) GetDeviceResult(runID, deviceID string) (*types.DeviceResult, error) {
	var res types.DeviceResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceResults)
		data := b.Get(deviceResultKey(runID, deviceID))
		if data == nil {
			return fmt.Errorf("device result %s/%s: %w", runID, deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) ListDeviceResults(runID string) ([]*types.DeviceResult, error) {
	var results []*types.DeviceResult
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeviceResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var res types.DeviceResult
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			results = append(results, &res)
		}
		return nil
	})
	return results, err
}

// Job log operations

func jobLogKey(entry *types.JobLogEntry) []byte {
	deviceID := entry.DeviceID
	if deviceID == "" {
		deviceID = "-"
	}
	// Zero-padded sequence keeps bucket order equal to emission order per
	// (run, device).
	return []byte(fmt.Sprintf("%s/%s/%012d", entry.JobRunID, deviceID, entry.Seq))
}

func (s *BoltStore) AppendJobLog(entry *types.JobLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobLogs)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(jobLogKey(entry), data)
	})
}

func (s *BoltStore) ListJobLogs(runID string) ([]*types.JobLogEntry, error) {
	var entries []*types.JobLogEntry
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobLogs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry types.JobLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// Artifact reference operations

func (s *BoltStore) CreateArtifactRef(ref *types.ArtifactRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifactRefs)
		key := []byte(ref.DeviceID + "/" + ref.JobRunID + "/" + ref.Hash)
		data, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListArtifactRefsForDevice(deviceID string) ([]*types.ArtifactRef, error) {
	var refs []*types.ArtifactRef
	prefix := []byte(deviceID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketArtifactRefs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ref types.ArtifactRef
			if err := json.Unmarshal(v, &ref); err != nil {
				return err
			}
			refs = append(refs, &ref)
		}
		return nil
	})
	return refs, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
