package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/netraven/netraven/pkg/artifacts"
	"github.com/netraven/netraven/pkg/device"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	output []byte
	err    error
}

func (s *stubSession) Run(ctx context.Context, command string) ([]byte, error) {
	return s.output, s.err
}

func (s *stubSession) Close() error { return nil }

type stubDriver struct{}

func (d *stubDriver) Family() string             { return "cisco_ios" }
func (d *stubDriver) ControlPort() int           { return 22 }
func (d *stubDriver) ShowRunningCommand() string { return "show running-config" }
func (d *stubDriver) Dial(ctx context.Context, dev *types.Device, username string, secret []byte) (device.Session, error) {
	return nil, errors.New("not dialed in tests")
}

type stubProber struct {
	result *device.ProbeResult
}

func (p *stubProber) Probe(ctx context.Context, dev *types.Device, controlPort int) *device.ProbeResult {
	return p.result
}

func newTestStores(t *testing.T) (storage.Store, artifacts.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := artifacts.NewFSStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	return store, blobs
}

func seedDevice(t *testing.T, store storage.Store) *types.Device {
	t.Helper()
	dev := &types.Device{
		ID:       "d1",
		Hostname: "sw1",
		Address:  "192.0.2.10",
		Family:   "cisco_ios",
		Port:     22,
	}
	require.NoError(t, store.CreateDevice(dev))
	return dev
}

func TestRegistryRegisterAndGet(t *testing.T) {
	store, blobs := newTestStores(t)
	registry := NewRegistry()
	registry.Register(NewBackupHandler(store, blobs))
	registry.Register(NewReachabilityHandler(store, &stubProber{}))

	backup, ok := registry.Get("backup")
	require.True(t, ok)
	assert.True(t, backup.RequiresSession())

	reach, ok := registry.Get("reachability")
	require.True(t, ok)
	assert.False(t, reach.RequiresSession())

	_, ok = registry.Get("firmware_upgrade")
	assert.False(t, ok)

	assert.Equal(t, []string{"backup", "reachability"}, registry.Types())
	assert.Equal(t, BuiltinTypes(), registry.Types())
}

func TestRegistryDuplicatePanics(t *testing.T) {
	store, blobs := newTestStores(t)
	registry := NewRegistry()
	registry.Register(NewBackupHandler(store, blobs))
	assert.Panics(t, func() {
		registry.Register(NewBackupHandler(store, blobs))
	})
}

func TestBackupStoresArtifact(t *testing.T) {
	store, blobs := newTestStores(t)
	dev := seedDevice(t, store)
	handler := NewBackupHandler(store, blobs)

	rc := &RunContext{
		JobRunID: "run-1",
		Device:   dev,
		Driver:   &stubDriver{},
		Session:  &stubSession{output: []byte("hostname sw1\r\ninterface Gi0/1\r\n")},
	}

	payload, err := handler.Execute(context.Background(), rc)
	require.NoError(t, err)

	hash, ok := payload["artifact_hash"].(string)
	require.True(t, ok)
	assert.Equal(t, false, payload["deduplicated"])
	assert.Equal(t, int64(len("hostname sw1\ninterface Gi0/1\n")), payload["bytes"])

	// Stored content must be normalized to LF.
	content, err := blobs.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, "hostname sw1\ninterface Gi0/1\n", string(content))

	refs, err := store.ListArtifactRefsForDevice(dev.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, hash, refs[0].Hash)
	assert.Equal(t, "run-1", refs[0].JobRunID)
}

func TestBackupDeduplicatesUnchangedConfig(t *testing.T) {
	store, blobs := newTestStores(t)
	dev := seedDevice(t, store)
	handler := NewBackupHandler(store, blobs)

	run := func(runID string) map[string]any {
		payload, err := handler.Execute(context.Background(), &RunContext{
			JobRunID: runID,
			Device:   dev,
			Driver:   &stubDriver{},
			Session:  &stubSession{output: []byte("hostname sw1\n")},
		})
		require.NoError(t, err)
		return payload
	}

	first := run("run-1")
	second := run("run-2")

	assert.Equal(t, false, first["deduplicated"])
	assert.Equal(t, true, second["deduplicated"])
	assert.Equal(t, first["artifact_hash"], second["artifact_hash"])

	// Both runs still get their own reference rows.
	refs, err := store.ListArtifactRefsForDevice(dev.ID)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestBackupNormalizationUnifiesLineEndings(t *testing.T) {
	store, blobs := newTestStores(t)
	dev := seedDevice(t, store)
	handler := NewBackupHandler(store, blobs)

	variants := [][]byte{
		[]byte("line1\nline2\n"),
		[]byte("line1\r\nline2\r\n"),
		[]byte("line1\rline2\r"),
	}

	var hashes []string
	for i, raw := range variants {
		payload, err := handler.Execute(context.Background(), &RunContext{
			JobRunID: "run-1",
			Device:   dev,
			Driver:   &stubDriver{},
			Session:  &stubSession{output: raw},
		})
		require.NoError(t, err, "variant %d", i)
		hashes = append(hashes, payload["artifact_hash"].(string))
	}

	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], hashes[2])
}

func TestBackupCommandOverride(t *testing.T) {
	store, blobs := newTestStores(t)
	dev := seedDevice(t, store)
	handler := NewBackupHandler(store, blobs)

	session := &commandRecorder{output: []byte("config\n")}
	_, err := handler.Execute(context.Background(), &RunContext{
		JobRunID: "run-1",
		Device:   dev,
		Driver:   &stubDriver{},
		Session:  session,
		Params:   map[string]string{"command": "show startup-config"},
	})
	require.NoError(t, err)
	assert.Equal(t, "show startup-config", session.command)
}

type commandRecorder struct {
	output  []byte
	command string
}

func (s *commandRecorder) Run(ctx context.Context, command string) ([]byte, error) {
	s.command = command
	return s.output, nil
}

func (s *commandRecorder) Close() error { return nil }

func TestBackupEmptyOutputFails(t *testing.T) {
	store, blobs := newTestStores(t)
	dev := seedDevice(t, store)
	handler := NewBackupHandler(store, blobs)

	_, err := handler.Execute(context.Background(), &RunContext{
		JobRunID: "run-1",
		Device:   dev,
		Driver:   &stubDriver{},
		Session:  &stubSession{output: nil},
	})
	assert.Error(t, err)
}

func TestBackupSessionErrorPropagates(t *testing.T) {
	store, blobs := newTestStores(t)
	dev := seedDevice(t, store)
	handler := NewBackupHandler(store, blobs)

	_, err := handler.Execute(context.Background(), &RunContext{
		JobRunID: "run-1",
		Device:   dev,
		Driver:   &stubDriver{},
		Session:  &stubSession{err: errors.New("channel closed")},
	})
	assert.ErrorContains(t, err, "failed to retrieve configuration")
}

func TestReachabilityRecordsStatus(t *testing.T) {
	store, _ := newTestStores(t)
	dev := seedDevice(t, store)

	handler := NewReachabilityHandler(store, &stubProber{
		result: &device.ProbeResult{ICMP: true, TCPControl: true, LatencyMS: 4},
	})

	payload, err := handler.Execute(context.Background(), &RunContext{
		JobRunID: "run-1",
		Device:   dev,
		Driver:   &stubDriver{},
	})
	require.NoError(t, err)
	assert.Equal(t, true, payload["icmp"])
	assert.Equal(t, true, payload["tcp_22"])
	assert.Equal(t, false, payload["tcp_443"])
	assert.Equal(t, int64(4), payload["latency_ms"])

	got, err := store.GetDevice(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReachabilityReachable, got.LastReachability)
}

func TestReachabilityUnreachableStillCompletes(t *testing.T) {
	store, _ := newTestStores(t)
	dev := seedDevice(t, store)

	handler := NewReachabilityHandler(store, &stubProber{
		result: &device.ProbeResult{Errors: []string{"icmp: timeout"}},
	})

	payload, err := handler.Execute(context.Background(), &RunContext{
		JobRunID: "run-1",
		Device:   dev,
		Driver:   &stubDriver{},
	})
	require.NoError(t, err, "an unreachable device is a completed measurement")
	assert.Equal(t, false, payload["icmp"])

	got, err := store.GetDevice(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReachabilityUnreachable, got.LastReachability)
}

func TestNormalizeLineEndingsIdempotent(t *testing.T) {
	in := []byte("a\r\nb\rc\n")
	once := normalizeLineEndings(in)
	twice := normalizeLineEndings(once)
	assert.Equal(t, []byte("a\nb\nc\n"), once)
	assert.Equal(t, once, twice)
}
