package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/netraven/netraven/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	result *ProbeResult
	calls  int
	port   int
}

func (p *fakeProber) Probe(ctx context.Context, device *types.Device, controlPort int) *ProbeResult {
	p.calls++
	p.port = controlPort
	return p.result
}

type fakeSession struct {
	output []byte
	closed bool
}

func (s *fakeSession) Run(ctx context.Context, command string) ([]byte, error) {
	return s.output, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDriver struct {
	family    string
	dialErrs  []error
	dialCalls int
	session   *fakeSession
}

func (d *fakeDriver) Family() string             { return d.family }
func (d *fakeDriver) ControlPort() int           { return 22 }
func (d *fakeDriver) ShowRunningCommand() string { return "show running-config" }

func (d *fakeDriver) Dial(ctx context.Context, device *types.Device, username string, secret []byte) (Session, error) {
	call := d.dialCalls
	d.dialCalls++
	if call < len(d.dialErrs) && d.dialErrs[call] != nil {
		return nil, d.dialErrs[call]
	}
	if d.session == nil {
		d.session = &fakeSession{output: []byte("hostname sw1\n")}
	}
	return d.session, nil
}

func testDevice() *types.Device {
	return &types.Device{
		ID:      "d1",
		Address: "192.0.2.10",
		Family:  "cisco_ios",
	}
}

func newOpener(driver Driver, probe *ProbeResult) (*Opener, *fakeProber) {
	registry := NewRegistry()
	registry.Register(driver)
	prober := &fakeProber{result: probe}
	return &Opener{
		Drivers:        registry,
		Prober:         prober,
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
		RetryInterval:  time.Millisecond,
	}, prober
}

func reachableProbe() *ProbeResult {
	return &ProbeResult{ICMP: true, LatencyMS: 3}
}

func TestOpenUnknownFamily(t *testing.T) {
	opener, _ := newOpener(&fakeDriver{family: "cisco_ios"}, reachableProbe())
	dev := testDevice()
	dev.Family = "mystery_os"

	_, err := opener.Open(context.Background(), dev, "admin", []byte("pw"))
	assert.Error(t, err)
}

func TestOpenUnreachableSkipsDial(t *testing.T) {
	driver := &fakeDriver{family: "cisco_ios"}
	opener, prober := newOpener(driver, &ProbeResult{Errors: []string{"icmp: timeout"}})

	_, err := opener.Open(context.Background(), testDevice(), "admin", []byte("pw"))
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 1, prober.calls)
	assert.Equal(t, 0, driver.dialCalls, "unreachable devices must not consume a credential")
}

func TestOpenAuthFailureNotRetried(t *testing.T) {
	driver := &fakeDriver{
		family:   "cisco_ios",
		dialErrs: []error{ErrAuthFailed, nil},
	}
	opener, _ := newOpener(driver, reachableProbe())

	_, err := opener.Open(context.Background(), testDevice(), "admin", []byte("bad"))
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 1, driver.dialCalls, "auth failures must not be retried with the same credential")
}

func TestOpenTransientFailureRetriedOnce(t *testing.T) {
	driver := &fakeDriver{
		family:   "cisco_ios",
		dialErrs: []error{errors.New("connection reset by peer"), nil},
	}
	opener, _ := newOpener(driver, reachableProbe())

	result, err := opener.Open(context.Background(), testDevice(), "admin", []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, 2, driver.dialCalls)
	assert.NotNil(t, result.Session)
	assert.True(t, result.Probe.ICMP)
}

func TestOpenTransientFailureGivesUpAfterRetry(t *testing.T) {
	driver := &fakeDriver{
		family:   "cisco_ios",
		dialErrs: []error{errors.New("i/o timeout"), errors.New("i/o timeout"), nil},
	}
	opener, _ := newOpener(driver, reachableProbe())

	_, err := opener.Open(context.Background(), testDevice(), "admin", []byte("pw"))
	require.Error(t, err)
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "d1", devErr.DeviceID)
	assert.Equal(t, 2, driver.dialCalls)
}

func TestOpenHonorsDevicePortOverride(t *testing.T) {
	driver := &fakeDriver{family: "cisco_ios"}
	opener, prober := newOpener(driver, reachableProbe())

	dev := testDevice()
	dev.Port = 2222
	_, err := opener.Open(context.Background(), dev, "admin", []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, 2222, prober.port)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeDriver{family: "cisco_ios"})
	assert.Panics(t, func() {
		registry.Register(&fakeDriver{family: "cisco_ios"})
	})
}

func TestProbeResultStatus(t *testing.T) {
	tests := []struct {
		name   string
		result ProbeResult
		want   types.ReachabilityStatus
	}{
		{"icmp only", ProbeResult{ICMP: true}, types.ReachabilityReachable},
		{"tcp control only", ProbeResult{TCPControl: true}, types.ReachabilityReachable},
		{"tcp mgmt only", ProbeResult{TCPMgmt: true}, types.ReachabilityReachable},
		{"all failed", ProbeResult{}, types.ReachabilityUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Status())
		})
	}
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, isAuthError(errors.New("ssh: unable to authenticate, attempted methods [none password]")))
	assert.True(t, isAuthError(errors.New("ssh: handshake failed: permission denied")))
	assert.False(t, isAuthError(errors.New("dial tcp: i/o timeout")))
}
