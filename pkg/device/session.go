package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/types"
)

// ErrAuthFailed marks a credential rejection. Authentication failures are
// never retried with the same credential; the caller moves to the next
// candidate instead.
var ErrAuthFailed = errors.New("authentication failed")

// ErrUnreachable marks a device that answered none of the reachability
// probes. Nothing was attempted against it, so no credential is consumed.
var ErrUnreachable = errors.New("device unreachable")

// DeviceError wraps a transient session failure (dial timeout, reset
// connection, command error) with the device it occurred on.
type DeviceError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Session is an open, authenticated channel to a device.
type Session interface {
	// Run executes one command and returns its raw output.
	Run(ctx context.Context, command string) ([]byte, error)
	Close() error
}

// Driver knows how to talk to one device family.
type Driver interface {
	// Family is the device family this driver serves, e.g. "cisco_ios".
	Family() string
	// ControlPort is the TCP port probed and dialed, e.g. 22 for SSH.
	ControlPort() int
	// ShowRunningCommand is the family's command for dumping the live
	// configuration.
	ShowRunningCommand() string
	// Dial opens an authenticated session. It returns ErrAuthFailed when
	// the device rejects the credential and a transient error otherwise.
	Dial(ctx context.Context, device *types.Device, username string, secret []byte) (Session, error)
}

// Registry maps device families to their drivers.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Registering a family twice panics; drivers are
// wired once at startup.
func (r *Registry) Register(d Driver) {
	if _, exists := r.drivers[d.Family()]; exists {
		panic(fmt.Sprintf("driver already registered for family %s", d.Family()))
	}
	r.drivers[d.Family()] = d
}

// Get returns the driver for a family.
func (r *Registry) Get(family string) (Driver, error) {
	d, ok := r.drivers[family]
	if !ok {
		return nil, fmt.Errorf("no driver registered for device family %s", family)
	}
	return d, nil
}

// Families lists the registered families.
func (r *Registry) Families() []string {
	out := make([]string, 0, len(r.drivers))
	for f := range r.drivers {
		out = append(out, f)
	}
	return out
}

// DefaultRetryInterval is how long Open waits before its single retry of
// a transient connect failure.
const DefaultRetryInterval = 2 * time.Second

// Opener establishes device sessions: probe first, then dial with retry.
type Opener struct {
	Drivers        *Registry
	Prober         Prober
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// RetryInterval overrides DefaultRetryInterval when positive.
	RetryInterval time.Duration
}

// OpenResult carries the session together with the probe that preceded it.
type OpenResult struct {
	Session Session
	Probe   *ProbeResult
}

// Open probes the device and, if anything answered, dials it with the
// given credential. The control port honors the device override when set.
//
// Failure contract:
//   - all probes fail: ErrUnreachable, credential untouched
//   - device rejects the credential: ErrAuthFailed, no retry
//   - transient dial failure: one retry after a fixed interval, then a
//     DeviceError
func (o *Opener) Open(ctx context.Context, device *types.Device, username string, secret []byte) (*OpenResult, error) {
	driver, err := o.Drivers.Get(device.Family)
	if err != nil {
		return nil, err
	}

	port := driver.ControlPort()
	if device.Port != 0 {
		port = device.Port
	}

	probe := o.Prober.Probe(ctx, device, port)
	if !probe.Reachable() {
		log.WithDeviceID(device.ID).Warn().
			Strs("probe_errors", probe.Errors).
			Msg("device failed all reachability probes")
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, device.Address)
	}

	var session Session
	dial := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
		defer cancel()

		s, err := driver.Dial(dialCtx, device, username, secret)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				// Credential rejections are final for this candidate.
				return backoff.Permanent(err)
			}
			log.WithDeviceID(device.ID).Debug().
				Err(err).
				Msg("transient connect failure, will retry")
			return err
		}
		session = s
		return nil
	}

	interval := o.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	// One retry at a fixed interval. Auth failures short-circuit through
	// backoff.Permanent above.
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), 1),
		ctx,
	)
	if err := backoff.Retry(dial, policy); err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		return nil, &DeviceError{DeviceID: device.ID, Op: "connect", Err: err}
	}

	return &OpenResult{Session: session, Probe: probe}, nil
}
