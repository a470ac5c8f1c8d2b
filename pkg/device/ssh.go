package device

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/netraven/netraven/pkg/types"
	"golang.org/x/crypto/ssh"
)

// SSHDriver talks to devices whose management plane is an SSH CLI. One
// instance is registered per device family since the show command and
// port can differ between families.
type SSHDriver struct {
	family      string
	port        int
	showCommand string
	timeout     time.Duration

	// HostKeyCallback defaults to accepting any host key. Network gear
	// rotates keys on RMA and reimage, so strict checking is opt-in.
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHDriver creates a driver for one device family.
func NewSSHDriver(family string, port int, showCommand string, commandTimeout time.Duration) *SSHDriver {
	return &SSHDriver{
		family:          family,
		port:            port,
		showCommand:     showCommand,
		timeout:         commandTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

func (d *SSHDriver) Family() string             { return d.family }
func (d *SSHDriver) ControlPort() int           { return d.port }
func (d *SSHDriver) ShowRunningCommand() string { return d.showCommand }

// Dial opens an SSH connection and authenticates with the password
// credential. Rejections by the server map to ErrAuthFailed; everything
// else is transient.
func (d *SSHDriver) Dial(ctx context.Context, device *types.Device, username string, secret []byte) (Session, error) {
	port := d.port
	if device.Port != 0 {
		port = device.Port
	}
	addr := net.JoinHostPort(device.Address, fmt.Sprintf("%d", port))

	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(string(secret)),
			ssh.KeyboardInteractive(passwordInteractive(string(secret))),
		},
		HostKeyCallback: d.HostKeyCallback,
	}
	if deadline, ok := ctx.Deadline(); ok {
		config.Timeout = time.Until(deadline)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, err
	}

	return &sshSession{
		client:  ssh.NewClient(sshConn, chans, reqs),
		timeout: d.timeout,
	}, nil
}

// passwordInteractive answers keyboard-interactive prompts with the
// password. Some network operating systems only offer this method.
func passwordInteractive(password string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}

// isAuthError reports whether an SSH handshake error is a credential
// rejection rather than a transport problem.
func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

type sshSession struct {
	client  *ssh.Client
	timeout time.Duration
}

// Run executes one command in a fresh SSH session channel. Each command
// gets its own channel; network CLIs often close the channel after exec.
func (s *sshSession) Run(ctx context.Context, command string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session channel: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("command %q failed: %w", command, r.err)
		}
		return r.out, nil
	case <-timer.C:
		sess.Close()
		return nil, fmt.Errorf("command %q timed out after %s", command, s.timeout)
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// DefaultDrivers returns the built-in driver set.
func DefaultDrivers(commandTimeout time.Duration) *Registry {
	registry := NewRegistry()
	registry.Register(NewSSHDriver("cisco_ios", 22, "show running-config", commandTimeout))
	registry.Register(NewSSHDriver("cisco_nxos", 22, "show running-config", commandTimeout))
	registry.Register(NewSSHDriver("arista_eos", 22, "show running-config", commandTimeout))
	registry.Register(NewSSHDriver("juniper_junos", 22, "show configuration | display set", commandTimeout))
	registry.Register(NewSSHDriver("linux", 22, "cat /etc/network/interfaces", commandTimeout))
	return registry
}
