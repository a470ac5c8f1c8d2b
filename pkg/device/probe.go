package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/netraven/netraven/pkg/types"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ProbeResult captures the three reachability checks run before any
// authentication attempt: ICMP echo, TCP to the driver's control port,
// TCP to the management port.
type ProbeResult struct {
	ICMP       bool
	TCPControl bool
	TCPMgmt    bool
	LatencyMS  int64
	Errors     []string
}

// Reachable reports whether at least one probe succeeded.
func (r *ProbeResult) Reachable() bool {
	return r.ICMP || r.TCPControl || r.TCPMgmt
}

// Status maps the probe outcome onto the device reachability enum.
func (r *ProbeResult) Status() types.ReachabilityStatus {
	if r.Reachable() {
		return types.ReachabilityReachable
	}
	return types.ReachabilityUnreachable
}

// ManagementPort is the TCP port probed alongside the control port.
const ManagementPort = 443

// Prober runs a reachability probe against one device.
type Prober interface {
	Probe(ctx context.Context, device *types.Device, controlPort int) *ProbeResult
}

// NetProber probes over the real network.
type NetProber struct {
	// ICMPTimeout bounds the echo round trip (default 1s)
	ICMPTimeout time.Duration
	// TCPTimeout bounds each TCP connect (default 5s)
	TCPTimeout time.Duration
}

// NewNetProber creates a prober with the given ICMP timeout.
func NewNetProber(icmpTimeout time.Duration) *NetProber {
	if icmpTimeout <= 0 {
		icmpTimeout = time.Second
	}
	return &NetProber{
		ICMPTimeout: icmpTimeout,
		TCPTimeout:  5 * time.Second,
	}
}

// Probe runs all three checks. Latency is taken from the first check that
// succeeds, preferring ICMP.
func (p *NetProber) Probe(ctx context.Context, device *types.Device, controlPort int) *ProbeResult {
	result := &ProbeResult{}

	start := time.Now()
	if err := p.ping(ctx, device.Address); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("icmp: %v", err))
	} else {
		result.ICMP = true
		result.LatencyMS = time.Since(start).Milliseconds()
	}

	if latency, err := p.tcpConnect(ctx, device.Address, controlPort); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tcp %d: %v", controlPort, err))
	} else {
		result.TCPControl = true
		if !result.ICMP {
			result.LatencyMS = latency.Milliseconds()
		}
	}

	if latency, err := p.tcpConnect(ctx, device.Address, ManagementPort); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tcp %d: %v", ManagementPort, err))
	} else {
		result.TCPMgmt = true
		if !result.ICMP && !result.TCPControl {
			result.LatencyMS = latency.Milliseconds()
		}
	}

	return result
}

// tcpConnect attempts a TCP connect and returns the dial latency.
func (p *NetProber) tcpConnect(ctx context.Context, address string, port int) (time.Duration, error) {
	dialer := &net.Dialer{
		Timeout: p.TCPTimeout,
	}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, fmt.Sprintf("%d", port)))
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return time.Since(start), nil
}

// ping sends one ICMP echo using an unprivileged datagram socket, which
// works without CAP_NET_RAW on Linux when ping_group_range allows it.
func (p *NetProber) ping(ctx context.Context, address string) error {
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", address)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("resolve failed: %v", err)
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("icmp socket: %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("netraven-probe"),
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: addrs[0]}); err != nil {
		return err
	}

	deadline := time.Now().Add(p.ICMPTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	reply := make([]byte, 1500)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		return fmt.Errorf("no echo reply: %w", err)
	}

	parsed, err := icmp.ParseMessage(1, reply[:n])
	if err != nil {
		return err
	}
	if parsed.Type != ipv4.ICMPTypeEchoReply {
		return fmt.Errorf("unexpected ICMP response type %v", parsed.Type)
	}
	return nil
}
