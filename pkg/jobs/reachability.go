package jobs

import (
	"context"
	"fmt"

	"github.com/netraven/netraven/pkg/device"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/storage"
)

// ReachabilityHandler probes a device without authenticating and records
// the outcome on the device row. The probe result itself is the payload,
// so an unreachable device is still a completed measurement, not a
// failed one.
type ReachabilityHandler struct {
	store  storage.Store
	prober device.Prober
}

// NewReachabilityHandler wires the reachability job type.
func NewReachabilityHandler(store storage.Store, prober device.Prober) *ReachabilityHandler {
	return &ReachabilityHandler{store: store, prober: prober}
}

func (h *ReachabilityHandler) Meta() Meta {
	return Meta{
		Name:        TypeReachability,
		Description: "probe device reachability over ICMP and TCP",
	}
}

func (h *ReachabilityHandler) RequiresSession() bool { return false }

// Execute probes the device's control and management ports plus ICMP and
// updates the device's last known reachability.
func (h *ReachabilityHandler) Execute(ctx context.Context, rc *RunContext) (map[string]any, error) {
	port := rc.Driver.ControlPort()
	if rc.Device.Port != 0 {
		port = rc.Device.Port
	}

	probe := h.prober.Probe(ctx, rc.Device, port)

	if err := h.store.SetDeviceReachability(rc.Device.ID, probe.Status()); err != nil {
		return nil, fmt.Errorf("failed to record reachability: %w", err)
	}

	log.WithJobRunID(rc.JobRunID).Debug().
		Str("device_id", rc.Device.ID).
		Bool("reachable", probe.Reachable()).
		Msg("reachability probe finished")

	return map[string]any{
		"icmp":       probe.ICMP,
		"tcp_22":     probe.TCPControl,
		"tcp_443":    probe.TCPMgmt,
		"latency_ms": probe.LatencyMS,
		"errors":     probe.Errors,
	}, nil
}
