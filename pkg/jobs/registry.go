package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/netraven/netraven/pkg/device"
	"github.com/netraven/netraven/pkg/types"
)

// Job type names compiled into the binary.
const (
	TypeBackup       = "backup"
	TypeReachability = "reachability"
)

// BuiltinTypes lists the job types compiled into the binary. Callers that
// validate user input without wiring the full handler set use this instead
// of a populated Registry.
func BuiltinTypes() []string {
	return []string{TypeBackup, TypeReachability}
}

// RunContext carries everything a handler may need for one device. Session
// is nil for handlers that declared RequiresSession() == false.
type RunContext struct {
	JobRunID string
	Device   *types.Device
	Driver   device.Driver
	Session  device.Session
	Params   map[string]string
}

// Meta describes a registered job type.
type Meta struct {
	Name        string
	Description string
	// HasParams tells clients whether the type accepts a parameter bag.
	HasParams bool
}

// Handler executes one job type against one device. Execute returns a
// handler-specific payload that is persisted verbatim on the device result.
type Handler interface {
	Meta() Meta
	// RequiresSession tells the dispatcher whether to resolve credentials
	// and open a device session before calling Execute.
	RequiresSession() bool
	Execute(ctx context.Context, rc *RunContext) (map[string]any, error)
}

// Registry maps job type names to handlers. Registration happens once at
// startup; lookups are read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty job type registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its meta name. Duplicate names panic.
func (r *Registry) Register(h Handler) {
	name := h.Meta().Name
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("job type %s already registered", name))
	}
	r.handlers[name] = h
}

// Get returns the handler for a job type, or false when unknown.
func (r *Registry) Get(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists registered job type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
