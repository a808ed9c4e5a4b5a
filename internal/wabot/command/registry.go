// Package command is the plugin surface for inbound chat commands. The
// registry is populated once at startup and dispatched against by the
// session orchestrator; Reload swaps the whole set atomically for
// hot-reload without touching the connect path.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Event is the inbound message view handed to handlers. Reply sends a text
// response into the originating chat.
type Event struct {
	PhoneNumber string
	Chat        string
	Sender      string
	PushName    string
	Text        string
	Command     string
	Args        []string
	IsGroup     bool
	IsOwner     bool
	Reply       func(text string) error
}

// HandlerFunc executes one command.
type HandlerFunc func(ctx context.Context, ev *Event) error

// Spec describes a registered command.
type Spec struct {
	Name      string
	Aliases   []string
	Category  string
	Desc      string
	OwnerOnly bool
	Handler   HandlerFunc
}

// Registry maps command names and aliases to handlers.
type Registry struct {
	mu       sync.RWMutex
	specs    []*Spec
	byName   map[string]*Spec
	builders []func(*Registry)
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Spec)}
}

// Register adds a command. Later registrations win on name collision, which
// lets deployments override builtins.
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := spec
	r.specs = append(r.specs, &s)
	r.byName[strings.ToLower(s.Name)] = &s
	for _, alias := range s.Aliases {
		r.byName[strings.ToLower(alias)] = &s
	}
}

// OnReload records a builder re-run by Reload. Builders register the
// command set; Register calls made outside a builder do not survive Reload.
func (r *Registry) OnReload(build func(*Registry)) {
	r.mu.Lock()
	r.builders = append(r.builders, build)
	r.mu.Unlock()
	build(r)
}

// Reload rebuilds the command set from the recorded builders.
func (r *Registry) Reload() {
	r.mu.Lock()
	builders := r.builders
	r.specs = nil
	r.byName = make(map[string]*Spec)
	r.mu.Unlock()
	for _, build := range builders {
		build(r)
	}
	zap.L().Debug("command registry reloaded", zap.Int("commands", r.Len()))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// List returns the specs sorted by name for menu rendering.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch resolves ev.Command and runs its handler. Returns false when the
// command is unknown. Handler panics and errors are contained here so one
// bad command cannot take down the message loop; failures are reported back
// into the chat on a best-effort basis.
func (r *Registry) Dispatch(ctx context.Context, ev *Event) (handled bool) {
	r.mu.RLock()
	spec, ok := r.byName[strings.ToLower(ev.Command)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if spec.OwnerOnly && !ev.IsOwner {
		return false
	}
	handled = true

	defer func() {
		if rc := recover(); rc != nil {
			zap.L().Error("command handler panic",
				zap.String("command", spec.Name), zap.String("phone_number", ev.PhoneNumber), zap.Any("panic", rc))
			if ev.Reply != nil {
				_ = ev.Reply(fmt.Sprintf("command %s failed", spec.Name))
			}
		}
	}()

	if err := spec.Handler(ctx, ev); err != nil {
		zap.L().Warn("command handler failed",
			zap.String("command", spec.Name), zap.String("phone_number", ev.PhoneNumber), zap.Error(err))
		if ev.Reply != nil {
			_ = ev.Reply(fmt.Sprintf("command %s failed: %v", spec.Name, err))
		}
	}
	return handled
}
