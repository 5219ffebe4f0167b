// Copyright 2025 James Ross

// Package runstatus tracks which plugin runtimes are currently executing,
// per spec.md §4.8. The Application Manager consults it to decide whether
// a run_command/render_view request should start a fresh runtime or attach
// to one already in flight.
package runstatus

import (
	"sync"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

// Holder is a thread-safe set of running plugin ids.
type Holder struct {
	mu      sync.Mutex
	running map[pluginmodel.PluginID]struct{}
}

// New returns an empty Holder.
func New() *Holder {
	return &Holder{running: make(map[pluginmodel.PluginID]struct{})}
}

// Guard releases its plugin's running mark exactly once, on Close. Callers
// should defer guard.Close() immediately after StartBlock succeeds.
type Guard struct {
	holder *Holder
	id     pluginmodel.PluginID
	once   sync.Once
}

// Close removes the guard's plugin id from the running set. Safe to call
// more than once.
func (g *Guard) Close() {
	g.once.Do(func() {
		g.holder.mu.Lock()
		delete(g.holder.running, g.id)
		g.holder.mu.Unlock()
	})
}

// StartBlock marks id as running and returns a Guard that un-marks it when
// closed. Returns false if id is already running — the caller must not
// start a second concurrent runtime for the same plugin (spec.md §4.8
// invariant: at most one running runtime per plugin id).
func (h *Holder) StartBlock(id pluginmodel.PluginID) (*Guard, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.running[id]; ok {
		return nil, false
	}
	h.running[id] = struct{}{}
	return &Guard{holder: h, id: id}, true
}

// IsRunning reports whether id currently has an active runtime.
func (h *Holder) IsRunning(id pluginmodel.PluginID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.running[id]
	return ok
}

// RunningIDs returns a snapshot of every currently running plugin id.
func (h *Holder) RunningIDs() []pluginmodel.PluginID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]pluginmodel.PluginID, 0, len(h.running))
	for id := range h.running {
		ids = append(ids, id)
	}
	return ids
}
