// Copyright 2025 James Ross

// Package pluginmanager is the Application Manager (spec.md §4.1): the
// single component that owns every plugin's lifecycle, fans the shared
// uibridge event stream out per plugin, and is the entry point for every
// user-facing action (running a command, opening a view, editing a
// preference) and every periodic housekeeping sweep.
package pluginmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gauntlet-run/plugin-core/internal/breaker"
	"github.com/gauntlet-run/plugin-core/internal/commandbus"
	"github.com/gauntlet-run/plugin-core/internal/obs"
	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
	"github.com/gauntlet-run/plugin-core/internal/repository"
	"github.com/gauntlet-run/plugin-core/internal/runstatus"
	"github.com/gauntlet-run/plugin-core/internal/scripthost"
	"github.com/gauntlet-run/plugin-core/internal/searchindex"
	"github.com/gauntlet-run/plugin-core/internal/uibridge"
	"github.com/gauntlet-run/plugin-core/internal/webhooks"
)

// pluginState is the 3-state lifecycle of spec.md §4.1: a plugin is
// disabled, enabled-but-idle (no entrypoint currently running a view), or
// enabled-and-running (a scripthost.Host is live for it).
type pluginState int

const (
	stateDisabled pluginState = iota
	stateIdle
	stateRunning
)

type runningPlugin struct {
	host   *scripthost.Host
	cancel context.CancelFunc
	guard  *runstatus.Guard
	events chan pluginmodel.UiEvent
	sub    commandbus.Subscription
	done   chan struct{}
}

// Manager coordinates plugin persistence, the command bus, the UI bridge,
// the search index, and every live scripthost.Host.
type Manager struct {
	store   *repository.Store
	bus     commandbus.Bus
	index   *searchindex.Index
	ui      scripthost.UIDispatcher
	events  <-chan uibridge.PluginEvent
	running *runstatus.Holder
	logger  *zap.Logger
	hooks   *webhooks.Manager

	mu       sync.Mutex
	plugins  map[pluginmodel.PluginID]*pluginmodel.PluginRecord
	states   map[pluginmodel.PluginID]pluginState
	live     map[pluginmodel.PluginID]*runningPlugin
	breakers map[pluginmodel.PluginID]*breaker.CircuitBreaker

	sweep     *cron.Cron
	isRunning bool
}

// New constructs a Manager. events is the shared uibridge stream; the
// Manager fans it out to each running plugin by matching PluginEvent.Plugin.
// hooks may be nil, in which case lifecycle events are not published to any
// webhook subscriber.
func New(store *repository.Store, bus commandbus.Bus, index *searchindex.Index, ui scripthost.UIDispatcher, events <-chan uibridge.PluginEvent, hooks *webhooks.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		bus:      bus,
		index:    index,
		ui:       ui,
		events:   events,
		running:  runstatus.New(),
		logger:   logger,
		hooks:    hooks,
		plugins:  make(map[pluginmodel.PluginID]*pluginmodel.PluginRecord),
		states:   make(map[pluginmodel.PluginID]pluginState),
		live:     make(map[pluginmodel.PluginID]*runningPlugin),
		breakers: make(map[pluginmodel.PluginID]*breaker.CircuitBreaker),
		sweep:    cron.New(),
	}
}

// emit publishes a plugin lifecycle event to the webhook manager, if one is
// configured. Delivery happens asynchronously inside the event bus, so this
// never blocks the caller on a subscriber's HTTP round trip.
func (m *Manager) emit(event webhooks.EventType, plugin pluginmodel.PluginID, fields ...func(*webhooks.LifecycleEvent)) {
	if m.hooks == nil {
		return
	}
	ev := webhooks.LifecycleEvent{Event: event, Plugin: string(plugin), Timestamp: time.Now()}
	for _, f := range fields {
		f(&ev)
	}
	if err := m.hooks.Emit(ev); err != nil {
		m.logger.Warn("pluginmanager: emit lifecycle event", zap.String("plugin", string(plugin)), zap.String("event", string(event)), zap.Error(err))
	}
}

// Start begins fanning out UI events and schedules the periodic liveness
// sweep (every minute, reconciling stored plugin state against live hosts).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("pluginmanager: already running")
	}
	m.isRunning = true
	m.mu.Unlock()

	go m.fanoutEvents(ctx)

	if _, err := m.sweep.AddFunc("@every 1m", func() { m.sweepLiveness(ctx) }); err != nil {
		return fmt.Errorf("pluginmanager: schedule liveness sweep: %w", err)
	}
	m.sweep.Start()

	return m.ReloadAllPlugins(ctx)
}

// Stop tears down every running plugin host and the periodic sweep.
func (m *Manager) Stop() {
	m.sweep.Stop()

	m.mu.Lock()
	ids := make([]pluginmodel.PluginID, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stopPlugin(id)
	}
}

// RunningCount returns the number of plugin runtimes currently live. It is
// intended for a periodic gauge sampler (obs.StartRunningPluginsUpdater).
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// ReloadAllPlugins loads every persisted plugin, records each newly seen
// one as idle or disabled according to its enabled flag, broadcasts
// ReloadSearchIndex and re-indexes the enabled entrypoints of enabled
// plugins. It starts no runtime; a runtime starts on HandleRenderView,
// HandleInlineView or HandleRunCommand. It is safe to call again later
// (e.g. from a UI-triggered "reload all" command): already-running plugins
// are left untouched.
func (m *Manager) ReloadAllPlugins(ctx context.Context) error {
	records, err := m.store.LoadAllPlugins(ctx)
	if err != nil {
		return fmt.Errorf("pluginmanager: reload all plugins: %w", err)
	}

	m.mu.Lock()
	for i := range records {
		rec := records[i]
		m.plugins[rec.ID] = &rec
		if _, ok := m.states[rec.ID]; !ok {
			if rec.Enabled {
				m.states[rec.ID] = stateIdle
			} else {
				m.states[rec.ID] = stateDisabled
			}
		}
	}
	m.mu.Unlock()

	if err := m.bus.Publish(ctx, pluginmodel.AllCommand(pluginmodel.CommandData{Kind: pluginmodel.CmdReloadSearchIndex})); err != nil {
		m.logger.Warn("pluginmanager: publish reload_search_index", zap.Error(err))
	}

	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		if err := m.reindexEntrypoints(ctx, rec); err != nil {
			m.logger.Warn("pluginmanager: reindex plugin", zap.String("plugin", string(rec.ID)), zap.Error(err))
		}
	}
	return nil
}

// SetPluginState persists and applies a plugin's enabled flag. Disabling
// stops its runtime, if live, and removes its search entries; enabling
// marks it idle and re-indexes its entrypoints but does not start a
// runtime.
func (m *Manager) SetPluginState(ctx context.Context, id pluginmodel.PluginID, enabled bool) error {
	if err := m.store.SetPluginEnabled(ctx, id, enabled); err != nil {
		return err
	}

	m.mu.Lock()
	rec, ok := m.plugins[id]
	if ok {
		rec.Enabled = enabled
	}
	if enabled {
		if m.states[id] == stateDisabled {
			m.states[id] = stateIdle
		}
	} else {
		m.states[id] = stateDisabled
	}
	m.mu.Unlock()

	if !enabled {
		m.stopPlugin(id)
		if err := m.index.RemoveForPlugin(ctx, id); err != nil {
			m.logger.Warn("pluginmanager: remove search entries", zap.String("plugin", string(id)), zap.Error(err))
		}
		m.emit(webhooks.EventPluginDisabled, id)
		return nil
	}
	m.emit(webhooks.EventPluginReenabled, id)

	if ok {
		return m.reindexEntrypoints(ctx, *rec)
	}
	return nil
}

// SetEntrypointState persists one entrypoint's enabled flag.
func (m *Manager) SetEntrypointState(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, enabled bool) error {
	return m.store.SetEntrypointEnabled(ctx, plugin, entrypoint, enabled)
}

// SetPreferenceValue persists a plugin- or entrypoint-scoped preference
// override and updates the Manager's in-memory copy of the record. A
// running plugin is not notified of the change.
func (m *Manager) SetPreferenceValue(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, name string, value pluginmodel.PreferenceValue) error {
	if err := m.store.SetPreferenceValue(ctx, plugin, entrypoint, name, value); err != nil {
		return err
	}
	m.mu.Lock()
	if rec, ok := m.plugins[plugin]; ok {
		if entrypoint == "" {
			if rec.PreferenceValues == nil {
				rec.PreferenceValues = make(map[string]pluginmodel.PreferenceValue)
			}
			rec.PreferenceValues[name] = value
		} else {
			for i := range rec.Entrypoints {
				if rec.Entrypoints[i].ID == entrypoint {
					if rec.Entrypoints[i].PreferenceValues == nil {
						rec.Entrypoints[i].PreferenceValues = make(map[string]pluginmodel.PreferenceValue)
					}
					rec.Entrypoints[i].PreferenceValues[name] = value
				}
			}
		}
	}
	m.mu.Unlock()
	return nil
}

// RemovePlugin stops the plugin's runtime (if live), deletes its persisted
// state, and removes its entries from the search index.
func (m *Manager) RemovePlugin(ctx context.Context, id pluginmodel.PluginID) error {
	m.stopPlugin(id)
	m.mu.Lock()
	delete(m.plugins, id)
	delete(m.states, id)
	delete(m.breakers, id)
	m.mu.Unlock()

	if err := m.index.RemoveForPlugin(ctx, id); err != nil {
		m.logger.Warn("pluginmanager: remove search entries", zap.String("plugin", string(id)), zap.Error(err))
	}
	return m.store.RemovePlugin(ctx, id)
}

// ActionShortcuts returns the shortcuts declared on one entrypoint. User
// overrides are not merged in.
func (m *Manager) ActionShortcuts(plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID) []pluginmodel.ActionShortcut {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[plugin]
	if !ok {
		return nil
	}
	for _, ep := range rec.Entrypoints {
		if ep.ID == entrypoint {
			return ep.ActionShortcuts
		}
	}
	return nil
}

// HandleRunCommand runs a command entrypoint: boots a runtime for it if
// one is not already live, records a frecency hit and invokes its export.
// The runtime stays live after the invocation returns, until it is
// stopped (CmdStop/CmdCloseView) or the plugin is disabled/removed.
func (m *Manager) HandleRunCommand(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, args []pluginmodel.PropertyValue) (json.RawMessage, error) {
	return m.invokeEntrypoint(ctx, plugin, entrypoint, args)
}

// HandleRunGeneratedCommand is identical to HandleRunCommand except the
// entrypoint is a command-generator's dynamically produced command; the
// distinction matters to the caller's UI, not to how the Manager runs it.
func (m *Manager) HandleRunGeneratedCommand(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, args []pluginmodel.PropertyValue) (json.RawMessage, error) {
	return m.invokeEntrypoint(ctx, plugin, entrypoint, args)
}

// HandleRenderView boots (or reuses) a runtime for a view entrypoint and
// leaves it running so its reconciler keeps receiving UI events; the
// runtime only stops when the view is closed (CmdCloseView) or the plugin
// is disabled/removed.
func (m *Manager) HandleRenderView(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID) error {
	m.mu.Lock()
	_, live := m.live[plugin]
	m.mu.Unlock()
	if live {
		return nil
	}
	return m.startPlugin(ctx, plugin, entrypoint)
}

// HandleInlineView starts an inline-view entrypoint with the user's typed
// text available to it, for plugins that render results as the user types
// (spec.md's inline-view entrypoint kind).
func (m *Manager) HandleInlineView(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, text string) error {
	if err := m.HandleRenderView(ctx, plugin, entrypoint); err != nil {
		return err
	}
	return m.bus.Publish(ctx, pluginmodel.OneCommand(plugin, pluginmodel.CommandData{
		Kind: pluginmodel.CmdOpenInlineView,
		Text: text,
	}))
}

func (m *Manager) invokeEntrypoint(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, args []pluginmodel.PropertyValue) (json.RawMessage, error) {
	ctx, span := obs.StartInvokeSpan(ctx, string(plugin), string(entrypoint), string(m.entrypointKind(plugin, entrypoint)))
	defer span.End()
	start := time.Now()
	defer func() {
		obs.EntrypointDuration.Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	rp, live := m.live[plugin]
	m.mu.Unlock()

	if !live {
		if err := m.startPlugin(ctx, plugin, entrypoint); err != nil {
			obs.RecordError(ctx, err)
			return nil, err
		}
		m.mu.Lock()
		rp = m.live[plugin]
		m.mu.Unlock()
	}

	if err := m.index.RecordUse(ctx, searchindex.Entry{Plugin: plugin, Entrypoint: entrypoint}); err != nil {
		m.logger.Warn("pluginmanager: record search use", zap.String("plugin", string(plugin)), zap.Error(err))
	}

	obs.EntrypointInvocations.WithLabelValues(string(m.entrypointKind(plugin, entrypoint))).Inc()
	result, err := rp.host.InvokeExport(entrypoint, args)
	if err != nil {
		obs.RecordError(ctx, err)
	} else {
		obs.SetSpanSuccess(ctx)
	}
	return result, err
}

func (m *Manager) entrypointKind(plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID) pluginmodel.EntrypointKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[plugin]
	if !ok {
		return ""
	}
	for _, ep := range rec.Entrypoints {
		if ep.ID == entrypoint {
			return ep.Kind
		}
	}
	return ""
}

func (m *Manager) reindexEntrypoints(ctx context.Context, rec pluginmodel.PluginRecord) error {
	for _, ep := range rec.Entrypoints {
		if !ep.Enabled {
			continue
		}
		entry := searchindex.Entry{Plugin: rec.ID, Entrypoint: ep.ID, Label: rec.Name + ": " + ep.Name}
		if err := m.index.IndexEntrypoint(ctx, entry); err != nil {
			return fmt.Errorf("pluginmanager: index %s/%s: %w", rec.ID, ep.ID, err)
		}
	}
	return nil
}

func (m *Manager) fanoutEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pe, ok := <-m.events:
			if !ok {
				return
			}
			m.mu.Lock()
			rp, live := m.live[pe.Plugin]
			m.mu.Unlock()
			if !live {
				continue
			}
			select {
			case rp.events <- pe.Event:
			default:
				m.logger.Warn("pluginmanager: per-plugin event queue full, dropping", zap.String("plugin", string(pe.Plugin)))
			}
		}
	}
}

// startPlugin boots a scripthost.Host for entrypoint and tracks it until it
// exits. Returns an error if the plugin is already running (runstatus's
// at-most-one-runtime invariant) or disabled.
func (m *Manager) startPlugin(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID) error {
	m.mu.Lock()
	rec, ok := m.plugins[plugin]
	if !ok || !rec.Enabled {
		m.mu.Unlock()
		return fmt.Errorf("pluginmanager: plugin %s not available", plugin)
	}
	cb, ok := m.breakers[plugin]
	if !ok {
		cb = breaker.New(5*time.Minute, 30*time.Second, 0.5, 3)
		m.breakers[plugin] = cb
	}
	m.mu.Unlock()

	if !cb.Allow() {
		return fmt.Errorf("pluginmanager: plugin %s is crash-looping, restart suppressed", plugin)
	}

	guard, started := m.running.StartBlock(plugin)
	if !started {
		return fmt.Errorf("pluginmanager: plugin %s is already running", plugin)
	}

	sub, err := m.bus.Subscribe(plugin)
	if err != nil {
		guard.Close()
		return fmt.Errorf("pluginmanager: subscribe plugin %s to command bus: %w", plugin, err)
	}

	events := make(chan pluginmodel.UiEvent, 64)
	host := scripthost.New(plugin, rec.Permissions, rec.Code, m.ui, events, sub.Commands(), m.logger)
	runCtx, cancel := context.WithCancel(ctx)
	rp := &runningPlugin{host: host, cancel: cancel, guard: guard, events: events, sub: sub, done: make(chan struct{})}

	m.mu.Lock()
	m.live[plugin] = rp
	m.states[plugin] = stateRunning
	m.mu.Unlock()
	obs.PluginStarts.Inc()
	breakerGauge(cb, plugin)
	m.emit(webhooks.EventPluginStarted, plugin, func(ev *webhooks.LifecycleEvent) { ev.Entrypoint = string(entrypoint) })

	go func() {
		defer close(rp.done)
		defer sub.Unsubscribe()
		runStart := time.Now()
		exit := host.Run(runCtx, entrypoint)
		exitClass := asExit(exit)
		wasOpen := cb.State() == breaker.Open
		cb.Record(!exitClass.Restartable())
		obs.PluginExits.WithLabelValues(string(exitClass.Class)).Inc()
		if exitClass.Class == pluginmodel.ExitScriptError {
			obs.ScriptErrors.Inc()
		}
		breakerGauge(cb, plugin)
		if !wasOpen && cb.State() == breaker.Open {
			m.emit(webhooks.EventBreakerOpened, plugin)
		}

		m.mu.Lock()
		delete(m.live, plugin)
		if m.states[plugin] == stateRunning {
			m.states[plugin] = stateIdle
		}
		m.mu.Unlock()
		guard.Close()

		duration := time.Since(runStart)
		switch exitClass.Class {
		case pluginmodel.ExitScriptError:
			m.emit(webhooks.EventScriptError, plugin, func(ev *webhooks.LifecycleEvent) {
				ev.Entrypoint = string(entrypoint)
				ev.Duration = &duration
				if exit != nil {
					ev.Error = exit.Error()
				}
			})
		case pluginmodel.ExitStopped:
			m.emit(webhooks.EventPluginStopped, plugin, func(ev *webhooks.LifecycleEvent) {
				ev.Entrypoint = string(entrypoint)
				ev.Duration = &duration
			})
		default:
			m.emit(webhooks.EventPluginCrashed, plugin, func(ev *webhooks.LifecycleEvent) {
				ev.Entrypoint = string(entrypoint)
				ev.ExitClass = string(exitClass.Class)
				ev.Duration = &duration
				if exit != nil {
					ev.Error = exit.Error()
				}
			})
		}

		if exit != nil {
			m.logger.Warn("pluginmanager: plugin runtime exited", zap.String("plugin", string(plugin)), zap.Error(exit))
		}
	}()

	return nil
}

// breakerGauge publishes a circuit breaker's current state to the
// plugin_breaker_state gauge and bumps the trip counter on a fresh Open.
func breakerGauge(cb *breaker.CircuitBreaker, plugin pluginmodel.PluginID) {
	state := cb.State()
	obs.BreakerState.WithLabelValues(string(plugin)).Set(float64(state))
	if state == breaker.Open {
		obs.BreakerTrips.Inc()
	}
}

func asExit(err error) *pluginmodel.RuntimeExit {
	exit, ok := err.(*pluginmodel.RuntimeExit)
	if !ok {
		return &pluginmodel.RuntimeExit{Class: pluginmodel.ExitStopped}
	}
	return exit
}

func (m *Manager) stopPlugin(id pluginmodel.PluginID) {
	m.mu.Lock()
	rp, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	rp.host.Stop()
	rp.cancel()
	<-rp.done
}

// sweepLiveness reconciles in-memory running state against persisted
// enabled flags: a plugin disabled out from under a live runtime (e.g. via
// a concurrent repository write) gets stopped on the next tick.
func (m *Manager) sweepLiveness(ctx context.Context) {
	m.mu.Lock()
	var toStop []pluginmodel.PluginID
	for id, rec := range m.plugins {
		if !rec.Enabled {
			if _, live := m.live[id]; live {
				toStop = append(toStop, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range toStop {
		m.stopPlugin(id)
	}
}
