// Copyright 2025 James Ross
package scripthost

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"modernc.org/quickjs"

	"github.com/gauntlet-run/plugin-core/internal/handlertable"
	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

// UIDispatcher is the subset of uibridge.Bridge a Host needs: posting a
// UiRequest for this host's plugin and awaiting its UiResponse. Declaring
// it here (rather than importing uibridge) keeps scripthost usable in
// tests with a fake, and avoids a dependency cycle since uibridge never
// needs to know about scripthost.
type UIDispatcher interface {
	Dispatch(ctx context.Context, plugin pluginmodel.PluginID, req pluginmodel.UiRequest) (pluginmodel.UiResponse, error)
}

// Host runs one plugin's code in its own quickjs VM, pinned to its own OS
// thread for the VM's entire lifetime (spec.md §5: one VM per plugin
// runtime, never shared across goroutines).
type Host struct {
	plugin pluginmodel.PluginID
	perms  pluginmodel.Permissions
	code   pluginmodel.PluginCode

	ui       UIDispatcher
	events   <-chan pluginmodel.UiEvent
	commands <-chan pluginmodel.Command
	handlers *handlertable.Table
	logger   *zap.Logger

	vm       *quickjs.VM
	shutdown chan struct{}
	once     sync.Once
}

// New constructs a Host for one plugin runtime. events should already be
// filtered to this plugin (the caller — ordinarily pluginmanager — fans
// the shared uibridge event stream out per plugin). commands is the
// Command Bus subscription's delivery channel (already filtered to this
// plugin by Addressing/AppliesTo on the bus side); it may be nil, in which
// case the host simply never observes bus commands.
func New(plugin pluginmodel.PluginID, perms pluginmodel.Permissions, code pluginmodel.PluginCode, ui UIDispatcher, events <-chan pluginmodel.UiEvent, commands <-chan pluginmodel.Command, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		plugin:   plugin,
		perms:    perms,
		code:     code,
		ui:       ui,
		events:   events,
		commands: commands,
		handlers: handlertable.New(),
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Stop signals the event pump to return, letting Run's caller observe a
// clean ExitStopped RuntimeExit instead of a transport/script error.
func (h *Host) Stop() {
	h.once.Do(func() { close(h.shutdown) })
}

// Run boots the VM, evaluates the fixed modules and the given entrypoint's
// own module, then blocks pumping UI events until Stop is called or the
// script itself throws. It must be called from a goroutine the caller is
// willing to dedicate for the plugin's whole lifetime: LockOSThread is
// never released until Run returns.
func (h *Host) Run(ctx context.Context, entrypoint pluginmodel.EntrypointID) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	vm, err := quickjs.NewVM()
	if err != nil {
		return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitTransportFailure, Err: err}
	}
	h.vm = vm
	defer func() {
		if cerr := vm.Close(); cerr != nil {
			h.logger.Warn("scripthost: vm close failed", zap.Error(cerr))
		}
	}()

	if err := h.registerHostOps(); err != nil {
		return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitScriptError, Err: err}
	}

	for _, specifier := range []string{"plugin:core", "plugin:renderer", "react", "react/jsx-runtime"} {
		src, rerr := ResolveModule(specifier, nil)
		if rerr != nil {
			return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitScriptError, Err: rerr}
		}
		if _, eerr := vm.Eval(src, quickjs.EvalGlobal); eerr != nil {
			return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitScriptError, Err: fmt.Errorf("%s: %w", specifier, eerr)}
		}
	}

	entrySpecifier := "plugin:view?" + string(entrypoint)
	entrySrc, err := ResolveModule(entrySpecifier, h.code)
	if err != nil {
		return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitScriptError, Err: err}
	}
	if _, err := vm.Eval(wrapModule(entrySpecifier, entrySrc), quickjs.EvalGlobal); err != nil {
		return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitScriptError, Err: fmt.Errorf("entrypoint %s: %w", entrypoint, err)}
	}

	// watchCtx only ever touches h.shutdown, never the VM itself, so it
	// cannot race with the event loop below running on this goroutine's
	// locked OS thread.
	watchDone := make(chan struct{})
	go h.watchCtx(ctx, watchDone)
	defer close(watchDone)

	if _, err := vm.Call("__run_event_loop"); err != nil {
		return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitScriptError, Err: err}
	}
	if ctx.Err() != nil {
		return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitStopped, Err: ctx.Err()}
	}
	return &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitStopped}
}

// watchCtx calls Stop once ctx is done, unblocking opGetNextPendingUIEvent's
// select so the event loop (and Run) can return. It exits on watchDone so
// it does not leak past Run's lifetime when the plugin stops on its own.
func (h *Host) watchCtx(ctx context.Context, watchDone <-chan struct{}) {
	select {
	case <-ctx.Done():
		h.Stop()
	case <-watchDone:
	}
}

// InvokeExport calls the given entrypoint module's default (or "run")
// export with args, used for run_command/run_generated_command dispatch
// once the module has already been evaluated by Run. Returns the raw JSON
// value the export produced.
func (h *Host) InvokeExport(entrypoint pluginmodel.EntrypointID, args []pluginmodel.PropertyValue) (json.RawMessage, error) {
	if h.vm == nil {
		return nil, fmt.Errorf("scripthost: vm not running for plugin %s", h.plugin)
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("scripthost: marshal args: %w", err)
	}
	specifier := "plugin:view?" + string(entrypoint)
	expr := fmt.Sprintf(`(function(){
  var mod = (globalThis.__moduleExports || {})[%[1]q];
  if (!mod) { return JSON.stringify({error: "module not loaded"}); }
  var fn = mod.default || mod.run || mod;
  if (typeof fn !== "function") { return JSON.stringify({error: "entrypoint has no callable export"}); }
  var args = JSON.parse(%[2]q);
  var result = fn.apply(null, args);
  return JSON.stringify({value: result === undefined ? null : result});
})()`, specifier, string(argsJSON))

	raw, err := h.vm.Eval(expr, quickjs.EvalGlobal)
	if err != nil {
		return nil, fmt.Errorf("scripthost: invoke %s: %w", entrypoint, err)
	}
	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("scripthost: unexpected eval result type for %s", entrypoint)
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal([]byte(str), &envelope); err != nil {
		return nil, fmt.Errorf("scripthost: decode invoke result: %w", err)
	}
	if envelope.Error != "" {
		return nil, &pluginmodel.RuntimeExit{Plugin: h.plugin, Class: pluginmodel.ExitScriptError, Err: fmt.Errorf("%s", envelope.Error)}
	}
	return envelope.Value, nil
}
