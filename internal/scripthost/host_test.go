// Copyright 2025 James Ross
package scripthost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

type fakeDispatcher struct {
	calls []pluginmodel.UiRequest
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, plugin pluginmodel.PluginID, req pluginmodel.UiRequest) (pluginmodel.UiResponse, error) {
	f.calls = append(f.calls, req)
	switch req.Kind {
	case pluginmodel.ReqGetContainer:
		return pluginmodel.UiResponse{Kind: pluginmodel.RespGetContainer, Widget: 1}, nil
	case pluginmodel.ReqCreateInstance, pluginmodel.ReqCreateTextInstance, pluginmodel.ReqCloneInstance:
		return pluginmodel.UiResponse{Kind: req.ExpectedResponseKind(), Widget: pluginmodel.WidgetID(len(f.calls) + 10)}, nil
	default:
		return pluginmodel.UiResponse{Kind: pluginmodel.RespUnit}, nil
	}
}

func TestHost_RunEvaluatesFixedModulesAndEntrypointThenStops(t *testing.T) {
	code := pluginmodel.PluginCode{
		"hello": `export default function hello() { return 1; }`,
	}
	events := make(chan pluginmodel.UiEvent)
	disp := &fakeDispatcher{}
	h := New("plugin-a", pluginmodel.Permissions{}, code, disp, events, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, "hello")
	}()

	// Give the VM a moment to boot and block in the event loop, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		var exit *pluginmodel.RuntimeExit
		require.ErrorAs(t, err, &exit)
		assert.Equal(t, pluginmodel.ExitStopped, exit.Class)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestHost_StopUnblocksRun(t *testing.T) {
	code := pluginmodel.PluginCode{"noop": `export default function () { return null; }`}
	events := make(chan pluginmodel.UiEvent)
	disp := &fakeDispatcher{}
	h := New("plugin-a", pluginmodel.Permissions{}, code, disp, events, nil, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background(), "noop") }()

	time.Sleep(50 * time.Millisecond)
	h.Stop()

	select {
	case err := <-done:
		var exit *pluginmodel.RuntimeExit
		require.ErrorAs(t, err, &exit)
		assert.True(t, exit.Class == pluginmodel.ExitStopped)
		assert.False(t, exit.Restartable())
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

// TestHost_CallEventListenerHonorsLastAssignedBinding exercises Testable
// Property S1/S2: opSetProperties writes a widget's bindings into the
// handler table (opCreateInstance and opRegisterHandler write there too),
// and opCallEventListener reads them back, so a widget's last-assigned
// callable (and only that one) answers a lookup.
func TestHost_CallEventListenerHonorsLastAssignedBinding(t *testing.T) {
	disp := &fakeDispatcher{}
	h := New("plugin-a", pluginmodel.Permissions{}, nil, disp, nil, nil, zaptest.NewLogger(t))

	h.opSetProperties(1, `{"onClick": {"__event": "evt-1"}, "title": "x"}`)
	assert.Equal(t, "evt-1", h.opCallEventListener(1, "onClick"))
	assert.Empty(t, h.opCallEventListener(1, "onHover"), "no binding was ever registered for onHover")

	// Re-setting the property with a fresh event name replaces the binding;
	// the old token must no longer resolve.
	h.opSetProperties(1, `{"onClick": {"__event": "evt-2"}}`)
	assert.Equal(t, "evt-2", h.opCallEventListener(1, "onClick"))

	// Overwriting with a non-function value drops the binding entirely.
	h.opSetProperties(1, `{"onClick": "not-a-function"}`)
	assert.Empty(t, h.opCallEventListener(1, "onClick"))
}

// TestHost_ApplyCommandStopEndsEventLoop confirms a CmdStop (or CmdCloseView)
// delivered over the Command Bus subscription is resolved entirely on the
// Go side: it never reaches the script, and it unblocks the host's event
// pump the same way Stop() does.
func TestHost_ApplyCommandStopEndsEventLoop(t *testing.T) {
	disp := &fakeDispatcher{}
	h := New("plugin-a", pluginmodel.Permissions{}, nil, disp, nil, nil, zaptest.NewLogger(t))

	raw, stop := h.applyCommand(pluginmodel.OneCommand("plugin-a", pluginmodel.CommandData{Kind: pluginmodel.CmdStop}))
	assert.True(t, stop)
	assert.Empty(t, raw)
	select {
	case <-h.shutdown:
	default:
		t.Fatal("applyCommand(CmdStop) did not close shutdown")
	}
}

// TestHost_ApplyCommandForwardsReloadSearchIndexAndOpenInlineView confirms
// the two Command Bus kinds a running plugin can actually observe are
// translated into a synthetic event rather than silently dropped.
func TestHost_ApplyCommandForwardsReloadSearchIndexAndOpenInlineView(t *testing.T) {
	disp := &fakeDispatcher{}
	h := New("plugin-a", pluginmodel.Permissions{}, nil, disp, nil, nil, zaptest.NewLogger(t))

	raw, stop := h.applyCommand(pluginmodel.AllCommand(pluginmodel.CommandData{Kind: pluginmodel.CmdReloadSearchIndex}))
	assert.False(t, stop)
	assert.JSONEq(t, `{"kind":"reload_search_index"}`, raw)

	raw, stop = h.applyCommand(pluginmodel.OneCommand("plugin-a", pluginmodel.CommandData{
		Kind: pluginmodel.CmdOpenInlineView, Text: "hello",
	}))
	assert.False(t, stop)
	assert.JSONEq(t, `{"kind":"open_inline_view","text":"hello"}`, raw)
}
