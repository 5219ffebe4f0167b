// Copyright 2025 James Ross
package scripthost

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

// wireProps/wireValue mirror the JSON shape plugin_core.js's lowerProps
// produces: a plain map whose function-valued entries were already
// replaced by {"__event": "<name>"} markers before reaching Go.
type wireProps map[string]json.RawMessage

func decodeProps(raw string) pluginmodel.PropertySet {
	var wp wireProps
	if raw == "" {
		return pluginmodel.PropertySet{}
	}
	if err := json.Unmarshal([]byte(raw), &wp); err != nil {
		return pluginmodel.PropertySet{}
	}
	out := make(pluginmodel.PropertySet, len(wp))
	for name, v := range wp {
		var marker struct {
			Event string `json:"__event"`
		}
		if err := json.Unmarshal(v, &marker); err == nil && marker.Event != "" {
			out[name] = pluginmodel.FunctionProp(marker.Event)
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[name] = pluginmodel.StringProp(s)
			continue
		}
		var n float64
		if err := json.Unmarshal(v, &n); err == nil {
			out[name] = pluginmodel.NumberProp(n)
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			out[name] = pluginmodel.BoolProp(b)
			continue
		}
	}
	return out
}

// registerHostOps binds every host operation spec.md §4.5 names into the
// VM's global scope. Each is a thin, synchronous wrapper: the Go function
// blocks on the UI bridge round trip, which is safe here because this
// runs on the plugin's own dedicated OS thread.
func (h *Host) registerHostOps() error {
	ops := []struct {
		name string
		fn   interface{}
	}{
		{"__host_get_container", h.opGetContainer},
		{"__host_create_instance", h.opCreateInstance},
		{"__host_create_text_instance", h.opCreateTextInstance},
		{"__host_clone_instance", h.opCloneInstance},
		{"__host_append_child", h.opAppendChild},
		{"__host_remove_child", h.opRemoveChild},
		{"__host_insert_before", h.opInsertBefore},
		{"__host_replace_container_children", h.opReplaceContainerChildren},
		{"__host_set_properties", h.opSetProperties},
		{"__host_set_text", h.opSetText},
		{"__host_get_next_pending_ui_event", h.opGetNextPendingUIEvent},
		{"__host_register_handler", h.opRegisterHandler},
		{"__host_call_event_listener", h.opCallEventListener},
		{"__host_env_get", h.opEnvGet},
		{"__host_now_high_res", h.opNowHighRes},
	}
	for _, op := range ops {
		if err := h.vm.RegisterFunc(op.name, op.fn, false); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) dispatch(req pluginmodel.UiRequest) pluginmodel.UiResponse {
	resp, err := h.ui.Dispatch(context.Background(), h.plugin, req)
	if err != nil {
		h.logger.Warn("scripthost: ui dispatch failed", zap.String("kind", string(req.Kind)), zap.Error(err))
		return pluginmodel.UiResponse{Kind: pluginmodel.RespUnit}
	}
	return resp
}

func (h *Host) opGetContainer() string {
	resp := h.dispatch(pluginmodel.UiRequest{Kind: pluginmodel.ReqGetContainer})
	return widgetJSON(resp.Widget)
}

func (h *Host) opCreateInstance(widgetType string, propsJSON string) uint32 {
	props := decodeProps(propsJSON)
	resp := h.dispatch(pluginmodel.UiRequest{
		Kind:       pluginmodel.ReqCreateInstance,
		WidgetType: widgetType,
		Properties: props,
	})
	// Function-typed props are bound once the UI has assigned the widget
	// id, the same way opSetProperties binds them.
	if resp.Kind == pluginmodel.RespCreateInstance {
		for name, v := range props {
			if v.IsFunction() {
				h.handlers.Add(uint32(resp.Widget), name, v.EventName)
			}
		}
	}
	return uint32(resp.Widget)
}

func (h *Host) opCreateTextInstance(text string) uint32 {
	resp := h.dispatch(pluginmodel.UiRequest{Kind: pluginmodel.ReqCreateTextInstance, Text: text})
	return uint32(resp.Widget)
}

func (h *Host) opCloneInstance(widget uint32) uint32 {
	resp := h.dispatch(pluginmodel.UiRequest{Kind: pluginmodel.ReqCloneInstance, Widget: pluginmodel.WidgetID(widget)})
	return uint32(resp.Widget)
}

func (h *Host) opAppendChild(parent uint32, child uint32) {
	h.dispatch(pluginmodel.UiRequest{
		Kind: pluginmodel.ReqAppendChild, Parent: pluginmodel.WidgetID(parent), Child: pluginmodel.WidgetID(child),
	})
}

func (h *Host) opRemoveChild(parent uint32, child uint32) {
	h.dispatch(pluginmodel.UiRequest{
		Kind: pluginmodel.ReqRemoveChild, Parent: pluginmodel.WidgetID(parent), Child: pluginmodel.WidgetID(child),
	})
}

func (h *Host) opInsertBefore(parent uint32, child uint32, beforeChild uint32) {
	h.dispatch(pluginmodel.UiRequest{
		Kind: pluginmodel.ReqInsertBefore, Parent: pluginmodel.WidgetID(parent),
		Child: pluginmodel.WidgetID(child), BeforeChild: pluginmodel.WidgetID(beforeChild),
	})
}

func (h *Host) opReplaceContainerChildren(container uint32, childrenJSON string) {
	var raw []uint32
	_ = json.Unmarshal([]byte(childrenJSON), &raw)
	children := make([]pluginmodel.WidgetID, len(raw))
	for i, c := range raw {
		children[i] = pluginmodel.WidgetID(c)
	}
	h.dispatch(pluginmodel.UiRequest{
		Kind: pluginmodel.ReqReplaceContainerChildren, Container: pluginmodel.WidgetID(container), NewChildren: children,
	})
}

func (h *Host) opSetProperties(widget uint32, propsJSON string) {
	props := decodeProps(propsJSON)
	for name, v := range props {
		if v.IsFunction() {
			// v.EventName is the wire token plugin_core.js's lowerProps minted
			// for this callable; it is also the key the module's own
			// `listeners` map holds the closure under. Storing it here (not a
			// placeholder) makes this table the authority call_event_listener
			// consults: a later SetProperties for the same (widget, name)
			// overwrites it, so a stale event delivered after a prop was
			// replaced or cleared finds nothing and is dropped.
			h.handlers.Add(widget, name, v.EventName)
		} else {
			h.handlers.Remove(widget, name)
		}
	}
	h.dispatch(pluginmodel.UiRequest{Kind: pluginmodel.ReqSetProperties, Widget: pluginmodel.WidgetID(widget), Properties: props})
}

func (h *Host) opSetText(widget uint32, text string) {
	h.dispatch(pluginmodel.UiRequest{Kind: pluginmodel.ReqSetText, Widget: pluginmodel.WidgetID(widget), Text: text})
}

// opRegisterHandler lets an entrypoint bind a handler outside the normal
// property-setting path (e.g. a keyboard shortcut keyed by entrypoint
// rather than widget). widget 0 is the plugin-global namespace.
func (h *Host) opRegisterHandler(widget uint32, eventName string) {
	h.handlers.Add(widget, eventName, eventName)
}

// opCallEventListener is the Go side of call_event_listener (spec.md §4.5):
// before plugin_core.js's event pump invokes the JS closure it has locally
// cached for eventName, it asks this table whether that (widget, event)
// binding is still the one last assigned. If SetProperties already
// replaced or dropped it, the stale in-flight event is a no-op; otherwise
// the stored token (the marker lowerProps minted for a function prop, or
// the event name itself for a binding made through opRegisterHandler) is
// handed back so plugin_core.js knows which cached closure to run.
func (h *Host) opCallEventListener(widget uint32, eventName string) string {
	ref, ok := h.handlers.Lookup(widget, eventName)
	if !ok {
		return ""
	}
	token, _ := ref.(string)
	return token
}

// wireEvent is the JSON shape handed back to plugin_core.js's event pump.
// Kinds "reload_search_index" and "open_inline_view" originate from the
// Command Bus rather than the UI bridge; plugin_core.js's runEventLoop
// treats them like any other pending event.
type wireEvent struct {
	Kind         string                      `json:"kind"`
	WidgetID     uint32                      `json:"widget_id,omitempty"`
	EventName    string                      `json:"event_name,omitempty"`
	Arguments    []pluginmodel.PropertyValue `json:"arguments,omitempty"`
	EntrypointID string                      `json:"entrypoint_id,omitempty"`
	Key          string                      `json:"key,omitempty"`
	Modifiers    []string                    `json:"modifiers,omitempty"`
	Text         string                      `json:"text,omitempty"`
}

// opGetNextPendingUIEvent blocks until a UI event or Command Bus command
// arrives, or the host is shutting down, in which case it returns "" so
// plugin_core.js's runEventLoop exits cleanly. A command that this host
// resolves entirely on the Go side (CmdStop, CmdCloseView) never reaches
// the script; everything else it forwards as a synthetic event.
func (h *Host) opGetNextPendingUIEvent() string {
	for {
		select {
		case event, ok := <-h.events:
			if !ok {
				return ""
			}
			if event.Kind == pluginmodel.EventViewDestroyed {
				h.handlers.Clear()
			}
			out := wireEvent{
				Kind:         string(event.Kind),
				WidgetID:     uint32(event.WidgetID),
				EventName:    event.EventName,
				Arguments:    event.Arguments,
				EntrypointID: string(event.EntrypointID),
				Key:          event.Key,
				Modifiers:    event.Modifiers,
			}
			data, err := json.Marshal(out)
			if err != nil {
				return ""
			}
			return string(data)
		case cmd, ok := <-h.commands:
			if !ok {
				h.commands = nil // closed subscription: stop selecting on it
				continue
			}
			raw, stop := h.applyCommand(cmd)
			if stop {
				return ""
			}
			if raw == "" {
				continue
			}
			return raw
		case <-h.shutdown:
			return ""
		}
	}
}

// applyCommand handles a Command Bus delivery addressed to this plugin.
// stop reports that the host should end its event loop now; raw, when
// non-empty, is a synthetic wireEvent the script should see next.
func (h *Host) applyCommand(cmd pluginmodel.Command) (raw string, stop bool) {
	switch cmd.Data.Kind {
	case pluginmodel.CmdStop, pluginmodel.CmdCloseView:
		h.Stop()
		return "", true
	case pluginmodel.CmdReloadSearchIndex:
		data, err := json.Marshal(wireEvent{Kind: "reload_search_index"})
		if err != nil {
			return "", false
		}
		return string(data), false
	case pluginmodel.CmdOpenInlineView:
		data, err := json.Marshal(wireEvent{Kind: "open_inline_view", Text: cmd.Data.Text})
		if err != nil {
			return "", false
		}
		return string(data), false
	default:
		// RunCommand/RunGeneratedCommand/RenderView/HandleViewEvent/
		// HandleKeyboardEvent reach this plugin through the Application
		// Manager's direct invocation path and the uibridge event stream
		// respectively; this host has nothing further to do with them.
		return "", false
	}
}

func (h *Host) opEnvGet(name string) string {
	if !h.perms.AllowsEnv(name) {
		return ""
	}
	return os.Getenv(name)
}

// opNowHighRes returns a nanosecond-resolution timestamp when the plugin
// has high_resolution_time, and a coarsened millisecond-bucketed one
// otherwise — denying the capability degrades precision rather than
// failing the call outright, consistent with how browsers clamp
// performance.now() without a cross-origin-isolated context.
func (h *Host) opNowHighRes() float64 {
	now := time.Now()
	if h.perms.AllowsHighResolutionTime() {
		return float64(now.UnixNano())
	}
	return float64(now.Truncate(time.Millisecond).UnixNano())
}

func widgetJSON(w pluginmodel.WidgetID) string {
	data, _ := json.Marshal(uint32(w))
	return string(data)
}
