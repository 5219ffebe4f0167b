// Copyright 2025 James Ross

// Package reconciler implements the wire encoding for the remote UI
// reconciliation protocol described in spec.md §4.3: UiRequest/UiResponse
// round trips and UiEvent signals between a plugin process and the UI
// process, with property containers split into reference-carrying
// (function marker) and value-carrying (string/number/bool) maps because
// function values cannot cross the process boundary.
package reconciler

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

// CompressionThreshold is the marshaled frame size above which frames are
// zstd-compressed before being handed to the transport. Small frames (the
// common case: get_container, set_properties on a handful of keys) are
// sent raw to avoid paying codec overhead on the hot path.
const CompressionThreshold = 8 * 1024

// wireProperty is the JSON shape of one PropertyValue's value side.
type wireProperty struct {
	Kind string  `json:"kind"`
	Str  string  `json:"str,omitempty"`
	Num  float64 `json:"num,omitempty"`
	Bool bool    `json:"bool,omitempty"`
}

// PropertyContainer is the two-map split required by spec.md §4.3: refs
// carries only event-name markers for function-typed properties; values
// carries every non-function property verbatim.
type PropertyContainer struct {
	Values map[string]wireProperty `json:"values"`
	Refs   map[string]string       `json:"refs"` // property name -> event name marker
}

// SplitProperties lowers a PropertySet into the wire's two-map shape. A
// Function property never appears in Values; only its name and event
// marker appear in Refs (testable property #5 in spec.md §8).
func SplitProperties(props pluginmodel.PropertySet) PropertyContainer {
	out := PropertyContainer{
		Values: make(map[string]wireProperty, len(props)),
		Refs:   make(map[string]string),
	}
	for name, v := range props.WithoutChildren() {
		if v.IsFunction() {
			out.Refs[name] = v.EventName
			continue
		}
		out.Values[name] = wireProperty{
			Kind: string(v.Kind),
			Str:  v.Str,
			Num:  v.Num,
			Bool: v.Bool,
		}
	}
	return out
}

// MergeProperties reconstructs a single PropertySet from the wire's split
// representation, used on the UI-process side of the protocol.
func MergeProperties(c PropertyContainer) pluginmodel.PropertySet {
	out := make(pluginmodel.PropertySet, len(c.Values)+len(c.Refs))
	for name, wp := range c.Values {
		out[name] = pluginmodel.PropertyValue{
			Kind: pluginmodel.PropertyKind(wp.Kind),
			Str:  wp.Str,
			Num:  wp.Num,
			Bool: wp.Bool,
		}
	}
	for name, eventName := range c.Refs {
		out[name] = pluginmodel.FunctionProp(eventName)
	}
	return out
}

// wireRequest/wireResponse/wireEvent are the JSON envelopes exchanged with
// the UI process. Keeping these separate from pluginmodel's domain types
// lets the wire shape evolve (spec.md explicitly disclaims binary protocol
// stability) without coupling every internal package to JSON tags.
type wireRequest struct {
	Kind        string            `json:"kind"`
	WidgetType  string            `json:"widget_type,omitempty"`
	Properties  PropertyContainer `json:"properties,omitempty"`
	Text        string            `json:"text,omitempty"`
	Widget      uint32            `json:"widget,omitempty"`
	Parent      uint32            `json:"parent,omitempty"`
	Child       uint32            `json:"child,omitempty"`
	BeforeChild uint32            `json:"before_child,omitempty"`
	Container   uint32            `json:"container,omitempty"`
	NewChildren []uint32          `json:"new_children,omitempty"`
}

type wireResponse struct {
	Kind   string `json:"kind"`
	Widget uint32 `json:"widget,omitempty"`
}

type wireEvent struct {
	Kind         string         `json:"kind"`
	ViewName     string         `json:"view_name,omitempty"`
	WidgetID     uint32         `json:"widget_id,omitempty"`
	EventName    string         `json:"event_name,omitempty"`
	Arguments    []wireProperty `json:"arguments,omitempty"`
	EntrypointID string         `json:"entrypoint_id,omitempty"`
	Key          string         `json:"key,omitempty"`
	Modifiers    []string       `json:"modifiers,omitempty"`
}

func toWireRequest(r pluginmodel.UiRequest) wireRequest {
	children := make([]uint32, len(r.NewChildren))
	for i, c := range r.NewChildren {
		children[i] = uint32(c)
	}
	return wireRequest{
		Kind:        string(r.Kind),
		WidgetType:  r.WidgetType,
		Properties:  SplitProperties(r.Properties),
		Text:        r.Text,
		Widget:      uint32(r.Widget),
		Parent:      uint32(r.Parent),
		Child:       uint32(r.Child),
		BeforeChild: uint32(r.BeforeChild),
		Container:   uint32(r.Container),
		NewChildren: children,
	}
}

func fromWireRequest(w wireRequest) pluginmodel.UiRequest {
	children := make([]pluginmodel.WidgetID, len(w.NewChildren))
	for i, c := range w.NewChildren {
		children[i] = pluginmodel.WidgetID(c)
	}
	return pluginmodel.UiRequest{
		Kind:        pluginmodel.UiRequestKind(w.Kind),
		WidgetType:  w.WidgetType,
		Properties:  MergeProperties(w.Properties),
		Text:        w.Text,
		Widget:      pluginmodel.WidgetID(w.Widget),
		Parent:      pluginmodel.WidgetID(w.Parent),
		Child:       pluginmodel.WidgetID(w.Child),
		BeforeChild: pluginmodel.WidgetID(w.BeforeChild),
		Container:   pluginmodel.WidgetID(w.Container),
		NewChildren: children,
	}
}

func toWireArgs(args []pluginmodel.PropertyValue) []wireProperty {
	out := make([]wireProperty, len(args))
	for i, a := range args {
		out[i] = wireProperty{Kind: string(a.Kind), Str: a.Str, Num: a.Num, Bool: a.Bool}
	}
	return out
}

func fromWireArgs(args []wireProperty) []pluginmodel.PropertyValue {
	out := make([]pluginmodel.PropertyValue, len(args))
	for i, a := range args {
		out[i] = pluginmodel.PropertyValue{Kind: pluginmodel.PropertyKind(a.Kind), Str: a.Str, Num: a.Num, Bool: a.Bool}
	}
	return out
}

// EncodeRequest marshals a UiRequest into a transport-ready frame,
// compressing it when it exceeds CompressionThreshold.
func EncodeRequest(r pluginmodel.UiRequest) ([]byte, error) {
	return encodeFrame(toWireRequest(r))
}

// DecodeRequest reverses EncodeRequest.
func DecodeRequest(frame []byte) (pluginmodel.UiRequest, error) {
	var w wireRequest
	if err := decodeFrame(frame, &w); err != nil {
		return pluginmodel.UiRequest{}, err
	}
	return fromWireRequest(w), nil
}

// EncodeResponse marshals a UiResponse into a transport-ready frame.
func EncodeResponse(r pluginmodel.UiResponse) ([]byte, error) {
	return encodeFrame(wireResponse{Kind: string(r.Kind), Widget: uint32(r.Widget)})
}

// DecodeResponse reverses EncodeResponse.
func DecodeResponse(frame []byte) (pluginmodel.UiResponse, error) {
	var w wireResponse
	if err := decodeFrame(frame, &w); err != nil {
		return pluginmodel.UiResponse{}, err
	}
	return pluginmodel.UiResponse{Kind: pluginmodel.UiResponseKind(w.Kind), Widget: pluginmodel.WidgetID(w.Widget)}, nil
}

// EncodeEvent marshals a UiEvent into a transport-ready frame.
func EncodeEvent(e pluginmodel.UiEvent) ([]byte, error) {
	return encodeFrame(wireEvent{
		Kind:         string(e.Kind),
		ViewName:     e.ViewName,
		WidgetID:     uint32(e.WidgetID),
		EventName:    e.EventName,
		Arguments:    toWireArgs(e.Arguments),
		EntrypointID: string(e.EntrypointID),
		Key:          e.Key,
		Modifiers:    e.Modifiers,
	})
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(frame []byte) (pluginmodel.UiEvent, error) {
	var w wireEvent
	if err := decodeFrame(frame, &w); err != nil {
		return pluginmodel.UiEvent{}, err
	}
	return pluginmodel.UiEvent{
		Kind:         pluginmodel.UiEventKind(w.Kind),
		ViewName:     w.ViewName,
		WidgetID:     pluginmodel.WidgetID(w.WidgetID),
		EventName:    w.EventName,
		Arguments:    fromWireArgs(w.Arguments),
		EntrypointID: pluginmodel.EntrypointID(w.EntrypointID),
		Key:          w.Key,
		Modifiers:    w.Modifiers,
	}, nil
}

const (
	frameFlagRaw        byte = 0x00
	frameFlagCompressed byte = 0x01
)

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

func encodeFrame(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("reconciler: marshal: %w", err)
	}
	if len(body) < CompressionThreshold {
		return append([]byte{frameFlagRaw}, body...), nil
	}
	compressed := zstdEncoder.EncodeAll(body, nil)
	return append([]byte{frameFlagCompressed}, compressed...), nil
}

func decodeFrame(frame []byte, v interface{}) error {
	if len(frame) == 0 {
		return fmt.Errorf("reconciler: empty frame")
	}
	flag, body := frame[0], frame[1:]
	switch flag {
	case frameFlagRaw:
		// body is used directly below
	case frameFlagCompressed:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("reconciler: decompress: %w", err)
		}
		body = decoded
	default:
		return fmt.Errorf("reconciler: unknown frame flag %#x", flag)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("reconciler: unmarshal: %w", err)
	}
	return nil
}
