// Copyright 2025 James Ross

// Package uibridge carries the reconciler wire protocol over a websocket
// connection to the UI process, multiplexing many plugins' requests and
// events onto the one socket the way spec.md §4.4 describes.
package uibridge

// envelopeKind tags what a frame's Payload holds.
type envelopeKind string

const (
	envelopeRequest  envelopeKind = "request"
	envelopeResponse envelopeKind = "response"
	envelopeEvent    envelopeKind = "event"
)

// envelope is the outermost JSON shape written to the websocket. Seq
// correlates a response back to the request that produced it; Plugin
// namespaces the frame to the plugin runtime it belongs to so the UI
// process (and this bridge, on the read side) can route it.
type envelope struct {
	Kind    envelopeKind `json:"kind"`
	Plugin  string       `json:"plugin,omitempty"`
	Seq     uint64       `json:"seq,omitempty"`
	Payload []byte       `json:"payload"`
}
