// Copyright 2025 James Ross

// Package reqchan implements the single-producer-single-consumer
// request/response channel described in spec.md §4.1: the producer side
// posts a request and optionally awaits a reply through a one-shot slot;
// the consumer drains requests in FIFO order and fulfils each slot exactly
// once.
package reqchan

import (
	"context"
	"errors"
)

// ErrClosed is returned to a pending send_receive when the channel is
// closed (or the runtime cancelled) before the slot was fulfilled.
var ErrClosed = errors.New("reqchan: channel closed before response")

// ErrAlreadyFulfilled is returned by Slot.Fulfill when called more than
// once on the same slot — fulfilling a slot twice is a consumer bug.
var ErrAlreadyFulfilled = errors.New("reqchan: slot already fulfilled")

// Slot is the one-shot reply channel paired with a single request. The
// consumer must call Fulfill exactly once; if the sender's context is done
// (or the channel closes) before a reply arrives, the sender stops waiting
// and the slot is abandoned.
type Slot[R any] struct {
	ch   chan result[R]
	done chan struct{}
}

type result[R any] struct {
	value R
	err   error
}

func newSlot[R any]() *Slot[R] {
	return &Slot[R]{ch: make(chan result[R], 1), done: make(chan struct{})}
}

// Fulfill delivers the response to the awaiting sender. Safe to call from
// the consumer goroutine only; returns ErrAlreadyFulfilled on a second call.
func (s *Slot[R]) Fulfill(v R, err error) error {
	select {
	case <-s.done:
		return ErrAlreadyFulfilled
	default:
	}
	close(s.done)
	s.ch <- result[R]{value: v, err: err}
	return nil
}

// Pair is one (request, response-slot) item handed to the consumer.
type Pair[Q, R any] struct {
	Request Q
	Slot    *Slot[R] // nil when the request was sent fire-and-forget
}

// Channel is the SPSC queue of (request, slot) pairs.
type Channel[Q, R any] struct {
	items chan Pair[Q, R]
	closed chan struct{}
}

// New creates a Channel with the given buffer capacity.
func New[Q, R any](capacity int) *Channel[Q, R] {
	return &Channel[Q, R]{
		items:  make(chan Pair[Q, R], capacity),
		closed: make(chan struct{}),
	}
}

// Send posts a fire-and-forget request; the consumer processes it but no
// reply is awaited.
func (c *Channel[Q, R]) Send(ctx context.Context, req Q) error {
	select {
	case c.items <- Pair[Q, R]{Request: req}:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendReceive posts a request and awaits its response slot. Cancelling ctx
// (or the channel closing) discards the slot; the consumer is expected to
// tolerate a Fulfill call whose sender has already gone away.
func (c *Channel[Q, R]) SendReceive(ctx context.Context, req Q) (R, error) {
	var zero R
	slot := newSlot[R]()
	pair := Pair[Q, R]{Request: req, Slot: slot}

	select {
	case c.items <- pair:
	case <-c.closed:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-slot.ch:
		return res.value, res.err
	case <-c.closed:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Receive returns the next pair in FIFO order, or false if the channel has
// been closed and drained.
func (c *Channel[Q, R]) Receive(ctx context.Context) (Pair[Q, R], bool) {
	select {
	case pair := <-c.items:
		return pair, true
	case <-c.closed:
		select {
		case pair := <-c.items:
			return pair, true
		default:
			return Pair[Q, R]{}, false
		}
	case <-ctx.Done():
		return Pair[Q, R]{}, false
	}
}

// Close marks the channel closed; any SendReceive callers still waiting on
// in-flight slots resolve with ErrClosed. Safe to call once.
func (c *Channel[Q, R]) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
}
