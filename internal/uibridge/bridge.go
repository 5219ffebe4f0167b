// Copyright 2025 James Ross
package uibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gauntlet-run/plugin-core/internal/obs"
	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
	"github.com/gauntlet-run/plugin-core/internal/reconciler"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	eventQueueSize = 256
)

// ErrBridgeClosed is returned to any pending request when the bridge's
// connection to the UI process drops.
var ErrBridgeClosed = fmt.Errorf("uibridge: connection closed")

// Bridge owns one websocket connection to the UI process and multiplexes
// every plugin runtime's UiRequest/UiResponse round trips and UiEvent
// stream across it, per spec.md §4.4.
type Bridge struct {
	conn   *websocket.Conn
	logger *zap.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan pendingResult
	closed  chan struct{}
	once    sync.Once

	outgoing chan []byte
	events   chan PluginEvent
}

type pendingResult struct {
	resp pluginmodel.UiResponse
	err  error
}

// PluginEvent pairs a UiEvent with the plugin it was addressed to, so a
// single shared Bridge can fan its push stream out to per-plugin consumers
// (pluginmanager does this for each running scripthost.Host).
type PluginEvent struct {
	Plugin pluginmodel.PluginID
	Event  pluginmodel.UiEvent
}

// Dial opens a websocket connection to the UI process at url and starts the
// bridge's read/write pumps.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Bridge, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("uibridge: dial %s: %w", url, err)
	}
	return newBridge(conn, logger), nil
}

func newBridge(conn *websocket.Conn, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		conn:     conn,
		logger:   logger,
		pending:  make(map[uint64]chan pendingResult),
		closed:   make(chan struct{}),
		outgoing: make(chan []byte, 64),
		events:   make(chan PluginEvent, eventQueueSize),
	}
	go b.readLoop()
	go b.writeLoop()
	return b
}

// Events returns the channel of UiEvent signals the UI process pushes
// toward plugin runtimes. The channel is never closed by normal Close();
// callers should select on a context or Done() alongside it.
func (b *Bridge) Events() <-chan PluginEvent { return b.events }

// Done reports when the bridge's connection has closed.
func (b *Bridge) Done() <-chan struct{} { return b.closed }

// Dispatch sends a UiRequest for the given plugin and, unless the request
// is fire-and-forget, awaits its UiResponse.
func (b *Bridge) Dispatch(ctx context.Context, plugin pluginmodel.PluginID, req pluginmodel.UiRequest) (pluginmodel.UiResponse, error) {
	ctx, span := obs.StartUIRoundTripSpan(ctx, string(plugin), string(req.Kind))
	start := time.Now()
	defer func() {
		obs.UIRoundTripDuration.Observe(time.Since(start).Seconds())
		span.End()
	}()

	payload, err := reconciler.EncodeRequest(req)
	if err != nil {
		obs.RecordError(ctx, err)
		return pluginmodel.UiResponse{}, fmt.Errorf("uibridge: encode request: %w", err)
	}

	seq := b.seq.Add(1)
	env := envelope{Kind: envelopeRequest, Plugin: string(plugin), Seq: seq, Payload: payload}

	if req.IsFireAndForget() {
		if err := b.send(ctx, env); err != nil {
			return pluginmodel.UiResponse{}, err
		}
		return pluginmodel.UiResponse{Kind: pluginmodel.RespUnit}, nil
	}

	resultCh := make(chan pendingResult, 1)
	b.mu.Lock()
	b.pending[seq] = resultCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, seq)
		b.mu.Unlock()
	}()

	if err := b.send(ctx, env); err != nil {
		return pluginmodel.UiResponse{}, err
	}

	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-b.closed:
		return pluginmodel.UiResponse{}, ErrBridgeClosed
	case <-ctx.Done():
		return pluginmodel.UiResponse{}, ctx.Err()
	}
}

func (b *Bridge) send(ctx context.Context, env envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("uibridge: marshal envelope: %w", err)
	}
	select {
	case b.outgoing <- frame:
		return nil
	case <-b.closed:
		return ErrBridgeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the underlying websocket connection and unblocks any
// pending Dispatch calls with ErrBridgeClosed. Safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}

func (b *Bridge) readLoop() {
	defer b.Close()

	b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		b.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Warn("uibridge: connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.logger.Error("uibridge: malformed envelope", zap.Error(err))
			continue
		}
		b.handleEnvelope(env)
	}
}

func (b *Bridge) handleEnvelope(env envelope) {
	switch env.Kind {
	case envelopeResponse:
		resp, err := reconciler.DecodeResponse(env.Payload)
		b.mu.Lock()
		ch, ok := b.pending[env.Seq]
		b.mu.Unlock()
		if !ok {
			return // sender already gave up (context cancelled, bridge closed)
		}
		ch <- pendingResult{resp: resp, err: err}

	case envelopeEvent:
		event, err := reconciler.DecodeEvent(env.Payload)
		if err != nil {
			b.logger.Error("uibridge: malformed event payload", zap.Error(err))
			return
		}
		select {
		case b.events <- PluginEvent{Plugin: pluginmodel.PluginID(env.Plugin), Event: event}:
		default:
			b.logger.Warn("uibridge: event queue full, dropping event", zap.String("kind", string(event.Kind)))
		}

	default:
		b.logger.Warn("uibridge: unexpected envelope kind", zap.String("kind", string(env.Kind)))
	}
}

func (b *Bridge) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.conn.Close()
	}()

	for {
		select {
		case frame := <-b.outgoing:
			b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				b.logger.Warn("uibridge: write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-b.closed:
			return
		}
	}
}
