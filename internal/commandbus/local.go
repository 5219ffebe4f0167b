// Copyright 2025 James Ross
package commandbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gauntlet-run/plugin-core/internal/obs"
	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

// LocalBus is an in-process Bus: every subscriber is a buffered Go channel
// fed directly by Publish. Intended for a single gauntlet-core process
// running its own UI bridge; NATSBus is the cross-process equivalent.
type LocalBus struct {
	mu       sync.Mutex
	subs     map[uint64]*localSubscription
	nextID   uint64
	capacity int
	closed   bool
	logger   *zap.Logger
}

type localSubscription struct {
	id     uint64
	plugin pluginmodel.PluginID
	ch     chan pluginmodel.Command
	bus    *LocalBus
	lagged bool
	once   sync.Once
}

// NewLocal returns a LocalBus whose subscriber channels hold capacity
// buffered commands each.
func NewLocal(capacity int, logger *zap.Logger) *LocalBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{subs: make(map[uint64]*localSubscription), capacity: capacity, logger: logger}
}

func (b *LocalBus) Subscribe(plugin pluginmodel.PluginID) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &localSubscription{
		id:     b.nextID,
		plugin: plugin,
		ch:     make(chan pluginmodel.Command, b.capacity),
		bus:    b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

func (b *LocalBus) Publish(ctx context.Context, cmd pluginmodel.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	obs.CommandBusPublished.WithLabelValues(string(cmd.Data.Kind)).Inc()
	for _, sub := range b.subs {
		if !cmd.AppliesTo(sub.plugin) {
			continue
		}
		b.deliver(sub, cmd)
	}
	return nil
}

// deliver attempts to hand cmd to sub without blocking. If sub's buffer is
// full it drops the oldest queued command, marks the subscription lagged,
// and tries to lead the next successful delivery with a ReloadSearchIndex
// hint so the plugin knows to resynchronize rather than trust a gap-free
// history.
func (b *LocalBus) deliver(sub *localSubscription, cmd pluginmodel.Command) {
	if sub.lagged {
		select {
		case sub.ch <- pluginmodel.AllCommand(pluginmodel.CommandData{Kind: pluginmodel.CmdReloadSearchIndex}):
			sub.lagged = false
		default:
		}
	}

	select {
	case sub.ch <- cmd:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	sub.lagged = true
	obs.CommandBusDropped.Inc()
	b.logger.Warn("commandbus: subscriber lagging, oldest command dropped",
		zap.Uint64("subscriber", sub.id), zap.String("plugin", sub.plugin.String()))

	select {
	case sub.ch <- cmd:
	default:
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

func (s *localSubscription) Commands() <-chan pluginmodel.Command { return s.ch }

func (s *localSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if s.bus.closed {
			return
		}
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}
