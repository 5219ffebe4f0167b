// Copyright 2025 James Ross
package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

const (
	natsBroadcastSubject = "gauntlet.commands.broadcast"
	natsPluginSubjectFmt = "gauntlet.commands.plugin.%s"
)

// wireCommand is the JSON shape published to NATS. Addressing and plugin
// id are carried on the envelope (not just the subject) so a subscriber
// double-checks AppliesTo after decoding, same as the local bus.
type wireCommand struct {
	Addressing string                   `json:"addressing"`
	PluginID   string                   `json:"plugin_id,omitempty"`
	Data       pluginmodel.CommandData  `json:"data"`
}

func toWireCommand(cmd pluginmodel.Command) wireCommand {
	return wireCommand{Addressing: string(cmd.Addressing), PluginID: string(cmd.PluginID), Data: cmd.Data}
}

func fromWireCommand(w wireCommand) pluginmodel.Command {
	return pluginmodel.Command{
		Addressing: pluginmodel.Addressing(w.Addressing),
		PluginID:   pluginmodel.PluginID(w.PluginID),
		Data:       w.Data,
	}
}

// NATSBus is a cross-process Bus backed by a NATS connection, for
// deployments where the UI process and plugin runtimes are split across
// more than one OS process (spec.md §4.7 alternate backend).
type NATSBus struct {
	conn     *nats.Conn
	capacity int
	logger   *zap.Logger

	mu   sync.Mutex
	subs map[uint64]*natsSubscription
	next uint64
}

// DialNATS connects to the given NATS URL and returns a Bus backed by it.
func DialNATS(url string, capacity int, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("gauntlet-core"))
	if err != nil {
		return nil, fmt.Errorf("commandbus: connect nats: %w", err)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := &NATSBus{conn: conn, capacity: capacity, logger: logger, subs: make(map[uint64]*natsSubscription)}
	conn.SetErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
		logger.Warn("commandbus: nats error", zap.Error(err), zap.String("subject", sub.Subject))
	})
	return bus, nil
}

type natsSubscription struct {
	id       uint64
	plugin   pluginmodel.PluginID
	ch       chan pluginmodel.Command
	lagged   bool
	mu       sync.Mutex
	subs     []*nats.Subscription
	bus      *NATSBus
	once     sync.Once
}

func (b *NATSBus) Subscribe(plugin pluginmodel.PluginID) (Subscription, error) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.mu.Unlock()

	sub := &natsSubscription{id: id, plugin: plugin, ch: make(chan pluginmodel.Command, b.capacity), bus: b}

	handler := func(msg *nats.Msg) {
		var w wireCommand
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			b.logger.Error("commandbus: malformed nats payload", zap.Error(err))
			return
		}
		cmd := fromWireCommand(w)
		if !cmd.AppliesTo(plugin) {
			return
		}
		sub.deliver(b.logger, cmd)
	}

	broadcastSub, err := b.conn.Subscribe(natsBroadcastSubject, handler)
	if err != nil {
		return nil, fmt.Errorf("commandbus: subscribe broadcast: %w", err)
	}
	targetedSub, err := b.conn.Subscribe(fmt.Sprintf(natsPluginSubjectFmt, plugin), handler)
	if err != nil {
		broadcastSub.Unsubscribe()
		return nil, fmt.Errorf("commandbus: subscribe targeted: %w", err)
	}
	sub.subs = []*nats.Subscription{broadcastSub, targetedSub}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return sub, nil
}

func (s *natsSubscription) deliver(logger *zap.Logger, cmd pluginmodel.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lagged {
		select {
		case s.ch <- pluginmodel.AllCommand(pluginmodel.CommandData{Kind: pluginmodel.CmdReloadSearchIndex}):
			s.lagged = false
		default:
		}
	}

	select {
	case s.ch <- cmd:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	s.lagged = true
	logger.Warn("commandbus: nats subscriber lagging, oldest command dropped",
		zap.Uint64("subscriber", s.id), zap.String("plugin", s.plugin.String()))

	select {
	case s.ch <- cmd:
	default:
	}
}

func (b *NATSBus) Publish(ctx context.Context, cmd pluginmodel.Command) error {
	payload, err := json.Marshal(toWireCommand(cmd))
	if err != nil {
		return fmt.Errorf("commandbus: marshal command: %w", err)
	}

	subject := natsBroadcastSubject
	if cmd.Addressing == pluginmodel.AddressOne {
		subject = fmt.Sprintf(natsPluginSubjectFmt, cmd.PluginID)
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("commandbus: publish: %w", err)
	}
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.unsubscribe()
	}
	b.subs = nil
	b.conn.Close()
	return nil
}

func (s *natsSubscription) Commands() <-chan pluginmodel.Command { return s.ch }

func (s *natsSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.unsubscribe()
}

func (s *natsSubscription) unsubscribe() {
	s.once.Do(func() {
		for _, natsSub := range s.subs {
			natsSub.Unsubscribe()
		}
		close(s.ch)
	})
}
