// Copyright 2025 James Ross

// Package commandbus implements the broadcast Command Bus of spec.md §4.7:
// the Application Manager publishes Commands addressed to either every
// running plugin or one specific plugin, and each plugin runtime holds its
// own Subscription with a bounded buffer. A subscriber that falls behind
// does not block the publisher (tokio::sync::broadcast's behavior); instead
// it is handed a ReloadSearchIndex hint so it can resynchronize instead of
// replaying an exact history it may have partially missed.
package commandbus

import (
	"context"
	"errors"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

// DefaultCapacity is the default per-subscriber buffer size.
const DefaultCapacity = 100

// ErrClosed is returned by Publish and Subscribe once the bus has been
// closed.
var ErrClosed = errors.New("commandbus: bus closed")

// Bus fans Commands out to every interested plugin runtime.
type Bus interface {
	// Publish delivers cmd to every subscription whose plugin AppliesTo(cmd)
	// accepts. Publish never blocks on a slow subscriber.
	Publish(ctx context.Context, cmd pluginmodel.Command) error

	// Subscribe registers a new listener for the given plugin id. The
	// caller must call Subscription.Unsubscribe when the plugin runtime
	// exits.
	Subscribe(plugin pluginmodel.PluginID) (Subscription, error)

	// Close shuts the bus down; all subscriptions' channels are closed.
	Close() error
}

// Subscription is one plugin runtime's view of the Command Bus.
type Subscription interface {
	// Commands yields Commands addressed to this subscription's plugin, in
	// publish order, subject to the lag/drop behavior described above.
	Commands() <-chan pluginmodel.Command

	// Unsubscribe removes this subscription from the bus. Safe to call
	// more than once.
	Unsubscribe()
}
