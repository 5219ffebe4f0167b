// Copyright 2025 James Ross
package commandbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

func stopCmd() pluginmodel.Command {
	return pluginmodel.AllCommand(pluginmodel.CommandData{Kind: pluginmodel.CmdStop})
}

func TestLocalBus_BroadcastReachesEverySubscriber(t *testing.T) {
	bus := NewLocal(4, nil)
	defer bus.Close()

	subA, err := bus.Subscribe("plugin-a")
	require.NoError(t, err)
	subB, err := bus.Subscribe("plugin-b")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), stopCmd()))

	assertReceives(t, subA.Commands(), pluginmodel.CmdStop)
	assertReceives(t, subB.Commands(), pluginmodel.CmdStop)
}

func TestLocalBus_OneAddressingOnlyReachesTarget(t *testing.T) {
	bus := NewLocal(4, nil)
	defer bus.Close()

	subA, err := bus.Subscribe("plugin-a")
	require.NoError(t, err)
	subB, err := bus.Subscribe("plugin-b")
	require.NoError(t, err)

	cmd := pluginmodel.OneCommand("plugin-a", pluginmodel.CommandData{Kind: pluginmodel.CmdRunCommand})
	require.NoError(t, bus.Publish(context.Background(), cmd))

	assertReceives(t, subA.Commands(), pluginmodel.CmdRunCommand)

	select {
	case c := <-subB.Commands():
		t.Fatalf("plugin-b should not have received a One-addressed command for plugin-a, got %v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus_LaggingSubscriberGetsReloadHintThenDropsOldest(t *testing.T) {
	bus := NewLocal(2, nil)
	defer bus.Close()

	sub, err := bus.Subscribe("plugin-a")
	require.NoError(t, err)

	// fill the 2-slot buffer, then overflow it.
	first := pluginmodel.OneCommand("plugin-a", pluginmodel.CommandData{Kind: pluginmodel.CmdRunCommand, EntrypointID: "e1"})
	second := pluginmodel.OneCommand("plugin-a", pluginmodel.CommandData{Kind: pluginmodel.CmdRunCommand, EntrypointID: "e2"})
	third := pluginmodel.OneCommand("plugin-a", pluginmodel.CommandData{Kind: pluginmodel.CmdRunCommand, EntrypointID: "e3"})

	require.NoError(t, bus.Publish(context.Background(), first))
	require.NoError(t, bus.Publish(context.Background(), second)) // buffer now full
	require.NoError(t, bus.Publish(context.Background(), third))  // overflow: drops "first", marks lagged

	// the buffer now holds "second" and "third"; lag was recorded but the
	// reload hint only gets a chance to lead once a publish finds room.
	assertReceives(t, sub.Commands(), pluginmodel.CmdRunCommand)

	fourth := pluginmodel.OneCommand("plugin-a", pluginmodel.CommandData{Kind: pluginmodel.CmdRunCommand, EntrypointID: "e4"})
	require.NoError(t, bus.Publish(context.Background(), fourth))
	assertReceives(t, sub.Commands(), pluginmodel.CmdReloadSearchIndex)
	assertReceives(t, sub.Commands(), pluginmodel.CmdRunCommand)
}

func TestLocalBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocal(4, nil)
	defer bus.Close()

	sub, err := bus.Subscribe("plugin-a")
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), stopCmd()))

	_, ok := <-sub.Commands()
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestLocalBus_PublishAfterCloseErrors(t *testing.T) {
	bus := NewLocal(4, nil)
	bus.Close()

	err := bus.Publish(context.Background(), stopCmd())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = bus.Subscribe("plugin-a")
	assert.ErrorIs(t, err, ErrClosed)
}

func assertReceives(t *testing.T, ch <-chan pluginmodel.Command, want pluginmodel.CommandDataKind) {
	t.Helper()
	select {
	case cmd := <-ch:
		assert.Equal(t, want, cmd.Data.Kind)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for command %s", want)
	}
}
