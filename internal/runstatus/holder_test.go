// Copyright 2025 James Ross
package runstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

func TestStartBlock_RejectsSecondConcurrentStart(t *testing.T) {
	h := New()

	guard, ok := h.StartBlock("plugin-a")
	require.True(t, ok)
	assert.True(t, h.IsRunning("plugin-a"))

	_, ok = h.StartBlock("plugin-a")
	assert.False(t, ok, "a second concurrent start for the same plugin must be rejected")

	guard.Close()
	assert.False(t, h.IsRunning("plugin-a"))
}

func TestGuardClose_AllowsRestart(t *testing.T) {
	h := New()

	guard, ok := h.StartBlock("plugin-a")
	require.True(t, ok)
	guard.Close()

	_, ok = h.StartBlock("plugin-a")
	assert.True(t, ok)
}

func TestGuardClose_Idempotent(t *testing.T) {
	h := New()
	guard, ok := h.StartBlock("plugin-a")
	require.True(t, ok)

	guard.Close()
	guard.Close() // must not panic or double-decrement

	_, ok = h.StartBlock("plugin-a")
	assert.True(t, ok)
}

func TestRunningIDs_Snapshot(t *testing.T) {
	h := New()
	g1, _ := h.StartBlock("plugin-a")
	g2, _ := h.StartBlock("plugin-b")
	defer g1.Close()
	defer g2.Close()

	ids := h.RunningIDs()
	assert.ElementsMatch(t, []pluginmodel.PluginID{"plugin-a", "plugin-b"}, ids)
}
