// Copyright 2025 James Ross
package pluginmanager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gauntlet-run/plugin-core/internal/commandbus"
	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
	"github.com/gauntlet-run/plugin-core/internal/repository"
	"github.com/gauntlet-run/plugin-core/internal/searchindex"
	"github.com/gauntlet-run/plugin-core/internal/uibridge"
)

type fakeUI struct{}

func (fakeUI) Dispatch(ctx context.Context, plugin pluginmodel.PluginID, req pluginmodel.UiRequest) (pluginmodel.UiResponse, error) {
	return pluginmodel.UiResponse{Kind: req.ExpectedResponseKind(), Widget: 1}, nil
}

func newTestManager(t *testing.T) (*Manager, *repository.Store) {
	t.Helper()
	store, err := repository.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	index := searchindex.New(client)

	bus := commandbus.NewLocal(0, nil)
	t.Cleanup(func() { bus.Close() })

	events := make(chan uibridge.PluginEvent)
	m := New(store, bus, index, fakeUI{}, events, nil, zaptest.NewLogger(t))
	return m, store
}

func samplePlugin(id string) pluginmodel.WritePlugin {
	return pluginmodel.WritePlugin{
		Plugin: pluginmodel.PluginRecord{
			ID:      pluginmodel.PluginID(id),
			Name:    "Sample",
			Enabled: true,
			Code:    pluginmodel.PluginCode{"main": `export default function() { return 1; }`},
		},
		Entrypoints: []pluginmodel.Entrypoint{
			{ID: "main", Name: "Main", Kind: pluginmodel.EntrypointCommand, Enabled: true},
		},
	}
}

func TestReloadAllPlugins_IndexesEnabledEntrypoints(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlugin(ctx, samplePlugin("plugin-a")))

	require.NoError(t, m.ReloadAllPlugins(ctx))

	results, err := m.index.Search(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, pluginmodel.PluginID("plugin-a"), results[0].Plugin)
}

func TestSetPluginState_DisablingRemovesFromSearchIndex(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlugin(ctx, samplePlugin("plugin-a")))
	require.NoError(t, m.ReloadAllPlugins(ctx))

	require.NoError(t, m.SetPluginState(ctx, "plugin-a", false))

	results, err := m.index.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, results, 0)

	rec, err := store.LoadPlugin(ctx, "plugin-a")
	require.NoError(t, err)
	assert.False(t, rec.Enabled)
}

func TestSetPreferenceValue_UpdatesInMemoryAndPersisted(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlugin(ctx, samplePlugin("plugin-a")))
	require.NoError(t, m.ReloadAllPlugins(ctx))

	require.NoError(t, m.SetPreferenceValue(ctx, "plugin-a", "", "theme", pluginmodel.PreferenceValue{
		Kind: pluginmodel.PreferenceString, String: "dark",
	}))

	m.mu.Lock()
	got := m.plugins["plugin-a"].PreferenceValues["theme"].String
	m.mu.Unlock()
	assert.Equal(t, "dark", got)

	rec, err := store.LoadPlugin(ctx, "plugin-a")
	require.NoError(t, err)
	assert.Equal(t, "dark", rec.PreferenceValues["theme"].String)
}

func TestRemovePlugin_DeletesEverything(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlugin(ctx, samplePlugin("plugin-a")))
	require.NoError(t, m.ReloadAllPlugins(ctx))

	require.NoError(t, m.RemovePlugin(ctx, "plugin-a"))

	rec, err := store.LoadPlugin(ctx, "plugin-a")
	require.NoError(t, err)
	assert.Nil(t, rec)

	results, err := m.index.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, results, 0)
}

func TestHandleRunCommand_StartsHostAndReturnsExportValue(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlugin(ctx, samplePlugin("plugin-a")))
	require.NoError(t, m.ReloadAllPlugins(ctx))

	raw, err := m.HandleRunCommand(ctx, "plugin-a", "main", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))

	m.stopPlugin("plugin-a")
}

func TestStartPlugin_RejectsSecondConcurrentStart(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlugin(ctx, samplePlugin("plugin-a")))
	require.NoError(t, m.ReloadAllPlugins(ctx))

	require.NoError(t, m.HandleRenderView(ctx, "plugin-a", "main"))
	time.Sleep(20 * time.Millisecond)

	err := m.startPlugin(ctx, "plugin-a", "main")
	assert.Error(t, err)

	m.stopPlugin("plugin-a")
}

func TestActionShortcuts_ReturnsDeclaredShortcuts(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	write := samplePlugin("plugin-a")
	write.Entrypoints[0].ActionShortcuts = []pluginmodel.ActionShortcut{{ID: "s1", Key: "cmd+k", Kind: "main"}}
	require.NoError(t, store.SavePlugin(ctx, write))
	require.NoError(t, m.ReloadAllPlugins(ctx))

	shortcuts := m.ActionShortcuts("plugin-a", "main")
	require.Len(t, shortcuts, 1)
	assert.Equal(t, "cmd+k", shortcuts[0].Key)
}
