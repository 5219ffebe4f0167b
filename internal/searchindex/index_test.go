// Copyright 2025 James Ross
package searchindex

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestIndexEntrypoint_IsIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	entry := Entry{Plugin: "plugin-a", Entrypoint: "search", Label: "Search Files"}

	require.NoError(t, idx.IndexEntrypoint(ctx, entry))
	require.NoError(t, idx.RecordUse(ctx, entry))
	require.NoError(t, idx.IndexEntrypoint(ctx, entry)) // must not reset the frecency score

	results, err := idx.Search(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSearch_EmptyTextReturnsAllOrderedByFrecency(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	low := Entry{Plugin: "plugin-a", Entrypoint: "one", Label: "Open Terminal"}
	high := Entry{Plugin: "plugin-a", Entrypoint: "two", Label: "Search Files"}
	require.NoError(t, idx.IndexEntrypoint(ctx, low))
	require.NoError(t, idx.IndexEntrypoint(ctx, high))
	require.NoError(t, idx.RecordUse(ctx, high))
	require.NoError(t, idx.RecordUse(ctx, high))

	results, err := idx.Search(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, high.Entrypoint, results[0].Entrypoint)
	require.Equal(t, low.Entrypoint, results[1].Entrypoint)
}

func TestSearch_FuzzyMatchesLabel(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.IndexEntrypoint(ctx, Entry{Plugin: "plugin-a", Entrypoint: "one", Label: "Search Files"}))
	require.NoError(t, idx.IndexEntrypoint(ctx, Entry{Plugin: "plugin-a", Entrypoint: "two", Label: "Toggle Theme"}))

	results, err := idx.Search(ctx, "srch fls")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, pluginmodel.EntrypointID("one"), results[0].Entrypoint)
}

func TestRemoveForPlugin_RemovesOnlyThatPluginsEntries(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.IndexEntrypoint(ctx, Entry{Plugin: "plugin-a", Entrypoint: "one", Label: "A One"}))
	require.NoError(t, idx.IndexEntrypoint(ctx, Entry{Plugin: "plugin-b", Entrypoint: "one", Label: "B One"}))

	require.NoError(t, idx.RemoveForPlugin(ctx, "plugin-a"))

	results, err := idx.Search(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, pluginmodel.PluginID("plugin-b"), results[0].Plugin)
}
