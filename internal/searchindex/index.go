// Copyright 2025 James Ross

// Package searchindex is the root-search index behind create_handle().search
// (spec.md §4.11): a Redis sorted set of frecency scores per entrypoint,
// narrowed on each keystroke by fuzzy text matching over the surviving
// candidates.
package searchindex

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/redis/go-redis/v9"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

const (
	frecencyKey = "gauntlet:searchindex:frecency"
	labelsKey   = "gauntlet:searchindex:labels"
)

// Entry is one searchable row: an entrypoint plus the label shown to (and
// matched against) the user. Label is only required on IndexEntrypoint;
// RecordUse and RemoveForPlugin only need Plugin/Entrypoint to identify it.
type Entry struct {
	Plugin     pluginmodel.PluginID
	Entrypoint pluginmodel.EntrypointID
	Label      string
}

func (e Entry) key() string {
	return string(e.Plugin) + "\x1f" + string(e.Entrypoint)
}

func parseKey(key string) (pluginmodel.PluginID, pluginmodel.EntrypointID, bool) {
	parts := strings.SplitN(key, "\x1f", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return pluginmodel.PluginID(parts[0]), pluginmodel.EntrypointID(parts[1]), true
}

// Index is a Redis-backed frecency index over every enabled entrypoint.
type Index struct {
	client *redis.Client
}

// New wraps an already-configured redis client.
func New(client *redis.Client) *Index {
	return &Index{client: client}
}

// IndexEntrypoint adds or refreshes an entry with no frecency boost,
// leaving its existing score untouched if it already has one, but always
// refreshing the stored label (a plugin may rename an entrypoint across
// reloads).
func (idx *Index) IndexEntrypoint(ctx context.Context, entry Entry) error {
	key := entry.key()
	if err := idx.client.HSet(ctx, labelsKey, key, entry.Label).Err(); err != nil {
		return fmt.Errorf("searchindex: set label for %s: %w", key, err)
	}

	_, err := idx.client.ZScore(ctx, frecencyKey, key).Result()
	if err == nil {
		return nil
	}
	if err != redis.Nil {
		return fmt.Errorf("searchindex: check existing score for %s: %w", key, err)
	}
	if err := idx.client.ZAdd(ctx, frecencyKey, redis.Z{Score: 0, Member: key}).Err(); err != nil {
		return fmt.Errorf("searchindex: index entrypoint %s: %w", key, err)
	}
	return nil
}

// RecordUse bumps an entry's frecency score, called each time a user
// actually invokes the entrypoint, so future searches rank it higher.
func (idx *Index) RecordUse(ctx context.Context, entry Entry) error {
	if err := idx.client.ZIncrBy(ctx, frecencyKey, 1, entry.key()).Err(); err != nil {
		return fmt.Errorf("searchindex: record use of %s: %w", entry.key(), err)
	}
	return nil
}

// RemoveForPlugin deletes every indexed entry belonging to a plugin, called
// when a plugin is removed or disabled.
func (idx *Index) RemoveForPlugin(ctx context.Context, plugin pluginmodel.PluginID) error {
	members, err := idx.client.ZRange(ctx, frecencyKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("searchindex: list entries for removal: %w", err)
	}
	var toRemove []string
	for _, key := range members {
		p, _, ok := parseKey(key)
		if ok && p == plugin {
			toRemove = append(toRemove, key)
		}
	}
	if len(toRemove) == 0 {
		return nil
	}
	if err := idx.client.ZRem(ctx, frecencyKey, toRemove).Err(); err != nil {
		return fmt.Errorf("searchindex: remove entries for plugin %s: %w", plugin, err)
	}
	if err := idx.client.HDel(ctx, labelsKey, toRemove...).Err(); err != nil {
		return fmt.Errorf("searchindex: remove labels for plugin %s: %w", plugin, err)
	}
	return nil
}

// Search returns every indexed entry whose label fuzzy-matches text,
// ranked first by fuzzy match quality and ties broken by frecency score,
// highest first. An empty text returns every entry ordered by frecency
// alone, matching the root search view's default listing.
func (idx *Index) Search(ctx context.Context, text string) ([]Entry, error) {
	raw, err := idx.client.ZRevRangeWithScores(ctx, frecencyKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("searchindex: list entries: %w", err)
	}

	keys := make([]string, 0, len(raw))
	scores := make(map[string]float64, len(raw))
	for _, z := range raw {
		key, ok := z.Member.(string)
		if !ok {
			continue
		}
		keys = append(keys, key)
		scores[key] = z.Score
	}

	var labels []interface{}
	if len(keys) > 0 {
		labels, err = idx.client.HMGet(ctx, labelsKey, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("searchindex: load labels: %w", err)
		}
	}

	entries := make([]Entry, 0, len(keys))
	for i, key := range keys {
		plugin, entrypoint, ok := parseKey(key)
		if !ok {
			continue
		}
		label, _ := labels[i].(string)
		entries = append(entries, Entry{Plugin: plugin, Entrypoint: entrypoint, Label: label})
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return entries, nil
	}

	labelTexts := make([]string, len(entries))
	for i, e := range entries {
		labelTexts[i] = e.Label
	}
	ranks := fuzzy.RankFindNormalizedFold(text, labelTexts)
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Distance != ranks[j].Distance {
			return ranks[i].Distance < ranks[j].Distance
		}
		si := scores[entries[ranks[i].OriginalIndex].key()]
		sj := scores[entries[ranks[j].OriginalIndex].key()]
		return si > sj
	})

	matched := make([]Entry, 0, len(ranks))
	for _, r := range ranks {
		matched = append(matched, entries[r.OriginalIndex])
	}
	return matched, nil
}
