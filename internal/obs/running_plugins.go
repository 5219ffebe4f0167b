// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"
)

// StartRunningPluginsUpdater samples the count of currently-running plugins
// on a fixed interval and publishes it to the PluginsRunning gauge.
// count is typically pluginmanager.Manager's own running-count accessor.
func StartRunningPluginsUpdater(ctx context.Context, interval time.Duration, count func() int) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				PluginsRunning.Set(float64(count()))
			}
		}
	}()
}
