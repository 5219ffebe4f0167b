// Copyright 2025 James Ross
package pluginmodel

import "fmt"

// PluginID uniquely identifies a plugin across restarts.
type PluginID string

// EntrypointID is unique within a single plugin.
type EntrypointID string

// WidgetID is allocated by the UI process and is only meaningful for the
// lifetime of one plugin's current view.
type WidgetID uint32

// EntrypointKind enumerates the entrypoint flavors a plugin may expose.
type EntrypointKind string

const (
	EntrypointCommand          EntrypointKind = "command"
	EntrypointView             EntrypointKind = "view"
	EntrypointInlineView       EntrypointKind = "inline-view"
	EntrypointCommandGenerator EntrypointKind = "command-generator"
)

func (p PluginID) String() string { return string(p) }
func (e EntrypointID) String() string { return string(e) }

// Key pairs a plugin and entrypoint for map keys and log fields.
type Key struct {
	Plugin     PluginID
	Entrypoint EntrypointID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Plugin, k.Entrypoint)
}
