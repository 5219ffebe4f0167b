// Copyright 2025 James Ross
package pluginmodel

import "github.com/google/uuid"

// PluginCode maps an entrypoint name to its script source text.
type PluginCode map[string]string

// Entrypoint describes one named execution hook of a plugin.
type Entrypoint struct {
	ID      EntrypointID
	Name    string
	Kind    EntrypointKind
	Enabled bool

	PreferenceSchema []PreferenceSchema
	PreferenceValues map[string]PreferenceValue

	ActionShortcuts []ActionShortcut
}

// ActionShortcut binds a keyboard shortcut to an entrypoint action. User
// overrides take precedence over the plugin's declared defaults on the
// Key and Kind fields only.
type ActionShortcut struct {
	ID   string
	Key  string
	Kind string // e.g. "main" or "alternate"
}

// MergeShortcuts merges declared shortcuts with user overrides; an override
// replaces the Key/Kind of the matching declared shortcut (matched by ID)
// and any override with no matching declared shortcut is appended verbatim.
func MergeShortcuts(declared, overrides []ActionShortcut) []ActionShortcut {
	byID := make(map[string]ActionShortcut, len(declared))
	order := make([]string, 0, len(declared))
	for _, s := range declared {
		byID[s.ID] = s
		order = append(order, s.ID)
	}
	for _, o := range overrides {
		if base, ok := byID[o.ID]; ok {
			base.Key = o.Key
			base.Kind = o.Kind
			byID[o.ID] = base
			continue
		}
		byID[o.ID] = o
		order = append(order, o.ID)
	}
	merged := make([]ActionShortcut, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}

// PreferenceValueKind tags the variant held by a PreferenceValue.
type PreferenceValueKind string

const (
	PreferenceNumber        PreferenceValueKind = "number"
	PreferenceString        PreferenceValueKind = "string"
	PreferenceEnum          PreferenceValueKind = "enum"
	PreferenceBool          PreferenceValueKind = "bool"
	PreferenceListOfStrings PreferenceValueKind = "list_of_strings"
	PreferenceListOfNumbers PreferenceValueKind = "list_of_numbers"
	PreferenceListOfEnums   PreferenceValueKind = "list_of_enums"
)

// PreferenceValue is the tagged union of preference values persisted in a
// PluginRecord or Entrypoint.
type PreferenceValue struct {
	Kind       PreferenceValueKind
	Number     float64
	String     string
	Bool       bool
	ListString []string
	ListNumber []float64
}

// PreferenceSchema declares a preference a plugin or entrypoint accepts.
type PreferenceSchema struct {
	Name        string
	Kind        PreferenceValueKind
	Description string
	Default     PreferenceValue
	EnumOptions []string // valid only for Enum / ListOfEnums kinds
}

// PluginRecord is the persisted, read-only-to-the-core view of a plugin.
type PluginRecord struct {
	ID          PluginID
	UUID        uuid.UUID
	Name        string
	Description string
	Enabled     bool
	Code        PluginCode
	Permissions Permissions
	Entrypoints []Entrypoint

	PreferenceSchema []PreferenceSchema
	PreferenceValues map[string]PreferenceValue
}

// WritePlugin is the payload passed to the repository's save_plugin
// operation: a plugin and the entrypoints it declares, inserted atomically.
type WritePlugin struct {
	Plugin      PluginRecord
	Entrypoints []Entrypoint
}
