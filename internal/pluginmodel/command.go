// Copyright 2025 James Ross
package pluginmodel

// CommandDataKind tags the variant carried by a Command's payload.
type CommandDataKind string

const (
	CmdOpenInlineView       CommandDataKind = "open_inline_view"
	CmdRunCommand           CommandDataKind = "run_command"
	CmdRunGeneratedCommand  CommandDataKind = "run_generated_command"
	CmdRenderView           CommandDataKind = "render_view"
	CmdCloseView            CommandDataKind = "close_view"
	CmdHandleViewEvent      CommandDataKind = "handle_view_event"
	CmdHandleKeyboardEvent  CommandDataKind = "handle_keyboard_event"
	CmdReloadSearchIndex    CommandDataKind = "reload_search_index"
	CmdStop                 CommandDataKind = "stop"
)

// CommandData is the payload multiplexed over the Command Bus.
type CommandData struct {
	Kind CommandDataKind

	// CmdOpenInlineView
	Text string

	// CmdRunCommand / CmdRunGeneratedCommand / CmdRenderView
	EntrypointID EntrypointID

	// CmdHandleViewEvent
	WidgetID  WidgetID
	EventName string
	Arguments []PropertyValue

	// CmdHandleKeyboardEvent
	Key       string
	Modifiers []string
}

// Addressing selects which plugins should observe a Command.
type Addressing string

const (
	AddressAll Addressing = "all"
	AddressOne Addressing = "one"
)

// Command is the unit broadcast from the Application Manager to plugin
// runtimes. Addressed as All (every running plugin) or One (a single
// plugin, identified by PluginID).
type Command struct {
	Addressing Addressing
	PluginID   PluginID // only meaningful when Addressing == AddressOne
	Data       CommandData
}

// AppliesTo reports whether this command should be observed by id.
func (c Command) AppliesTo(id PluginID) bool {
	return c.Addressing == AddressAll || c.PluginID == id
}

func AllCommand(data CommandData) Command {
	return Command{Addressing: AddressAll, Data: data}
}

func OneCommand(id PluginID, data CommandData) Command {
	return Command{Addressing: AddressOne, PluginID: id, Data: data}
}
