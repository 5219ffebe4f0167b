// Copyright 2025 James Ross
package pluginmodel

// UiRequestKind tags the variant of a plugin -> UI request.
type UiRequestKind string

const (
	ReqGetContainer             UiRequestKind = "get_container"
	ReqCreateInstance           UiRequestKind = "create_instance"
	ReqCreateTextInstance       UiRequestKind = "create_text_instance"
	ReqCloneInstance            UiRequestKind = "clone_instance"
	ReqAppendChild              UiRequestKind = "append_child"
	ReqRemoveChild              UiRequestKind = "remove_child"
	ReqInsertBefore             UiRequestKind = "insert_before"
	ReqReplaceContainerChildren UiRequestKind = "replace_container_children"
	ReqSetProperties            UiRequestKind = "set_properties"
	ReqSetText                  UiRequestKind = "set_text"
)

// UiRequest is one operation a plugin sends to the UI process.
type UiRequest struct {
	Kind UiRequestKind

	WidgetType string        // CreateInstance
	Properties PropertySet   // CreateInstance / SetProperties
	Text       string        // CreateTextInstance / SetText
	Widget     WidgetID      // SetProperties / SetText / CloneInstance (the source widget; no type or properties are sent)
	Parent     WidgetID      // AppendChild / RemoveChild / InsertBefore
	Child      WidgetID      // AppendChild / RemoveChild / InsertBefore
	BeforeChild WidgetID     // InsertBefore
	Container  WidgetID      // ReplaceContainerChildren
	NewChildren []WidgetID   // ReplaceContainerChildren
}

// UiResponseKind tags the variant of a UI -> plugin reply.
type UiResponseKind string

const (
	RespGetContainer       UiResponseKind = "get_container"
	RespCreateInstance     UiResponseKind = "create_instance"
	RespCreateTextInstance UiResponseKind = "create_text_instance"
	RespCloneInstance      UiResponseKind = "clone_instance"
	RespUnit               UiResponseKind = "unit"
)

// UiResponse is the reply the UI process sends for one UiRequest.
type UiResponse struct {
	Kind   UiResponseKind
	Widget WidgetID // meaningful for every Kind except RespUnit
}

// ExpectedResponseKind returns the UiResponseKind this request is answered
// with. The host does not compare actual replies against it: a reply of
// another kind is used as it arrives.
func (r UiRequest) ExpectedResponseKind() UiResponseKind {
	switch r.Kind {
	case ReqGetContainer:
		return RespGetContainer
	case ReqCreateInstance:
		return RespCreateInstance
	case ReqCreateTextInstance:
		return RespCreateTextInstance
	case ReqCloneInstance:
		return RespCloneInstance
	default:
		return RespUnit
	}
}

// IsFireAndForget reports whether this request expects no meaningful reply
// value beyond acknowledgement (send, not send_receive).
func (r UiRequest) IsFireAndForget() bool {
	switch r.Kind {
	case ReqAppendChild, ReqRemoveChild, ReqInsertBefore, ReqReplaceContainerChildren,
		ReqSetProperties, ReqSetText:
		return true
	default:
		return false
	}
}

// UiEventKind tags the variant of a UI -> plugin signal.
type UiEventKind string

const (
	EventViewCreated   UiEventKind = "view_created"
	EventViewDestroyed UiEventKind = "view_destroyed"
	EventViewEvent     UiEventKind = "view_event"
	EventKeyboard      UiEventKind = "keyboard_event"
)

// UiEvent is a one-way signal the UI process emits toward a plugin.
type UiEvent struct {
	Kind UiEventKind

	ViewName     string       // ViewCreated
	WidgetID     WidgetID     // ViewEvent
	EventName    string       // ViewEvent
	Arguments    []PropertyValue // ViewEvent
	EntrypointID EntrypointID // KeyboardEvent
	Key          string       // KeyboardEvent
	Modifiers    []string     // KeyboardEvent
}
