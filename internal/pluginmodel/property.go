// Copyright 2025 James Ross
package pluginmodel

// PropertyKind tags the variant held by a PropertyValue.
type PropertyKind string

const (
	PropertyFunction PropertyKind = "function"
	PropertyString   PropertyKind = "string"
	PropertyNumber   PropertyKind = "number"
	PropertyBool     PropertyKind = "bool"
)

// PropertyValue is the tagged union carried by CreateInstance/SetProperties
// property maps. Function values never leave the plugin process; they are
// lowered into an EventHandlerTable entry and replaced on the wire by a
// marker carrying only the event name.
type PropertyValue struct {
	Kind       PropertyKind
	Str        string
	Num        float64
	Bool       bool
	EventName  string // set when Kind == PropertyFunction
}

func StringProp(v string) PropertyValue  { return PropertyValue{Kind: PropertyString, Str: v} }
func NumberProp(v float64) PropertyValue { return PropertyValue{Kind: PropertyNumber, Num: v} }
func BoolProp(v bool) PropertyValue      { return PropertyValue{Kind: PropertyBool, Bool: v} }
func FunctionProp(eventName string) PropertyValue {
	return PropertyValue{Kind: PropertyFunction, EventName: eventName}
}

// IsFunction reports whether this value is a callable reference.
func (p PropertyValue) IsFunction() bool { return p.Kind == PropertyFunction }

// PropertySet is the map of property name -> value the script passes to a
// host operation. The "children" key is never meaningful here; topology is
// expressed only through append/insert/remove/replace.
type PropertySet map[string]PropertyValue

// WithoutChildren returns a copy of the set with the "children" key removed,
// matching the sender-side filtering required by the reconciler protocol.
func (p PropertySet) WithoutChildren() PropertySet {
	out := make(PropertySet, len(p))
	for k, v := range p {
		if k == "children" {
			continue
		}
		out[k] = v
	}
	return out
}
