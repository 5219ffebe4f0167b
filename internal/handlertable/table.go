// Copyright 2025 James Ross

// Package handlertable implements the per-plugin event handler table
// described in spec.md §4.6: function-typed properties are replaced on the
// wire by an event-name marker, and the script-side VM keeps the real
// callback indexed by (widget, event name) so a later view_event or
// keyboard_event can be dispatched back into the script.
package handlertable

import "sync"

// HandlerRef is an opaque token identifying a registered script callback.
// scripthost is the only package that assigns meaning to it: the quickjs
// binding this host embeds only round-trips primitive argument/return
// types across the Go/JS boundary, so the ref it stores is the wire-level
// event-name token plugin_core.js already mints for the callable, not the
// closure itself (that stays script-side). The table's job is to be the
// single source of truth for whether a (widget, event) binding is still
// live, not to hold the callable in-process.
type HandlerRef any

type key struct {
	widget uint32
	event  string
}

// Table is a thread-safe registry of (widget, event name) -> callback.
// Safe for concurrent use; the scripthost event loop and the UI bridge's
// event dispatch may run on different goroutines.
type Table struct {
	mu       sync.RWMutex
	handlers map[key]HandlerRef
}

// New returns an empty Table.
func New() *Table {
	return &Table{handlers: make(map[key]HandlerRef)}
}

// Add registers or replaces the handler for (widget, eventName).
func (t *Table) Add(widget uint32, eventName string, ref HandlerRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[key{widget, eventName}] = ref
}

// Lookup returns the handler registered for (widget, eventName), if any.
func (t *Table) Lookup(widget uint32, eventName string) (HandlerRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.handlers[key{widget, eventName}]
	return ref, ok
}

// Remove deletes the handler registered for (widget, eventName), if any.
// Used when a SetProperties call overwrites a property with a non-function
// value: the previous binding must not answer a Lookup for an event the
// script no longer listens for.
func (t *Table) Remove(widget uint32, eventName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, key{widget, eventName})
}

// ClearWidget removes every handler registered against widget, called when
// the UI process reports the widget destroyed (spec.md §4.6 lifecycle note:
// stale handlers must not leak across a widget's reuse by a later render).
func (t *Table) ClearWidget(widget uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.handlers {
		if k.widget == widget {
			delete(t.handlers, k)
		}
	}
}

// Clear removes every registered handler, called when a view is torn down
// and its widget ids are about to be reused by the next render.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = make(map[key]HandlerRef)
}

// Len reports the number of registered handlers, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
