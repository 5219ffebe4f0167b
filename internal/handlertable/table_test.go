// Copyright 2025 James Ross
package handlertable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndLookup(t *testing.T) {
	tbl := New()
	tbl.Add(1, "onClick", "ref-a")

	ref, ok := tbl.Lookup(1, "onClick")
	assert.True(t, ok)
	assert.Equal(t, "ref-a", ref)

	_, ok = tbl.Lookup(1, "onHover")
	assert.False(t, ok)
}

func TestAdd_ReplacesExisting(t *testing.T) {
	tbl := New()
	tbl.Add(1, "onClick", "ref-a")
	tbl.Add(1, "onClick", "ref-b")

	ref, ok := tbl.Lookup(1, "onClick")
	assert.True(t, ok)
	assert.Equal(t, "ref-b", ref)
	assert.Equal(t, 1, tbl.Len())
}

func TestRemove_DeletesOneBinding(t *testing.T) {
	tbl := New()
	tbl.Add(1, "onClick", "ref-a")
	tbl.Add(1, "onHover", "ref-b")

	tbl.Remove(1, "onClick")

	_, ok := tbl.Lookup(1, "onClick")
	assert.False(t, ok)
	_, ok = tbl.Lookup(1, "onHover")
	assert.True(t, ok)
}

func TestClear_RemovesEverything(t *testing.T) {
	tbl := New()
	tbl.Add(1, "onClick", "ref-a")
	tbl.Add(2, "onHover", "ref-b")

	tbl.Clear()

	assert.Equal(t, 0, tbl.Len())
}

func TestClearWidget_RemovesOnlyThatWidget(t *testing.T) {
	tbl := New()
	tbl.Add(1, "onClick", "ref-a")
	tbl.Add(1, "onHover", "ref-b")
	tbl.Add(2, "onClick", "ref-c")

	tbl.ClearWidget(1)

	assert.Equal(t, 1, tbl.Len())
	_, ok := tbl.Lookup(2, "onClick")
	assert.True(t, ok)
	_, ok = tbl.Lookup(1, "onClick")
	assert.False(t, ok)
}
