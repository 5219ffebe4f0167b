// Copyright 2025 James Ross
package reqchan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceive_FIFO(t *testing.T) {
	ch := New[string, int](4)
	ctx := context.Background()

	go func() {
		pair, ok := ch.Receive(ctx)
		require.True(t, ok)
		assert.Equal(t, "first", pair.Request)
		require.NoError(t, pair.Slot.Fulfill(1, nil))

		pair, ok = ch.Receive(ctx)
		require.True(t, ok)
		assert.Equal(t, "second", pair.Request)
		require.NoError(t, pair.Slot.Fulfill(2, nil))
	}()

	v1, err := ch.SendReceive(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := ch.SendReceive(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
}

func TestSend_FireAndForget(t *testing.T) {
	ch := New[string, int](1)
	ctx := context.Background()

	require.NoError(t, ch.Send(ctx, "noop"))

	pair, ok := ch.Receive(ctx)
	require.True(t, ok)
	assert.Equal(t, "noop", pair.Request)
	assert.Nil(t, pair.Slot)
}

func TestFulfillTwice(t *testing.T) {
	slot := newSlot[int]()
	require.NoError(t, slot.Fulfill(1, nil))
	assert.ErrorIs(t, slot.Fulfill(2, nil), ErrAlreadyFulfilled)
}

func TestClose_UnblocksSendReceive(t *testing.T) {
	ch := New[string, int](1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := ch.SendReceive(ctx, "orphan")
		done <- err
	}()

	// drain the pair so SendReceive's first select completes, then close
	// before the consumer fulfils the slot.
	_, ok := ch.Receive(ctx)
	require.True(t, ok)
	ch.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("SendReceive did not unblock after Close")
	}
}

func TestSendReceive_ContextCancel(t *testing.T) {
	ch := New[string, int](0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.SendReceive(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
