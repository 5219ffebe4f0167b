// Copyright 2025 James Ross
package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestEventFilter_Matches(t *testing.T) {
	filter := EventFilter{Events: []EventType{EventPluginCrashed}, Plugins: []string{"notes"}}

	assert.True(t, filter.Matches(LifecycleEvent{Event: EventPluginCrashed, Plugin: "notes"}))
	assert.False(t, filter.Matches(LifecycleEvent{Event: EventPluginCrashed, Plugin: "timer"}))
	assert.False(t, filter.Matches(LifecycleEvent{Event: EventPluginStarted, Plugin: "notes"}))
}

func TestEventFilter_WildcardPlugin(t *testing.T) {
	filter := EventFilter{Plugins: []string{"*"}}
	assert.True(t, filter.Matches(LifecycleEvent{Event: EventPluginStarted, Plugin: "anything"}))
}

func TestConfigManager_CreateListDelete(t *testing.T) {
	cm := NewConfigManager(testRedis(t), zap.NewNop())
	ctx := context.Background()

	sub, err := cm.CreateWebhookSubscription(ctx, CreateWebhookRequest{
		Name:    "notify-slack",
		URL:     "https://hooks.example.com/slack",
		Events:  []EventType{EventPluginCrashed},
		Plugins: []string{"*"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, 5, sub.MaxRetries)

	list, err := cm.ListWebhookSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, cm.DeleteWebhookSubscription(ctx, sub.ID))
	list, err = cm.ListWebhookSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConfigManager_RejectsDuplicateName(t *testing.T) {
	cm := NewConfigManager(testRedis(t), zap.NewNop())
	ctx := context.Background()
	req := CreateWebhookRequest{Name: "dup", URL: "https://example.com", Events: []EventType{EventPluginStarted}}

	_, err := cm.CreateWebhookSubscription(ctx, req)
	require.NoError(t, err)

	_, err = cm.CreateWebhookSubscription(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
}

func TestConfigManager_RejectsInvalidURL(t *testing.T) {
	cm := NewConfigManager(testRedis(t), zap.NewNop())
	_, err := cm.CreateWebhookSubscription(context.Background(), CreateWebhookRequest{
		Name: "bad-url", URL: "not-a-url", Events: []EventType{EventPluginStarted},
	})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestWebhookSubscriber_DeliversSignedPayload(t *testing.T) {
	received := make(chan LifecycleEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Webhook-Signature"))
		var ev LifecycleEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &WebhookSubscription{
		ID: "sub-1", URL: srv.URL, Secret: "shh", Timeout: 2 * time.Second,
		Events: []EventType{EventPluginStarted},
	}
	subscriber := NewWebhookSubscriber(sub, zap.NewNop())

	err := subscriber.ProcessEvent(LifecycleEvent{Event: EventPluginStarted, Plugin: "notes", Timestamp: time.Now()})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "notes", ev.Plugin)
	case <-time.After(time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookSubscriber_RedactsConfiguredFields(t *testing.T) {
	received := make(chan LifecycleEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev LifecycleEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &WebhookSubscription{
		ID: "sub-redact", URL: srv.URL, Timeout: 2 * time.Second,
		Events:       []EventType{EventScriptError},
		RedactFields: []string{"trace_id", "error"},
	}
	subscriber := NewWebhookSubscriber(sub, zap.NewNop())

	err := subscriber.ProcessEvent(LifecycleEvent{
		Event: EventScriptError, Plugin: "notes", Timestamp: time.Now(),
		TraceID: "trace-123", RequestID: "req-456", Error: "panic: nil pointer",
	})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "[REDACTED]", ev.TraceID)
		assert.Equal(t, "[REDACTED]", ev.Error)
		assert.Equal(t, "req-456", ev.RequestID, "request_id was not in RedactFields")
	case <-time.After(time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookSubscriber_MarksUnhealthyAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := &WebhookSubscription{ID: "sub-2", URL: srv.URL, Timeout: time.Second}
	subscriber := NewWebhookSubscriber(sub, zap.NewNop())

	for i := 0; i < 6; i++ {
		_ = subscriber.ProcessEvent(LifecycleEvent{Event: EventPluginCrashed, Plugin: "notes"})
	}
	assert.False(t, subscriber.IsHealthy())
}

func TestManager_EmitDeliversToMatchingSubscription(t *testing.T) {
	var gotCrash bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev LifecycleEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		if ev.Event == EventPluginCrashed {
			gotCrash = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rdb := testRedis(t)
	manager := NewManager(DefaultEventBusConfig(), rdb, zap.NewNop())
	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	_, err := manager.CreateWebhookSubscription(context.Background(), CreateWebhookRequest{
		Name: "watch-crashes", URL: srv.URL, Events: []EventType{EventPluginCrashed}, Plugins: []string{"*"},
	})
	require.NoError(t, err)

	require.NoError(t, manager.Emit(LifecycleEvent{Event: EventPluginCrashed, Plugin: "notes"}))

	require.Eventually(t, func() bool { return gotCrash }, time.Second, 10*time.Millisecond)
}
