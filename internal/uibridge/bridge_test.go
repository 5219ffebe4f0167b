// Copyright 2025 James Ross
package uibridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
	"github.com/gauntlet-run/plugin-core/internal/reconciler"
)

// fakeUIServer upgrades one websocket connection and answers every request
// envelope with a canned response, standing in for the real UI process.
func fakeUIServer(t *testing.T, respond func(env map[string]interface{}) (kind string, widget uint32)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &env))
			if env["kind"] != "request" {
				continue
			}

			kind, widget := respond(env)
			payload, err := reconciler.EncodeResponse(pluginmodel.UiResponse{
				Kind:   pluginmodel.UiResponseKind(kind),
				Widget: pluginmodel.WidgetID(widget),
			})
			require.NoError(t, err)

			reply := map[string]interface{}{
				"kind":    "response",
				"seq":     env["seq"],
				"payload": payload,
			}
			out, err := json.Marshal(reply)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))
		}
	}))
}

func dialTestBridge(t *testing.T, server *httptest.Server) *Bridge {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	b, err := Dial(context.Background(), url, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDispatch_WaitsForMatchingResponse(t *testing.T) {
	server := fakeUIServer(t, func(env map[string]interface{}) (string, uint32) {
		return string(pluginmodel.RespCreateInstance), 42
	})
	defer server.Close()

	bridge := dialTestBridge(t, server)

	resp, err := bridge.Dispatch(context.Background(), "plugin-a", pluginmodel.UiRequest{
		Kind:       pluginmodel.ReqCreateInstance,
		WidgetType: "button",
	})
	require.NoError(t, err)
	assert.Equal(t, pluginmodel.RespCreateInstance, resp.Kind)
	assert.Equal(t, pluginmodel.WidgetID(42), resp.Widget)
}

func TestDispatch_FireAndForgetDoesNotBlock(t *testing.T) {
	server := fakeUIServer(t, func(env map[string]interface{}) (string, uint32) {
		t.Fatal("fire-and-forget request should not be answered")
		return "", 0
	})
	defer server.Close()

	bridge := dialTestBridge(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := bridge.Dispatch(ctx, "plugin-a", pluginmodel.UiRequest{
		Kind:   pluginmodel.ReqSetText,
		Widget: 3,
		Text:   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, pluginmodel.RespUnit, resp.Kind)
}

func TestDispatch_MultiplexesConcurrentRequests(t *testing.T) {
	server := fakeUIServer(t, func(env map[string]interface{}) (string, uint32) {
		return string(pluginmodel.RespGetContainer), uint32(env["seq"].(float64))
	})
	defer server.Close()

	bridge := dialTestBridge(t, server)

	results := make(chan pluginmodel.UiResponse, 10)
	for i := 0; i < 10; i++ {
		go func() {
			resp, err := bridge.Dispatch(context.Background(), "plugin-a", pluginmodel.UiRequest{Kind: pluginmodel.ReqGetContainer})
			require.NoError(t, err)
			results <- resp
		}()
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		select {
		case resp := <-results:
			seen[uint32(resp.Widget)] = true
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for dispatch results")
		}
	}
	assert.Len(t, seen, 10)
}

func TestEvents_DeliveredFromServerPush(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		payload, err := reconciler.EncodeEvent(pluginmodel.UiEvent{
			Kind:      pluginmodel.EventViewEvent,
			WidgetID:  5,
			EventName: "evt-1",
		})
		require.NoError(t, err)
		env := map[string]interface{}{"kind": "event", "plugin": "plugin-a", "payload": payload}
		out, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))

		// keep the connection open until the client is done reading.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	bridge := dialTestBridge(t, server)

	select {
	case pe := <-bridge.Events():
		assert.Equal(t, pluginmodel.PluginID("plugin-a"), pe.Plugin)
		assert.Equal(t, pluginmodel.EventViewEvent, pe.Event.Kind)
		assert.Equal(t, "evt-1", pe.Event.EventName)
		assert.Equal(t, pluginmodel.WidgetID(5), pe.Event.WidgetID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDispatch_ClosedBridgeUnblocksPending(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// never respond; hold the connection open briefly then close.
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}))
	defer server.Close()

	bridge := dialTestBridge(t, server)

	_, err := bridge.Dispatch(context.Background(), "plugin-a", pluginmodel.UiRequest{Kind: pluginmodel.ReqGetContainer})
	assert.Error(t, err)
}
