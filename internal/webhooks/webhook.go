// Copyright 2025 James Ross
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookSubscriber implements EventSubscriber by POSTing each matching
// LifecycleEvent to a configured HTTP endpoint.
type WebhookSubscriber struct {
	subscription *WebhookSubscription
	client       *http.Client
	rateLimiter  *rate.Limiter
	filter       EventFilter
	logger       *zap.Logger
	mu           sync.RWMutex
	healthy      bool
}

// NewWebhookSubscriber creates a new webhook subscriber.
func NewWebhookSubscriber(subscription *WebhookSubscription, logger *zap.Logger) *WebhookSubscriber {
	client := &http.Client{
		Timeout: subscription.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 2,
		},
	}

	var limiter *rate.Limiter
	if subscription.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(subscription.RateLimit)/60, subscription.RateLimit)
	}

	return &WebhookSubscriber{
		subscription: subscription,
		client:       client,
		rateLimiter:  limiter,
		filter:       EventFilter{Events: subscription.Events, Plugins: subscription.Plugins},
		logger:       logger,
		healthy:      true,
	}
}

func (ws *WebhookSubscriber) ID() string   { return ws.subscription.ID }
func (ws *WebhookSubscriber) Name() string { return ws.subscription.Name }

func (ws *WebhookSubscriber) GetFilter() EventFilter { return ws.filter }

func (ws *WebhookSubscriber) IsHealthy() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.subscription.Disabled {
		return false
	}
	if ws.subscription.FailureCount > 10 {
		return false
	}
	return ws.healthy
}

// ProcessEvent delivers event via HTTP POST, signing the payload with the
// subscription's secret when one is configured.
func (ws *WebhookSubscriber) ProcessEvent(event LifecycleEvent) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.rateLimiter != nil && !ws.rateLimiter.Allow() {
		return NewDeliveryError(ws.subscription.ID, event.Plugin, 1, 429, "rate limit exceeded", true, ErrRateLimitExceeded)
	}

	payload, err := ws.preparePayload(event)
	if err != nil {
		return NewDeliveryError(ws.subscription.ID, event.Plugin, 1, 0, "payload marshal failed", false, err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ws.subscription.URL, bytes.NewBuffer(payload))
	if err != nil {
		return NewDeliveryError(ws.subscription.ID, event.Plugin, 1, 0, "request creation failed", false, err)
	}
	ws.setRequestHeaders(req, payload, event)

	start := time.Now()
	resp, err := ws.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		ws.handleDeliveryFailure(err.Error())
		return NewDeliveryError(ws.subscription.ID, event.Plugin, 1, 0, "request failed", true, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ws.handleDeliverySuccess()
		ws.logger.Debug("webhook delivery succeeded",
			zap.String("subscription", ws.subscription.ID),
			zap.String("event", string(event.Event)),
			zap.Duration("duration", duration))
		return nil
	}

	errorMsg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	ws.handleDeliveryFailure(errorMsg)
	return NewDeliveryError(ws.subscription.ID, event.Plugin, 1, resp.StatusCode, errorMsg, IsTemporaryError(resp.StatusCode), nil)
}

// preparePayload blanks out any field the subscription's RedactFields
// names, then marshals for signing and delivery. Done here rather than at
// the caller so a redacted delivery is still signed over the redacted
// bytes — a subscriber verifying the signature sees exactly what it
// received, never the unredacted original.
func (ws *WebhookSubscriber) preparePayload(event LifecycleEvent) ([]byte, error) {
	if len(ws.subscription.RedactFields) > 0 {
		event = redactFields(event, ws.subscription.RedactFields)
	}
	return json.Marshal(event)
}

func redactFields(event LifecycleEvent, fields []string) LifecycleEvent {
	const redacted = "[REDACTED]"
	for _, field := range fields {
		switch field {
		case "trace_id":
			event.TraceID = redacted
		case "request_id":
			event.RequestID = redacted
		case "error":
			if event.Error != "" {
				event.Error = redacted
			}
		}
	}
	return event
}

func (ws *WebhookSubscriber) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.healthy = false
	ws.client.CloseIdleConnections()
	return nil
}

func (ws *WebhookSubscriber) setRequestHeaders(req *http.Request, payload []byte, event LifecycleEvent) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gauntlet-core/1.0")
	req.Header.Set("X-Webhook-Delivery", uuid.New().String())
	req.Header.Set("X-Webhook-Event", string(event.Event))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	req.Header.Set("X-Webhook-Plugin", event.Plugin)

	if event.TraceID != "" {
		req.Header.Set("X-Trace-ID", event.TraceID)
	}
	if ws.subscription.Secret != "" {
		req.Header.Set("X-Webhook-Signature", ws.generateSignature(payload, ws.subscription.Secret))
	}
	for _, h := range ws.subscription.Headers {
		req.Header.Set(h.Key, h.Value)
	}
}

func (ws *WebhookSubscriber) generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return fmt.Sprintf("sha256=%x", h.Sum(nil))
}

func (ws *WebhookSubscriber) handleDeliverySuccess() {
	ws.subscription.mu.Lock()
	defer ws.subscription.mu.Unlock()
	now := time.Now()
	ws.subscription.LastSuccess = &now
	ws.subscription.FailureCount = 0
	ws.subscription.UpdatedAt = now
}

func (ws *WebhookSubscriber) handleDeliveryFailure(errMsg string) {
	ws.subscription.mu.Lock()
	defer ws.subscription.mu.Unlock()
	now := time.Now()
	ws.subscription.LastFailure = &now
	ws.subscription.FailureCount++
	ws.subscription.UpdatedAt = now
	if ws.subscription.FailureCount > 5 {
		ws.healthy = false
	}
	ws.logger.Warn("webhook delivery failed",
		zap.String("subscription", ws.subscription.ID),
		zap.String("error", errMsg),
		zap.Int("failure_count", ws.subscription.FailureCount))
}

// UpdateSubscription swaps in a new subscription configuration.
func (ws *WebhookSubscriber) UpdateSubscription(updated *WebhookSubscription) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.subscription = updated
	if updated.RateLimit > 0 {
		ws.rateLimiter = rate.NewLimiter(rate.Limit(updated.RateLimit)/60, updated.RateLimit)
	} else {
		ws.rateLimiter = nil
	}
	ws.filter = EventFilter{Events: updated.Events, Plugins: updated.Plugins}
	ws.client.Timeout = updated.Timeout
	if !updated.Disabled {
		ws.healthy = true
	}
}

// TestDelivery sends a synthetic event to verify the webhook configuration.
func (ws *WebhookSubscriber) TestDelivery() error {
	return ws.ProcessEvent(LifecycleEvent{
		Event:     EventPluginStarted,
		Timestamp: time.Now(),
		Plugin:    "test-plugin",
		Links:     map[string]string{"test": "synthetic delivery"},
	})
}

// GetHealthStatus returns detailed health information for this subscriber.
func (ws *WebhookSubscriber) GetHealthStatus() SubscriptionHealthStatus {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	status := SubscriptionHealthStatus{
		SubscriptionID:      ws.subscription.ID,
		ConsecutiveFailures: ws.subscription.FailureCount,
		LastSuccess:         ws.subscription.LastSuccess,
		LastFailure:         ws.subscription.LastFailure,
	}
	if ws.subscription.FailureCount == 0 {
		status.SuccessRate = 1.0
	} else {
		status.SuccessRate = 1.0 - float64(ws.subscription.FailureCount)/100.0
		if status.SuccessRate < 0 {
			status.SuccessRate = 0
		}
	}
	return status
}

// WebhookDeliverer manages the set of live webhook subscribers.
type WebhookDeliverer struct {
	subscribers map[string]*WebhookSubscriber
	logger      *zap.Logger
	mu          sync.RWMutex
}

func NewWebhookDeliverer(logger *zap.Logger) *WebhookDeliverer {
	return &WebhookDeliverer{subscribers: make(map[string]*WebhookSubscriber), logger: logger}
}

func (wd *WebhookDeliverer) AddSubscription(subscription *WebhookSubscription) *WebhookSubscriber {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	subscriber := NewWebhookSubscriber(subscription, wd.logger)
	wd.subscribers[subscription.ID] = subscriber
	return subscriber
}

func (wd *WebhookDeliverer) RemoveSubscription(id string) error {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	sub, ok := wd.subscribers[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Close()
	delete(wd.subscribers, id)
	return nil
}

func (wd *WebhookDeliverer) GetSubscriber(id string) (*WebhookSubscriber, error) {
	wd.mu.RLock()
	defer wd.mu.RUnlock()
	sub, ok := wd.subscribers[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (wd *WebhookDeliverer) ListSubscribers() map[string]*WebhookSubscriber {
	wd.mu.RLock()
	defer wd.mu.RUnlock()
	result := make(map[string]*WebhookSubscriber, len(wd.subscribers))
	for id, sub := range wd.subscribers {
		result[id] = sub
	}
	return result
}

func (wd *WebhookDeliverer) UpdateSubscription(subscription *WebhookSubscription) error {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	sub, ok := wd.subscribers[subscription.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.UpdateSubscription(subscription)
	return nil
}

func (wd *WebhookDeliverer) GetHealthStatuses() []SubscriptionHealthStatus {
	wd.mu.RLock()
	defer wd.mu.RUnlock()
	statuses := make([]SubscriptionHealthStatus, 0, len(wd.subscribers))
	for _, sub := range wd.subscribers {
		statuses = append(statuses, sub.GetHealthStatus())
	}
	return statuses
}
