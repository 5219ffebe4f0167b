// Copyright 2025 James Ross
package webhooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Manager coordinates subscription storage, the event bus, and the HTTP
// delivery layer for plugin lifecycle webhooks.
type Manager struct {
	config           EventBusConfig
	eventBus         *EventBus
	configManager    *ConfigManager
	webhookDeliverer *WebhookDeliverer
	logger           *zap.Logger

	mu        sync.RWMutex
	isRunning bool
}

func NewManager(config EventBusConfig, redisClient *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		config:           config,
		eventBus:         NewEventBus(config, redisClient, logger),
		configManager:    NewConfigManager(redisClient, logger),
		webhookDeliverer: NewWebhookDeliverer(logger),
		logger:           logger,
	}
}

// Start loads persisted subscriptions and begins dispatching events.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return fmt.Errorf("webhooks: manager already running")
	}

	if err := m.eventBus.Start(); err != nil {
		return fmt.Errorf("webhooks: start event bus: %w", err)
	}
	if err := m.loadExisting(ctx); err != nil {
		m.logger.Warn("webhooks: failed to load existing subscriptions", zap.Error(err))
	}

	m.isRunning = true
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return nil
	}
	_ = m.eventBus.Stop()
	for id := range m.webhookDeliverer.ListSubscribers() {
		_ = m.webhookDeliverer.RemoveSubscription(id)
	}
	m.isRunning = false
	return nil
}

func (m *Manager) loadExisting(ctx context.Context) error {
	subs, err := m.configManager.ListWebhookSubscriptions(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Disabled {
			continue
		}
		webhookSub := m.webhookDeliverer.AddSubscription(sub)
		if err := m.eventBus.Subscribe(webhookSub); err != nil {
			m.logger.Warn("webhooks: failed to subscribe loaded subscription", zap.String("id", sub.ID), zap.Error(err))
		}
	}
	return nil
}

// Emit publishes a plugin lifecycle event to every matching subscription.
func (m *Manager) Emit(event LifecycleEvent) error {
	return m.eventBus.Emit(event)
}

func (m *Manager) CreateWebhookSubscription(ctx context.Context, req CreateWebhookRequest) (*WebhookSubscription, error) {
	sub, err := m.configManager.CreateWebhookSubscription(ctx, req)
	if err != nil {
		return nil, err
	}
	webhookSub := m.webhookDeliverer.AddSubscription(sub)
	if err := m.eventBus.Subscribe(webhookSub); err != nil {
		m.webhookDeliverer.RemoveSubscription(sub.ID)
		m.configManager.DeleteWebhookSubscription(ctx, sub.ID)
		return nil, fmt.Errorf("webhooks: subscribe to event bus: %w", err)
	}
	return sub, nil
}

func (m *Manager) UpdateWebhookSubscription(ctx context.Context, id string, req UpdateWebhookRequest) (*WebhookSubscription, error) {
	sub, err := m.configManager.UpdateWebhookSubscription(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if err := m.webhookDeliverer.UpdateSubscription(sub); err != nil {
		m.logger.Warn("webhooks: failed to update deliverer", zap.String("id", id), zap.Error(err))
	}
	return sub, nil
}

func (m *Manager) DeleteWebhookSubscription(ctx context.Context, id string) error {
	m.webhookDeliverer.RemoveSubscription(id)
	m.eventBus.Unsubscribe(id)
	return m.configManager.DeleteWebhookSubscription(ctx, id)
}

func (m *Manager) GetWebhookSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	return m.configManager.GetWebhookSubscription(ctx, id)
}

func (m *Manager) ListWebhookSubscriptions(ctx context.Context) ([]*WebhookSubscription, error) {
	return m.configManager.ListWebhookSubscriptions(ctx)
}

func (m *Manager) TestWebhookDelivery(id string) error {
	sub, err := m.webhookDeliverer.GetSubscriber(id)
	if err != nil {
		return err
	}
	return sub.TestDelivery()
}

func (m *Manager) GetDeadLetterHooks(subscriptionID string, limit int) ([]*DeadLetterHook, error) {
	return m.eventBus.GetDLHEntries(subscriptionID, limit)
}

func (m *Manager) GetSubscriptionHealthStatuses() []SubscriptionHealthStatus {
	return m.webhookDeliverer.GetHealthStatuses()
}

func (m *Manager) GetMetrics() EventMetrics {
	return m.eventBus.GetMetrics()
}
