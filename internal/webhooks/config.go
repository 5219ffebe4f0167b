// Copyright 2025 James Ross
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	webhookSubscriptionPrefix = "webhooks:subscription:"
	subscriptionIndexKey      = "webhooks:subscriptions"
)

// ConfigManager persists webhook subscriptions in Redis.
type ConfigManager struct {
	redis  *redis.Client
	logger *zap.Logger
	mu     sync.RWMutex
}

func NewConfigManager(redisClient *redis.Client, logger *zap.Logger) *ConfigManager {
	return &ConfigManager{redis: redisClient, logger: logger}
}

// CreateWebhookRequest describes a new subscription.
type CreateWebhookRequest struct {
	Name       string       `json:"name"`
	URL        string       `json:"url"`
	Secret     string       `json:"secret"`
	Events     []EventType  `json:"events"`
	Plugins    []string     `json:"plugins"`
	MaxRetries int          `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
	RateLimit  int          `json:"rate_limit"`
	Headers    []HeaderPair `json:"headers"`
}

// UpdateWebhookRequest describes a partial update to a subscription.
type UpdateWebhookRequest struct {
	Name       *string       `json:"name,omitempty"`
	URL        *string       `json:"url,omitempty"`
	Secret     *string       `json:"secret,omitempty"`
	Events     []EventType   `json:"events,omitempty"`
	Plugins    []string      `json:"plugins,omitempty"`
	MaxRetries *int          `json:"max_retries,omitempty"`
	Timeout    *time.Duration `json:"timeout,omitempty"`
	RateLimit  *int          `json:"rate_limit,omitempty"`
	Headers    []HeaderPair  `json:"headers,omitempty"`
	Disabled   *bool         `json:"disabled,omitempty"`
}

func (cm *ConfigManager) CreateWebhookSubscription(ctx context.Context, req CreateWebhookRequest) (*WebhookSubscription, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := cm.validate(req); err != nil {
		return nil, err
	}
	if existing, err := cm.findByName(ctx, req.Name); err != nil && err != ErrSubscriptionNotFound {
		return nil, err
	} else if existing != nil {
		return nil, ErrDuplicateSubscription
	}

	sub := &WebhookSubscription{
		ID:         uuid.New().String(),
		Name:       req.Name,
		URL:        req.URL,
		Secret:     req.Secret,
		Events:     req.Events,
		Plugins:    req.Plugins,
		MaxRetries: req.MaxRetries,
		Timeout:    req.Timeout,
		RateLimit:  req.RateLimit,
		Headers:    req.Headers,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if sub.MaxRetries == 0 {
		sub.MaxRetries = 5
	}
	if sub.Timeout == 0 {
		sub.Timeout = 30 * time.Second
	}
	if sub.RateLimit == 0 {
		sub.RateLimit = 60
	}

	if err := cm.store(ctx, sub); err != nil {
		return nil, fmt.Errorf("webhooks: store subscription: %w", err)
	}
	return sub, nil
}

func (cm *ConfigManager) GetWebhookSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.get(ctx, id)
}

func (cm *ConfigManager) get(ctx context.Context, id string) (*WebhookSubscription, error) {
	data, err := cm.redis.Get(ctx, webhookSubscriptionPrefix+id).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("webhooks: get subscription: %w", err)
	}
	var sub WebhookSubscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("webhooks: unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func (cm *ConfigManager) ListWebhookSubscriptions(ctx context.Context) ([]*WebhookSubscription, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	keys, err := cm.redis.Keys(ctx, webhookSubscriptionPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("webhooks: list subscriptions: %w", err)
	}
	subs := make([]*WebhookSubscription, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, webhookSubscriptionPrefix)
		sub, err := cm.get(ctx, id)
		if err != nil {
			cm.logger.Warn("webhooks: skipping unreadable subscription", zap.String("id", id), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (cm *ConfigManager) UpdateWebhookSubscription(ctx context.Context, id string, req UpdateWebhookRequest) (*WebhookSubscription, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sub, err := cm.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		sub.Name = *req.Name
	}
	if req.URL != nil {
		sub.URL = *req.URL
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.Events != nil {
		sub.Events = req.Events
	}
	if req.Plugins != nil {
		sub.Plugins = req.Plugins
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.Timeout != nil {
		sub.Timeout = *req.Timeout
	}
	if req.RateLimit != nil {
		sub.RateLimit = *req.RateLimit
	}
	if req.Headers != nil {
		sub.Headers = req.Headers
	}
	if req.Disabled != nil {
		sub.Disabled = *req.Disabled
	}
	sub.UpdatedAt = time.Now()

	if err := cm.store(ctx, sub); err != nil {
		return nil, fmt.Errorf("webhooks: update subscription: %w", err)
	}
	return sub, nil
}

func (cm *ConfigManager) DeleteWebhookSubscription(ctx context.Context, id string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, err := cm.get(ctx, id); err != nil {
		return err
	}
	if err := cm.redis.Del(ctx, webhookSubscriptionPrefix+id).Err(); err != nil {
		return fmt.Errorf("webhooks: delete subscription: %w", err)
	}
	cm.redis.SRem(ctx, subscriptionIndexKey, id)
	return nil
}

func (cm *ConfigManager) store(ctx context.Context, sub *WebhookSubscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("webhooks: marshal subscription: %w", err)
	}
	if err := cm.redis.Set(ctx, webhookSubscriptionPrefix+sub.ID, data, 0).Err(); err != nil {
		return err
	}
	cm.redis.SAdd(ctx, subscriptionIndexKey, sub.ID)
	return nil
}

func (cm *ConfigManager) findByName(ctx context.Context, name string) (*WebhookSubscription, error) {
	subs, err := cm.ListWebhookSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Name == name {
			return sub, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (cm *ConfigManager) validate(req CreateWebhookRequest) error {
	if req.Name == "" {
		return NewValidationError("name", "name is required", req.Name)
	}
	if req.URL == "" {
		return NewValidationError("url", "URL is required", req.URL)
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return NewValidationError("url", "URL must be HTTP or HTTPS", req.URL)
	}
	if len(req.Events) == 0 {
		return NewValidationError("events", "at least one event type is required", req.Events)
	}
	for _, et := range req.Events {
		if !isValidEventType(et) {
			return NewValidationError("events", "invalid event type", et)
		}
	}
	if req.MaxRetries < 0 || req.MaxRetries > 20 {
		return NewValidationError("max_retries", "must be between 0 and 20", req.MaxRetries)
	}
	if req.Timeout < 0 || req.Timeout > 5*time.Minute {
		return NewValidationError("timeout", "must be between 0 and 5 minutes", req.Timeout)
	}
	if req.RateLimit < 0 || req.RateLimit > 1000 {
		return NewValidationError("rate_limit", "must be between 0 and 1000", req.RateLimit)
	}
	return nil
}

func isValidEventType(et EventType) bool {
	switch et {
	case EventPluginStarted, EventPluginStopped, EventPluginCrashed,
		EventPluginDisabled, EventPluginReenabled, EventScriptError, EventBreakerOpened:
		return true
	default:
		return false
	}
}
