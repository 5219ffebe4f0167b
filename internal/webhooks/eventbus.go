// Copyright 2025 James Ross
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventBus fans LifecycleEvents out to subscribed webhook deliverers, retrying
// failed deliveries with exponential backoff and parking exhausted ones in a
// Redis-backed dead letter hook store.
type EventBus struct {
	config      EventBusConfig
	subscribers map[EventType][]EventSubscriber
	eventQueue  chan LifecycleEvent
	retryQueue  chan *DeliveryAttempt
	dlhQueue    chan *DeadLetterHook
	metrics     *EventMetrics
	redis       *redis.Client
	logger      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
}

func NewEventBus(config EventBusConfig, redisClient *redis.Client, logger *zap.Logger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		config:      config,
		subscribers: make(map[EventType][]EventSubscriber),
		eventQueue:  make(chan LifecycleEvent, config.BufferSize),
		retryQueue:  make(chan *DeliveryAttempt, config.BufferSize/2),
		dlhQueue:    make(chan *DeadLetterHook, config.BufferSize/10),
		metrics:     &EventMetrics{SubscriptionHealth: make(map[string]float64)},
		redis:       redisClient,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (eb *EventBus) Start() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.isRunning {
		return fmt.Errorf("webhooks: event bus already running")
	}

	for i := 0; i < eb.config.WorkerPoolSize; i++ {
		eb.wg.Add(1)
		go eb.eventWorker(i)
	}
	eb.wg.Add(1)
	go eb.retryProcessor()
	eb.wg.Add(1)
	go eb.dlhProcessor()

	eb.isRunning = true
	return nil
}

func (eb *EventBus) Stop() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if !eb.isRunning {
		return nil
	}
	eb.cancel()
	close(eb.eventQueue)
	eb.wg.Wait()
	eb.isRunning = false
	return nil
}

// Emit queues event for every matching, healthy subscriber without blocking
// the caller; when the queue is full the event is dropped, logged and
// reported as an error, not retried.
func (eb *EventBus) Emit(event LifecycleEvent) error {
	eb.mu.RLock()
	running := eb.isRunning
	eb.mu.RUnlock()
	if !running {
		return ErrEventBusShutdown
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TraceID == "" {
		event.TraceID = uuid.New().String()
	}
	event.Links = eb.generateDeepLinks(event)

	select {
	case eb.eventQueue <- event:
		eb.metrics.EventsEmitted++
		return nil
	case <-eb.ctx.Done():
		return ErrEventBusShutdown
	default:
		eb.logger.Warn("webhooks: event queue full, dropping event", zap.String("event", string(event.Event)), zap.String("plugin", event.Plugin))
		return fmt.Errorf("webhooks: event queue full")
	}
}

func (eb *EventBus) Subscribe(subscriber EventSubscriber) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	filter := subscriber.GetFilter()
	for _, et := range filter.Events {
		eb.subscribers[et] = append(eb.subscribers[et], subscriber)
	}
	return nil
}

func (eb *EventBus) Unsubscribe(subscriberID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for et, subs := range eb.subscribers {
		for i, sub := range subs {
			if sub.ID() == subscriberID {
				eb.subscribers[et] = append(subs[:i], subs[i+1:]...)
				_ = sub.Close()
				return nil
			}
		}
	}
	return fmt.Errorf("webhooks: subscriber not found: %s", subscriberID)
}

func (eb *EventBus) GetMetrics() EventMetrics {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	metrics := *eb.metrics
	health := make(map[string]float64, len(eb.metrics.SubscriptionHealth))
	for k, v := range eb.metrics.SubscriptionHealth {
		health[k] = v
	}
	metrics.SubscriptionHealth = health
	return metrics
}

func (eb *EventBus) eventWorker(id int) {
	defer eb.wg.Done()
	for {
		select {
		case event, ok := <-eb.eventQueue:
			if !ok {
				return
			}
			eb.processEvent(event)
		case <-eb.ctx.Done():
			return
		}
	}
}

func (eb *EventBus) processEvent(event LifecycleEvent) {
	eb.mu.RLock()
	subs := eb.subscribers[event.Event]
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.IsHealthy() {
			continue
		}
		filter := sub.GetFilter()
		if !filter.Matches(event) {
			continue
		}
		go func(s EventSubscriber, e LifecycleEvent) {
			if err := s.ProcessEvent(e); err != nil {
				eb.handleDeliveryError(s, e, err)
			} else {
				eb.metrics.WebhookDeliveries++
			}
		}(sub, event)
	}
}

func (eb *EventBus) handleDeliveryError(subscriber EventSubscriber, event LifecycleEvent, err error) {
	eb.metrics.WebhookFailures++
	webhookSub, ok := subscriber.(*WebhookSubscriber)
	if !ok {
		return
	}

	attempt := &DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: webhookSub.ID(),
		Event:          event,
		AttemptNumber:  1,
		ScheduledAt:    time.Now(),
		ErrorMessage:   err.Error(),
	}

	if IsRetryableError(err) && webhookSub.subscription.MaxRetries > 0 {
		select {
		case eb.retryQueue <- attempt:
		default:
			eb.sendToDLH(webhookSub.subscription, event, []*DeliveryAttempt{attempt}, err.Error())
		}
		return
	}
	eb.sendToDLH(webhookSub.subscription, event, []*DeliveryAttempt{attempt}, err.Error())
}

func (eb *EventBus) retryProcessor() {
	defer eb.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case attempt := <-eb.retryQueue:
			eb.scheduleRetry(attempt)
		case <-ticker.C:
			eb.processScheduledRetries()
		case <-eb.ctx.Done():
			return
		}
	}
}

func (eb *EventBus) scheduleRetry(attempt *DeliveryAttempt) {
	delay := eb.calculateRetryDelay(DefaultRetryPolicy(), attempt.AttemptNumber)
	attempt.ScheduledAt = time.Now().Add(delay)

	key := fmt.Sprintf("webhooks:retry:%s", attempt.ID)
	data, err := json.Marshal(attempt)
	if err != nil {
		eb.logger.Error("webhooks: marshal retry attempt failed", zap.Error(err))
		return
	}
	if err := eb.redis.Set(eb.ctx, key, data, delay+time.Minute).Err(); err != nil {
		eb.logger.Error("webhooks: store retry attempt failed", zap.Error(err))
	}
}

func (eb *EventBus) calculateRetryDelay(policy RetryPolicy, attempt int) time.Duration {
	var delay time.Duration
	switch policy.Strategy {
	case "exponential":
		delay = time.Duration(float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1)))
	case "linear":
		delay = time.Duration(float64(policy.InitialDelay) * float64(attempt))
	default:
		delay = policy.InitialDelay
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}
	return delay
}

func (eb *EventBus) processScheduledRetries() {
	iter := eb.redis.Scan(eb.ctx, 0, "webhooks:retry:*", 100).Iterator()
	for iter.Next(eb.ctx) {
		key := iter.Val()
		data, err := eb.redis.Get(eb.ctx, key).Result()
		if err != nil {
			continue
		}
		var attempt DeliveryAttempt
		if err := json.Unmarshal([]byte(data), &attempt); err != nil {
			continue
		}
		if time.Now().After(attempt.ScheduledAt) {
			eb.redis.Del(eb.ctx, key)
			go eb.executeRetry(&attempt)
		}
	}
}

func (eb *EventBus) executeRetry(attempt *DeliveryAttempt) {
	eb.mu.RLock()
	var webhookSub *WebhookSubscriber
	for _, subs := range eb.subscribers {
		for _, sub := range subs {
			if sub.ID() == attempt.SubscriptionID {
				if ws, ok := sub.(*WebhookSubscriber); ok {
					webhookSub = ws
				}
			}
		}
	}
	eb.mu.RUnlock()
	if webhookSub == nil {
		return
	}

	if err := webhookSub.ProcessEvent(attempt.Event); err != nil {
		if attempt.AttemptNumber < webhookSub.subscription.MaxRetries {
			attempt.AttemptNumber++
			select {
			case eb.retryQueue <- attempt:
				eb.metrics.RetryAttempts++
			default:
				eb.sendToDLH(webhookSub.subscription, attempt.Event, []*DeliveryAttempt{attempt}, err.Error())
			}
		} else {
			eb.sendToDLH(webhookSub.subscription, attempt.Event, []*DeliveryAttempt{attempt}, err.Error())
		}
		return
	}
	eb.metrics.WebhookDeliveries++
}

func (eb *EventBus) sendToDLH(subscription *WebhookSubscription, event LifecycleEvent, attempts []*DeliveryAttempt, finalError string) {
	dlh := &DeadLetterHook{
		ID:             uuid.New().String(),
		SubscriptionID: subscription.ID,
		Event:          event,
		FinalError:     finalError,
		CreatedAt:      time.Now(),
	}
	for _, a := range attempts {
		dlh.Attempts = append(dlh.Attempts, *a)
	}
	select {
	case eb.dlhQueue <- dlh:
	default:
		eb.logger.Error("webhooks: DLH queue full, dropping dead letter hook", zap.String("subscription", subscription.ID))
	}
}

func (eb *EventBus) dlhProcessor() {
	defer eb.wg.Done()
	for {
		select {
		case dlh := <-eb.dlhQueue:
			eb.storeDLH(dlh)
		case <-eb.ctx.Done():
			return
		}
	}
}

func (eb *EventBus) storeDLH(dlh *DeadLetterHook) {
	key := fmt.Sprintf("webhooks:dlh:%s", dlh.ID)
	data, err := json.Marshal(dlh)
	if err != nil {
		eb.logger.Error("webhooks: marshal DLH failed", zap.Error(err))
		return
	}
	if err := eb.redis.Set(eb.ctx, key, data, 30*24*time.Hour).Err(); err != nil {
		eb.logger.Error("webhooks: store DLH failed", zap.Error(err))
		return
	}
	indexKey := fmt.Sprintf("webhooks:dlh_index:%s", dlh.SubscriptionID)
	eb.redis.LPush(eb.ctx, indexKey, dlh.ID)
	eb.redis.Expire(eb.ctx, indexKey, 30*24*time.Hour)
	eb.metrics.DLHSize++
}

// generateDeepLinks creates launcher UI deep links for an event.
func (eb *EventBus) generateDeepLinks(event LifecycleEvent) map[string]string {
	links := map[string]string{
		"plugin": fmt.Sprintf("gauntlet://plugins/%s", event.Plugin),
	}
	if event.Event == EventPluginCrashed || event.Event == EventScriptError {
		links["logs"] = fmt.Sprintf("gauntlet://plugins/%s/logs", event.Plugin)
	}
	return links
}

// GetDLHEntries returns dead letter hook entries for a subscription.
func (eb *EventBus) GetDLHEntries(subscriptionID string, limit int) ([]*DeadLetterHook, error) {
	indexKey := fmt.Sprintf("webhooks:dlh_index:%s", subscriptionID)
	ids, err := eb.redis.LRange(eb.ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]*DeadLetterHook, 0, len(ids))
	for _, id := range ids {
		data, err := eb.redis.Get(eb.ctx, fmt.Sprintf("webhooks:dlh:%s", id)).Result()
		if err != nil {
			continue
		}
		var dlh DeadLetterHook
		if err := json.Unmarshal([]byte(data), &dlh); err != nil {
			continue
		}
		entries = append(entries, &dlh)
	}
	return entries, nil
}
