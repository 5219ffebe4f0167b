// Copyright 2025 James Ross
package webhooks

import (
	"sync"
	"time"
)

// EventType is the kind of plugin lifecycle event a subscription can filter on.
type EventType string

const (
	EventPluginStarted    EventType = "plugin_started"
	EventPluginStopped    EventType = "plugin_stopped"
	EventPluginCrashed    EventType = "plugin_crashed"
	EventPluginDisabled   EventType = "plugin_disabled"
	EventPluginReenabled  EventType = "plugin_reenabled"
	EventScriptError      EventType = "plugin_script_error"
	EventBreakerOpened    EventType = "plugin_breaker_opened"
)

// LifecycleEvent describes one plugin runtime lifecycle transition, delivered
// to external webhook subscribers (spec.md §4.6/§4.8).
type LifecycleEvent struct {
	Event       EventType  `json:"event"`
	Timestamp   time.Time  `json:"timestamp"`
	Plugin      string     `json:"plugin"`
	Entrypoint  string     `json:"entrypoint,omitempty"`
	ExitClass   string     `json:"exit_class,omitempty"`
	Error       string     `json:"error,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`

	// Correlation tracking
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Deep links back into the launcher UI
	Links map[string]string `json:"_links,omitempty"`
}

// WebhookSubscription defines an outbound HTTP delivery target for plugin
// lifecycle events.
type WebhookSubscription struct {
	ID   string `json:"id" redis:"id"`
	Name string `json:"name" redis:"name"`
	URL  string `json:"url" redis:"url"`
	// Secret is never returned in JSON responses
	Secret string `json:"-" redis:"secret"`

	// Filtering rules
	Events  []EventType `json:"events" redis:"events"`
	Plugins []string    `json:"plugins" redis:"plugins"`

	// RedactFields names LifecycleEvent fields to blank out before signing
	// and sending the payload: "trace_id", "request_id", "error". A script
	// error message can embed a plugin's own sensitive command-line args or
	// file paths; a subscriber that only wants to know *that* a plugin
	// crashed, not the detail, sets this.
	RedactFields []string `json:"redact_fields,omitempty" redis:"redact_fields"`

	// Delivery configuration
	MaxRetries int           `json:"max_retries" redis:"max_retries"`
	Timeout    time.Duration `json:"timeout" redis:"timeout"`
	RateLimit  int           `json:"rate_limit" redis:"rate_limit"`
	Headers    []HeaderPair  `json:"headers" redis:"headers"`

	// Status tracking
	CreatedAt    time.Time  `json:"created_at" redis:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" redis:"updated_at"`
	LastSuccess  *time.Time `json:"last_success,omitempty" redis:"last_success"`
	LastFailure  *time.Time `json:"last_failure,omitempty" redis:"last_failure"`
	FailureCount int        `json:"failure_count" redis:"failure_count"`
	Disabled     bool       `json:"disabled" redis:"disabled"`

	mu sync.RWMutex `json:"-" redis:"-"`
}

// HeaderPair represents a custom HTTP header key-value pair.
type HeaderPair struct {
	Key   string `json:"key" redis:"key"`
	Value string `json:"value" redis:"value"`
}

// RetryPolicy defines how delivery failures are retried.
type RetryPolicy struct {
	Strategy     string        `json:"strategy" redis:"strategy"`
	InitialDelay time.Duration `json:"initial_delay" redis:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" redis:"max_delay"`
	Multiplier   float64       `json:"multiplier" redis:"multiplier"`
	MaxRetries   int           `json:"max_retries" redis:"max_retries"`
	Jitter       bool          `json:"jitter" redis:"jitter"`
}

// DefaultRetryPolicy returns the default exponential backoff retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:     "exponential",
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		MaxRetries:   5,
		Jitter:       true,
	}
}

// DeliveryAttempt represents a single webhook delivery attempt.
type DeliveryAttempt struct {
	ID             string          `json:"id" redis:"id"`
	SubscriptionID string          `json:"subscription_id" redis:"subscription_id"`
	Event          LifecycleEvent  `json:"event" redis:"event"`
	AttemptNumber  int             `json:"attempt_number" redis:"attempt_number"`
	ScheduledAt    time.Time       `json:"scheduled_at" redis:"scheduled_at"`
	AttemptedAt    *time.Time      `json:"attempted_at,omitempty" redis:"attempted_at"`

	Success      bool          `json:"success" redis:"success"`
	StatusCode   int           `json:"status_code" redis:"status_code"`
	ErrorMessage string        `json:"error_message" redis:"error_message"`
	ResponseTime time.Duration `json:"response_time" redis:"response_time"`
}

// DeadLetterHook represents a failed webhook delivery that exhausted retries.
type DeadLetterHook struct {
	ID             string            `json:"id" redis:"id"`
	SubscriptionID string            `json:"subscription_id" redis:"subscription_id"`
	Event          LifecycleEvent    `json:"event" redis:"event"`
	Attempts       []DeliveryAttempt `json:"attempts" redis:"attempts"`
	FinalError     string            `json:"final_error" redis:"final_error"`
	CreatedAt      time.Time         `json:"created_at" redis:"created_at"`

	Replayed   bool       `json:"replayed" redis:"replayed"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty" redis:"replayed_at"`
}

// EventMetrics tracks delivery performance and health.
type EventMetrics struct {
	EventsEmitted      int64              `json:"events_emitted"`
	WebhookDeliveries  int64              `json:"webhook_deliveries"`
	WebhookFailures    int64              `json:"webhook_failures"`
	RetryAttempts      int64              `json:"retry_attempts"`
	DLHSize            int64              `json:"dlh_size"`
	SubscriptionHealth map[string]float64 `json:"subscription_health"`
}

// SubscriptionHealthStatus represents the health of a webhook subscription.
type SubscriptionHealthStatus struct {
	SubscriptionID      string     `json:"subscription_id"`
	SuccessRate         float64    `json:"success_rate"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// EventFilter decides whether a LifecycleEvent is relevant to a subscriber.
type EventFilter struct {
	Events  []EventType `json:"events"`
	Plugins []string    `json:"plugins"`
}

// Matches reports whether event satisfies the filter.
func (f *EventFilter) Matches(event LifecycleEvent) bool {
	if len(f.Events) > 0 {
		found := false
		for _, et := range f.Events {
			if et == event.Event {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Plugins) > 0 {
		found := false
		for _, p := range f.Plugins {
			if p == "*" || p == event.Plugin {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// EventSubscriber is a transport implementation (webhook) that can receive
// LifecycleEvent deliveries from the EventBus.
type EventSubscriber interface {
	ID() string
	Name() string
	ProcessEvent(event LifecycleEvent) error
	IsHealthy() bool
	GetFilter() EventFilter
	Close() error
}

// EventBusConfig configures the event bus's worker pool and buffering.
type EventBusConfig struct {
	BufferSize      int           `json:"buffer_size"`
	WorkerPoolSize  int           `json:"worker_pool_size"`
	MetricsInterval time.Duration `json:"metrics_interval"`
}

// DefaultEventBusConfig returns sensible defaults for the event bus.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		BufferSize:      1000,
		WorkerPoolSize:  4,
		MetricsInterval: 60 * time.Second,
	}
}
