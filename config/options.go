// Package config is the Builder / Profile Composer (spec §4.L component O,
// SPEC_FULL §O): one typed Options struct per config group from spec §6,
// assembled by a fluent Builder into a wired *broker.Broker, the way the
// teacher's internal/bootstrap/wire.go builds one composition root out of
// individually-constructed collaborators.
package config

import (
	"time"

	"github.com/baechuer/relay/backpressure"
	"github.com/baechuer/relay/circuitbreaker"
	"github.com/baechuer/relay/compression"
	"github.com/baechuer/relay/dedup"
)

// BrokerOptions is the "broker" config group of spec §6.
type BrokerOptions struct {
	TransportType           string
	DefaultExchange         string
	DefaultRoutingKeyPattern string
	AutoPublishResults      bool
	DrainGrace              time.Duration
}

// CompressionOptions is the "compression" config group.
type CompressionOptions struct {
	Enabled          bool
	Algorithm        compression.Algorithm
	Level            int
	MinimumSizeBytes int
}

// RetryOptions is the "retry" config group — transport-level send retry,
// distinct from saga.Config's per-step retry.
type RetryOptions struct {
	MaxAttempts           int
	InitialDelay          time.Duration
	MaxDelay              time.Duration
	BackoffMultiplier     float64
	UseExponentialBackoff bool
}

// CircuitOptions is the "circuit" config group.
type CircuitOptions struct {
	Enabled                   bool
	FailureThreshold          int
	Timeout                   time.Duration
	SlowCallDurationThreshold time.Duration
	TrackSlowCalls            bool
	IgnoredExceptionTypes     map[string]bool
	ExceptionPredicate        func(err error) bool
	Sink                      circuitbreaker.EventSink
}

// BulkheadOptions is the "bulkhead" config group.
type BulkheadOptions struct {
	Enabled                 bool
	MaxConcurrentOperations int
	MaxQueuedOperations     int
	AcquisitionTimeout      time.Duration
}

// RateOptions is the "rate" config group.
type RateOptions struct {
	Enabled    bool
	Capacity   float64
	RefillRate float64
}

// BackpressureOptions is the "backpressure" config group.
type BackpressureOptions struct {
	Enabled                     bool
	LatencyThreshold            time.Duration
	RecoveryLatencyThreshold    time.Duration
	QueueDepthThreshold         int
	RecoveryQueueDepthThreshold int
	SampleInterval              time.Duration
	Sink                        backpressure.EventSink
}

// DedupOptions is the "dedup" config group.
type DedupOptions struct {
	Enabled            bool
	Window             time.Duration
	MaxCacheSize       int
	Strategy           dedup.Strategy
	CustomHashFunction func(payload []byte, messageID string) string
}

// OutboxOptions is the "outbox" config group.
type OutboxOptions struct {
	Enabled         bool
	PollingInterval time.Duration
	BatchSize       int
	RetentionPeriod time.Duration
	LeaseDuration   time.Duration
}

// InboxOptions is the "inbox" config group.
type InboxOptions struct {
	Enabled         bool
	RetentionPeriod time.Duration
	CleanupInterval time.Duration
	ConsumerName    string
}

// SagaOptions is the "saga" config group.
type SagaOptions struct {
	Enabled                     bool
	DefaultTimeout              time.Duration
	AutoPersist                 bool
	PersistenceInterval         time.Duration
	AutoRetryFailedSteps        bool
	MaxRetryAttempts            int
	RetryDelay                  time.Duration
	UseExponentialBackoff       bool
	AutoCompensateOnFailure     bool
	ContinueCompensationOnError bool
	StepTimeout                 time.Duration
	CompensationTimeout         time.Duration
	OnSagaCompleted             func(sagaID string)
	OnSagaFailed                func(sagaID string, failedStep string)
	OnSagaCompensated           func(sagaID string)
}

// Options is the full authoritative option tree of spec §6, one field per
// config group.
type Options struct {
	Broker        BrokerOptions
	Compression   CompressionOptions
	Retry         RetryOptions
	Circuit       CircuitOptions
	Bulkhead      BulkheadOptions
	Rate          RateOptions
	Backpressure  BackpressureOptions
	Dedup         DedupOptions
	Outbox        OutboxOptions
	Inbox         InboxOptions
	Saga          SagaOptions
}

// Defaults mirrors the individual components' withDefaults() calls so a
// Builder started from a zero Options still produces a usable broker.
func Defaults() Options {
	return Options{
		Broker: BrokerOptions{
			DefaultRoutingKeyPattern: "{MessageType}",
			DrainGrace:               5 * time.Second,
		},
		Retry: RetryOptions{
			MaxAttempts:       3,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		},
		Outbox: OutboxOptions{
			PollingInterval: time.Second,
			BatchSize:       100,
			RetentionPeriod: 24 * time.Hour,
			LeaseDuration:   30 * time.Second,
		},
		Inbox: InboxOptions{
			RetentionPeriod: 7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
			ConsumerName:    "default",
		},
		Saga: SagaOptions{
			DefaultTimeout:          30 * time.Second,
			MaxRetryAttempts:        1,
			RetryDelay:              100 * time.Millisecond,
			AutoCompensateOnFailure: true,
		},
	}
}
