package config

import (
	"github.com/rs/zerolog"

	"github.com/baechuer/relay/backpressure"
	"github.com/baechuer/relay/broker"
	"github.com/baechuer/relay/bulkhead"
	"github.com/baechuer/relay/circuitbreaker"
	"github.com/baechuer/relay/compression"
	"github.com/baechuer/relay/dedup"
	"github.com/baechuer/relay/inbox"
	"github.com/baechuer/relay/outbox"
	"github.com/baechuer/relay/poison"
	"github.com/baechuer/relay/ratelimit"
	"github.com/baechuer/relay/telemetry"
	"github.com/baechuer/relay/transport"
	"github.com/baechuer/relay/validation"
)

// Builder composes a *broker.Broker out of individually-configured
// collaborators, one WithX per resilience-mesh / reliability-pipeline
// component, the way the teacher's wire.go builds a service's composition
// root out of its constructor calls.
type Builder struct {
	opts Options
	lg   zerolog.Logger

	transport  transport.Adapter
	registry   *broker.TypeRegistry
	validator  *validation.Chain
	outboxStore outbox.Store
	inboxStore  inbox.Store
	telemetry   telemetry.Collector

	poisonAdapter transport.Adapter // adapter the poison handler falls back to
	monitor       *backpressure.Monitor
}

// NewBuilder starts from Defaults(); call With* to override groups before
// Build().
func NewBuilder() *Builder {
	return &Builder{opts: Defaults(), lg: zerolog.Nop(), telemetry: telemetry.NoopCollector}
}

func (b *Builder) WithLogger(lg zerolog.Logger) *Builder {
	b.lg = lg
	return b
}

func (b *Builder) WithOptions(o Options) *Builder {
	b.opts = o
	return b
}

func (b *Builder) WithTransport(t transport.Adapter) *Builder {
	b.transport = t
	b.poisonAdapter = t
	return b
}

func (b *Builder) WithTypeRegistry(r *broker.TypeRegistry) *Builder {
	b.registry = r
	return b
}

func (b *Builder) WithValidator(v *validation.Chain) *Builder {
	b.validator = v
	return b
}

func (b *Builder) WithCompression(o CompressionOptions) *Builder {
	b.opts.Compression = o
	return b
}

func (b *Builder) WithCircuitBreaker(o CircuitOptions) *Builder {
	b.opts.Circuit = o
	return b
}

func (b *Builder) WithBulkhead(o BulkheadOptions) *Builder {
	b.opts.Bulkhead = o
	return b
}

func (b *Builder) WithRateLimiter(o RateOptions) *Builder {
	b.opts.Rate = o
	return b
}

func (b *Builder) WithBackpressure(o BackpressureOptions) *Builder {
	b.opts.Backpressure = o
	return b
}

func (b *Builder) WithDedup(o DedupOptions) *Builder {
	b.opts.Dedup = o
	return b
}

func (b *Builder) WithOutbox(o OutboxOptions, store outbox.Store) *Builder {
	b.opts.Outbox = o
	b.outboxStore = store
	return b
}

func (b *Builder) WithInbox(o InboxOptions, store inbox.Store) *Builder {
	b.opts.Inbox = o
	b.inboxStore = store
	return b
}

func (b *Builder) WithTelemetry(c telemetry.Collector) *Builder {
	b.telemetry = c
	return b
}

func (b *Builder) WithBrokerOptions(o BrokerOptions) *Builder {
	b.opts.Broker = o
	return b
}

// Build assembles every configured collaborator into one *broker.Broker.
// Disabled groups (Enabled == false) are wired as nil so the broker skips
// that stage of its pipeline entirely, matching each component's own
// nil-means-off contract.
func (b *Builder) Build() (*broker.Broker, error) {
	registry := b.registry
	if registry == nil {
		registry = broker.NewTypeRegistry()
	}

	var compressor *compression.Compressor
	if b.opts.Compression.Enabled {
		compressor = compression.New(compression.Config{
			Enabled:          true,
			Algorithm:        b.opts.Compression.Algorithm,
			Level:            b.opts.Compression.Level,
			MinimumSizeBytes: b.opts.Compression.MinimumSizeBytes,
		})
	}

	var cb *circuitbreaker.CircuitBreaker
	if b.opts.Circuit.Enabled {
		cb = circuitbreaker.New(circuitbreaker.Config{
			Enabled:                   true,
			FailureThreshold:          b.opts.Circuit.FailureThreshold,
			Timeout:                   b.opts.Circuit.Timeout,
			SlowCallDurationThreshold: b.opts.Circuit.SlowCallDurationThreshold,
			TrackSlowCalls:            b.opts.Circuit.TrackSlowCalls,
			IgnoredExceptionTypes:     b.opts.Circuit.IgnoredExceptionTypes,
			ExceptionPredicate:        b.opts.Circuit.ExceptionPredicate,
			Sink:                      b.opts.Circuit.Sink,
		})
	}

	var bh *bulkhead.Bulkhead
	if b.opts.Bulkhead.Enabled {
		bh = bulkhead.New(bulkhead.Config{
			MaxConcurrentOperations: b.opts.Bulkhead.MaxConcurrentOperations,
			MaxQueuedOperations:     b.opts.Bulkhead.MaxQueuedOperations,
			AcquisitionTimeout:      b.opts.Bulkhead.AcquisitionTimeout,
		})
	}

	var rl *ratelimit.Limiter
	if b.opts.Rate.Enabled {
		rl = ratelimit.New(ratelimit.Config{
			Enabled:    true,
			Capacity:   b.opts.Rate.Capacity,
			RefillRate: b.opts.Rate.RefillRate,
		})
	}

	var dd *dedup.Deduplicator
	if b.opts.Dedup.Enabled {
		dd = dedup.New(dedup.Config{
			Enabled:            true,
			Window:             b.opts.Dedup.Window,
			MaxCacheSize:       b.opts.Dedup.MaxCacheSize,
			Strategy:           b.opts.Dedup.Strategy,
			CustomHashFunction: b.opts.Dedup.CustomHashFunction,
		})
	}

	if b.opts.Backpressure.Enabled {
		b.monitor = backpressure.New(backpressure.Config{
			LatencyThreshold:            b.opts.Backpressure.LatencyThreshold,
			RecoveryLatencyThreshold:    b.opts.Backpressure.RecoveryLatencyThreshold,
			QueueDepthThreshold:         b.opts.Backpressure.QueueDepthThreshold,
			RecoveryQueueDepthThreshold: b.opts.Backpressure.RecoveryQueueDepthThreshold,
			SampleInterval:              b.opts.Backpressure.SampleInterval,
			Sink:                        b.opts.Backpressure.Sink,
		})
	}

	var outboxWorker *outbox.Worker
	if b.opts.Outbox.Enabled && b.outboxStore != nil && b.transport != nil {
		outboxWorker = outbox.NewWorker(outbox.Config{
			PollInterval:    b.opts.Outbox.PollingInterval,
			BatchSize:       b.opts.Outbox.BatchSize,
			Retention:       b.opts.Outbox.RetentionPeriod,
			LeaseOwner:      b.opts.Inbox.ConsumerName,
		}, b.outboxStore, b.transport, b.lg)
	}

	var inboxChecker *inbox.Checker
	if b.opts.Inbox.Enabled && b.inboxStore != nil {
		inboxChecker = inbox.New(inbox.Config{
			ConsumerName:    b.opts.Inbox.ConsumerName,
			Retention:       b.opts.Inbox.RetentionPeriod,
			CleanupInterval: b.opts.Inbox.CleanupInterval,
		}, b.inboxStore)
	}

	var poisonHandler *poison.Handler
	if b.opts.Retry.MaxAttempts > 0 && b.poisonAdapter != nil {
		poisonHandler = poison.New(poison.Config{
			MaxAttempts: b.opts.Retry.MaxAttempts,
		}, b.poisonAdapter, b.lg)
	}

	brk := broker.New(broker.Config{
		Transport:         b.transport,
		Registry:          registry,
		Compressor:        compressor,
		Validator:         b.validator,
		CircuitBreaker:    cb,
		Bulkhead:          bh,
		RateLimiter:       rl,
		Deduplicator:      dd,
		Outbox:            outboxWorker,
		InboxChecker:      inboxChecker,
		Poison:            poisonHandler,
		Telemetry:         b.telemetry,
		RoutingKeyPattern: b.opts.Broker.DefaultRoutingKeyPattern,
		DrainGrace:        b.opts.Broker.DrainGrace,
	})

	return brk, nil
}

// Monitor returns the backpressure monitor built by the last Build() call,
// or nil if backpressure was not enabled. The broker's dispatch pipeline
// does not gate on it (spec §4.F: backpressure is an admission hint, not
// a hard circuit); callers wire Observe/IsThrottling into their own
// consume loop or worker pool.
func (b *Builder) Monitor() *backpressure.Monitor {
	return b.monitor
}
