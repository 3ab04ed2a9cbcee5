package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/baechuer/relay/bulkhead"
	"github.com/baechuer/relay/circuitbreaker"
	"github.com/baechuer/relay/compression"
	"github.com/baechuer/relay/dedup"
	"github.com/baechuer/relay/envelope"
	"github.com/baechuer/relay/errors"
	"github.com/baechuer/relay/inbox"
	"github.com/baechuer/relay/outbox"
	"github.com/baechuer/relay/poison"
	"github.com/baechuer/relay/ratelimit"
	"github.com/baechuer/relay/telemetry"
	"github.com/baechuer/relay/transport"
	"github.com/baechuer/relay/validation"
)

// SubState is a subscription's position in the dispatcher state machine
// (spec §4.L): Registered -> Active -> Draining -> Stopped.
type SubState int32

const (
	SubRegistered SubState = iota
	SubActive
	SubDraining
	SubStopped
)

// Config assembles the Broker's collaborators. Every field is optional;
// a zero Config yields a broker with no transport and every resilience
// component disabled (nil collaborators are skipped). Without a Transport,
// Subscribe fails with a transport error and a direct publish has nothing
// to send through.
type Config struct {
	Transport          transport.Adapter
	Registry           *TypeRegistry
	Compressor         *compression.Compressor
	Validator          *validation.Chain
	CircuitBreaker     *circuitbreaker.CircuitBreaker
	Bulkhead           *bulkhead.Bulkhead
	RateLimiter        *ratelimit.Limiter
	Deduplicator       *dedup.Deduplicator
	Outbox             *outbox.Worker
	InboxChecker       *inbox.Checker
	Poison             *poison.Handler
	Telemetry          telemetry.Collector
	RoutingKeyPattern  string // e.g. "{MessageType}" or "relay.{MessageType}"
	DrainGrace         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Registry == nil {
		c.Registry = NewTypeRegistry()
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.NoopCollector
	}
	if c.RoutingKeyPattern == "" {
		c.RoutingKeyPattern = "{MessageType}"
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
	return c
}

type subscription struct {
	handle *transport.Subscription
	state  SubState
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// Broker is the single entry point for Publish/Subscribe, gated by
// whichever resilience components Config wires in.
type Broker struct {
	cfg Config

	mu         sync.Mutex
	started    bool
	disposed   bool
	subs       map[string]*subscription
}

func New(cfg Config) *Broker {
	return &Broker{cfg: cfg.withDefaults(), subs: make(map[string]*subscription)}
}

// Start is idempotent: re-calling after Start is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return errors.ObjectDisposed("broker")
	}
	if b.started {
		return nil
	}
	if b.cfg.Transport != nil {
		if err := b.cfg.Transport.Start(ctx); err != nil {
			return err
		}
	}
	if b.cfg.Outbox != nil {
		// Run's own lifetime is Stop-scoped, not tied to the ctx Start was
		// called with (which may be cancelled the moment Start returns).
		go b.cfg.Outbox.Run(context.Background())
	}
	b.started = true
	return nil
}

// Stop is idempotent: calling before Start is a no-op. All subscriptions
// move to Draining, get DrainGrace to finish in-flight handlers, then
// Stopped.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.state = SubDraining
		s.mu.Unlock()
	}

	drained := make(chan struct{})
	go func() {
		for _, s := range subs {
			s.wg.Wait()
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(b.cfg.DrainGrace):
	case <-ctx.Done():
	}

	for _, s := range subs {
		s.mu.Lock()
		s.state = SubStopped
		s.mu.Unlock()
	}

	if b.cfg.Outbox != nil {
		b.cfg.Outbox.Stop()
	}

	if b.cfg.Transport != nil {
		return b.cfg.Transport.Stop(ctx)
	}
	return nil
}

// Dispose is idempotent.
func (b *Broker) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil
	}
	b.disposed = true
	if b.cfg.Transport != nil {
		return b.cfg.Transport.Dispose()
	}
	return nil
}

func (b *Broker) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Broker) IsDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

func (b *Broker) autoStart(ctx context.Context) error {
	b.mu.Lock()
	disposed := b.disposed
	started := b.started
	b.mu.Unlock()
	if disposed {
		return errors.ObjectDisposed("broker")
	}
	if started {
		return nil
	}
	return b.Start(ctx)
}

// deriveRoutingKey fills in opts.RoutingKey from Config.RoutingKeyPattern
// when the caller didn't supply one (spec §4.L routing-key derivation).
func (b *Broker) deriveRoutingKey(messageType string, opts envelope.Options) envelope.Options {
	if opts.RoutingKey != "" {
		return opts
	}
	opts.RoutingKey = strings.ReplaceAll(b.cfg.RoutingKeyPattern, "{MessageType}", messageType)
	opts.RoutingKey = strings.ReplaceAll(opts.RoutingKey, "{MessageFullName}", messageType)
	return opts
}

// publishBytes runs the shared publish pipeline on an already-serialized
// payload: compress, route through outbox if configured, else straight
// through the resilience mesh to the transport (spec §2 control flow,
// §4.L Publish). Validation happens one layer up, on the typed value,
// since there's no schema left to check once msg is already bytes.
func (b *Broker) publishBytes(ctx context.Context, messageType string, payload []byte, opts envelope.Options) error {
	if err := b.autoStart(ctx); err != nil {
		return err
	}

	if b.cfg.Compressor != nil {
		compressed, algo := b.cfg.Compressor.Compress(payload)
		if algo != compression.None {
			payload = compressed
			if opts.Headers == nil {
				opts.Headers = make(map[string]string)
			}
			opts.Headers[envelope.HeaderCompression] = algo.String()
		}
	}

	opts = b.deriveRoutingKey(messageType, opts)
	env := envelope.New(messageType, payload, opts)

	if b.cfg.Outbox != nil {
		return b.cfg.Outbox.Enqueue(ctx, env, opts, opts.RoutingKey)
	}
	return b.sendThroughMesh(ctx, env, opts)
}

// sendThroughMesh gates a direct (non-outbox) send through rate limiter,
// bulkhead and circuit breaker, in that order, exactly the "each link is
// gated" control flow of spec §2.
func (b *Broker) sendThroughMesh(ctx context.Context, env *envelope.Envelope, opts envelope.Options) error {
	if b.cfg.RateLimiter != nil {
		if err := b.cfg.RateLimiter.Acquire(ctx); err != nil {
			return err
		}
	}

	send := func(ctx context.Context) error {
		return b.cfg.Transport.SendOne(ctx, env, opts)
	}

	if b.cfg.Bulkhead != nil {
		permit, err := b.cfg.Bulkhead.Acquire(ctx)
		if err != nil {
			return err
		}
		defer permit.Release()
	}

	if b.cfg.CircuitBreaker != nil {
		return b.cfg.CircuitBreaker.Call(ctx, send)
	}
	return send(ctx)
}

// PublishRaw runs the publish pipeline for callers that already hold
// serialized bytes; it does not run the Validator. The typed entry point
// (spec §4.L Publish<T>) is the package-level Publish function.
func (b *Broker) PublishRaw(ctx context.Context, messageType string, payload []byte, opts envelope.Options) error {
	if payload == nil {
		return errors.ArgumentNull("payload")
	}
	return b.publishBytes(ctx, messageType, payload, opts)
}

// PublishBatchRaw is the batched variant of PublishRaw (spec §4.L
// PublishBatch<T>).
func (b *Broker) PublishBatchRaw(ctx context.Context, messageType string, payloads [][]byte, opts envelope.Options) error {
	for _, p := range payloads {
		if err := b.PublishRaw(ctx, messageType, p, opts); err != nil {
			return err
		}
	}
	return nil
}

// Publish serializes msg via the type's registered Serializer and runs
// it through the publish pipeline — the generic, typed call site spec
// §4.L names Publish<T>(message, options?, cancel).
func Publish[T any](b *Broker, ctx context.Context, typeName string, msg T, opts envelope.Options) error {
	entry, err := b.cfg.Registry.lookup(typeName)
	if err != nil {
		return err
	}

	// Validation runs on the typed value, before serialization (spec §4.B:
	// "invoked before compression on publish"), not on the serialized bytes
	// publishBytes/PublishRaw work with — a StructTagValidator has no tags
	// to check once msg is already []byte.
	if b.cfg.Validator != nil {
		if fields := b.cfg.Validator.Validate(msg); len(fields) > 0 {
			return errors.ValidationFailed(fields)
		}
	}

	payload, err := entry.serialize(msg)
	if err != nil {
		return errors.Wrap(errors.CodeValidationFailed, "serialize failed", err)
	}
	return b.publishBytes(ctx, typeName, payload, opts)
}

// TypedHandler is the application-facing handler shape for Subscribe[T]:
// normalized per spec §9 "async handlers" to (payload, context, cancel).
type TypedHandler[T any] func(ctx context.Context, msg T, dc *transport.DeliveryContext) error

// Subscribe registers a duplicate-safe, type-descriptor-driven
// subscription (spec §4.L Subscribe<T>): inbound bytes are deserialized
// via the registry before h is invoked, with inbox/dedup/poison handling
// wrapped around the call by the broker's internal dispatch, never by
// the transport adapter.
func Subscribe[T any](b *Broker, ctx context.Context, typeName string, opts transport.SubscriptionOptions, h TypedHandler[T]) (*transport.Subscription, error) {
	entry, err := b.cfg.Registry.lookup(typeName)
	if err != nil {
		return nil, err
	}

	wrapped := func(ctx context.Context, dc *transport.DeliveryContext) error {
		return b.dispatch(ctx, entry, dc, opts.ValidateOnConsume, func(ctx context.Context, v any, dc *transport.DeliveryContext) error {
			typed, ok := v.(T)
			if !ok {
				return errors.New(errors.CodeValidationFailed, "deserialized value type mismatch for "+typeName)
			}
			return h(ctx, typed, dc)
		})
	}

	return b.subscribeRaw(ctx, typeName, opts, wrapped)
}

func (b *Broker) subscribeRaw(ctx context.Context, typeName string, opts transport.SubscriptionOptions, h transport.Handler) (*transport.Subscription, error) {
	if err := b.autoStart(ctx); err != nil {
		return nil, err
	}
	if b.cfg.Transport == nil {
		return nil, errors.New(errors.CodeTransportError, "no transport configured")
	}

	sub := &subscription{state: SubActive}

	// tracked wraps the transport-facing handler with sub.wg so Stop's
	// drain wait actually observes in-flight handler calls, instead of
	// racing a WaitGroup that nothing ever Adds to.
	tracked := func(ctx context.Context, dc *transport.DeliveryContext) error {
		sub.wg.Add(1)
		defer sub.wg.Done()
		return h(ctx, dc)
	}

	handle, err := b.cfg.Transport.Subscribe(ctx, transport.TypeDescriptor{Name: typeName}, opts, tracked)
	if err != nil {
		return nil, err
	}

	sub.handle = handle
	b.mu.Lock()
	b.subs[handle.ID] = sub
	b.mu.Unlock()
	return handle, nil
}

// dispatch wraps one delivery with decompression, dedup and inbox
// bookkeeping before handing off to the type-specific callback (spec §2
// receive control flow: Decompressor -> Deduplicator -> Inbox mark-
// processing -> handler -> Inbox mark-processed OR Poison Handler).
func (b *Broker) dispatch(ctx context.Context, entry *typeEntry, dc *transport.DeliveryContext, validateOnConsume bool, call func(context.Context, any, *transport.DeliveryContext) error) error {
	payload := dc.Envelope.Payload
	if b.cfg.Compressor != nil {
		if algoName, ok := dc.Envelope.Header(envelope.HeaderCompression); ok {
			algo := compression.ParseAlgorithm(algoName)
			if algo != compression.None {
				decompressed, err := b.cfg.Compressor.Decompress(payload, algo)
				if err != nil {
					return err
				}
				payload = decompressed
			}
		}
	}

	if b.cfg.Deduplicator != nil {
		fp := b.cfg.Deduplicator.Fingerprint(payload, dc.Envelope.MessageID)
		if dup, _ := b.cfg.Deduplicator.TryAdd(fp, time.Now()); dup {
			b.cfg.Telemetry.IncCounter("dedup_hits", map[string]string{"type": entry.name})
			return nil
		}
	}

	if b.cfg.InboxChecker != nil {
		decision, err := b.cfg.InboxChecker.Begin(ctx, dc.Envelope.MessageID)
		if err != nil {
			return err
		}
		if decision != inbox.DecisionProcess {
			return nil
		}
	}

	value, err := entry.deserialize(payload)
	if err != nil {
		return errors.Wrap(errors.CodeValidationFailed, "deserialize failed", err)
	}

	if validateOnConsume && b.cfg.Validator != nil {
		if fields := b.cfg.Validator.Validate(value); len(fields) > 0 {
			return errors.ValidationFailed(fields)
		}
	}

	handlerErr := call(ctx, value, dc)

	if b.cfg.InboxChecker != nil {
		if handlerErr != nil {
			_ = b.cfg.InboxChecker.MarkFailed(ctx, dc.Envelope.MessageID)
		} else {
			_ = b.cfg.InboxChecker.MarkProcessed(ctx, dc.Envelope.MessageID)
		}
	}

	if handlerErr != nil && b.cfg.Poison != nil && b.cfg.Poison.ExceededBudget(dc) {
		return b.cfg.Poison.Quarantine(ctx, dc, handlerErr, func(ctx context.Context) error {
			if b.cfg.InboxChecker != nil {
				return b.cfg.InboxChecker.MarkFailed(ctx, dc.Envelope.MessageID)
			}
			return nil
		})
	}

	return handlerErr
}

// Unsubscribe removes a subscription and transitions it to Stopped.
func (b *Broker) Unsubscribe(ctx context.Context, handle *transport.Subscription) error {
	b.mu.Lock()
	s, ok := b.subs[handle.ID]
	if ok {
		delete(b.subs, handle.ID)
	}
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.state = SubStopped
		s.mu.Unlock()
	}
	if b.cfg.Transport == nil {
		return nil
	}
	return b.cfg.Transport.Unsubscribe(ctx, handle)
}
