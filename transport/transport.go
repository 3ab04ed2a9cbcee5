// Package transport defines the broker-facing contract a concrete
// transport must satisfy (spec §4.K). Concrete adapters live in
// subpackages (inprocess, amqp); the broker never imports them directly —
// it is handed an Adapter value by the Builder (config.Builder).
package transport

import (
	"context"

	"github.com/baechuer/relay/envelope"
)

// TypeDescriptor identifies a registered message type for Subscribe.
type TypeDescriptor struct {
	Name string
}

// DeliveryContext is handed to a subscription handler alongside the
// payload; it exposes the ack/nack operations the transport implements
// (spec §9: "the context carries ack/nack operations that the transport
// adapter implements").
type DeliveryContext struct {
	Envelope *envelope.Envelope
	Attempt  int
	Ack      func() error
	Nack     func(requeue bool) error
}

// Handler is the single normalized shape every subscription handler takes
// (spec §9 "async handlers"): payload, delivery context, done when the
// returned error is observed.
type Handler func(ctx context.Context, dc *DeliveryContext) error

// Subscription is the handle returned by Subscribe; Unsubscribe accepts it
// back. The broker tracks subscriptions by this stable value, never by an
// owning pointer back into the adapter (spec §9 "cyclic ownership").
type Subscription struct {
	ID   string
	Type TypeDescriptor
}

// SubscriptionOptions configures a single Subscribe call (spec §3).
type SubscriptionOptions struct {
	Queue             string
	RoutingFilter     string
	ConsumerGroup     string
	Prefetch          int
	AutoAck           bool
	Durable           bool
	ValidateOnConsume bool
}

// Adapter is the contract a concrete transport must satisfy (spec §4.K).
type Adapter interface {
	SendOne(ctx context.Context, env *envelope.Envelope, opts envelope.Options) error
	SendMany(ctx context.Context, envs []*envelope.Envelope, opts envelope.Options) error
	Subscribe(ctx context.Context, typ TypeDescriptor, opts SubscriptionOptions, h Handler) (*Subscription, error)
	Unsubscribe(ctx context.Context, sub *Subscription) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Dispose() error
}

// Capabilities is the optional capability set a transport may expose
// beyond the base Adapter contract (spec §4.K: "scheduled delivery, FIFO
// group identifiers, priority, session/partition key, dead-letter move,
// transactions").
type Capabilities struct {
	SupportsDeadLetter        bool
	SupportsPriority          bool
	SupportsScheduledDelivery bool
	SupportsPartitionKey      bool
	SupportsTransactions      bool
}

// CapabilityProvider is implemented by adapters that expose Capabilities;
// Probe reads it without type-asserting on a concrete adapter type. The
// broker and config.Builder do not call Probe; the poison handler checks
// for DeadLetterer directly.
type CapabilityProvider interface {
	Capabilities() Capabilities
}

// DeadLetterer is implemented by adapters whose CapabilityProvider reports
// SupportsDeadLetter; the poison handler calls it directly when available.
type DeadLetterer interface {
	MoveToDeadLetter(ctx context.Context, dc *DeliveryContext, reason string) error
}

// Probe reports an adapter's capabilities, defaulting to the zero value
// (nothing supported) when it doesn't implement CapabilityProvider.
func Probe(a Adapter) Capabilities {
	if cp, ok := a.(CapabilityProvider); ok {
		return cp.Capabilities()
	}
	return Capabilities{}
}
