// Package inprocess implements an in-process transport.Adapter with no
// external broker, used for tests and single-process deployments of the
// core. SendOne starts one goroutine per matching subscription per message;
// there is no buffered channel or queue, so delivery order is not
// guaranteed. Shape is grounded in the pack's pub-sub pattern (a registry
// guarded by a RWMutex, cancellation via per-subscription context)
// generalized to the transport.Adapter contract.
package inprocess

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/baechuer/relay/envelope"
	"github.com/baechuer/relay/errors"
	"github.com/baechuer/relay/transport"
)

type boundSubscription struct {
	sub     *transport.Subscription
	opts    transport.SubscriptionOptions
	handler transport.Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// Adapter is a goroutine-per-delivery transport.Adapter with no external
// broker.
type Adapter struct {
	mu   sync.RWMutex
	subs map[string][]*boundSubscription // keyed by TypeDescriptor.Name

	started bool
	stopped bool
}

func New() *Adapter {
	return &Adapter{subs: make(map[string][]*boundSubscription)}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, list := range a.subs {
		for _, bs := range list {
			bs.cancel()
		}
	}
	return nil
}

func (a *Adapter) Dispose() error { return nil }

// CheckHealth satisfies health.Checker by structural typing: an
// in-process adapter is healthy as long as it hasn't been stopped.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return errors.New(errors.CodeTransportError, "in-process adapter has been stopped")
	}
	return nil
}

// SendOne delivers env to every subscription registered for its
// MessageType whose RoutingFilter (if any) matches the envelope's routing
// key, each in its own goroutine so slow handlers don't block the sender.
func (a *Adapter) SendOne(ctx context.Context, env *envelope.Envelope, opts envelope.Options) error {
	a.mu.RLock()
	list := append([]*boundSubscription(nil), a.subs[env.MessageType]...)
	a.mu.RUnlock()

	for _, bs := range list {
		if bs.opts.RoutingFilter != "" && !matches(bs.opts.RoutingFilter, env.RoutingKey) {
			continue
		}
		bs := bs
		go a.deliver(bs, env)
	}
	return nil
}

func (a *Adapter) SendMany(ctx context.Context, envs []*envelope.Envelope, opts envelope.Options) error {
	for _, env := range envs {
		if err := a.SendOne(ctx, env, opts); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) deliver(bs *boundSubscription, env *envelope.Envelope) {
	attempt := 1
	dc := &transport.DeliveryContext{
		Envelope: env,
		Attempt:  attempt,
		Ack:      func() error { return nil },
		Nack:     func(bool) error { return nil },
	}
	// In-process delivery has no redelivery queue of its own; errors are
	// surfaced to the handler's caller via the broker's own retry/poison
	// machinery, which wraps Handler before it ever reaches here. The
	// subscription's own context is used (not context.Background()) so
	// Stop/Unsubscribe cancellation actually reaches the running handler.
	_ = bs.handler(bs.ctx, dc)
}

func (a *Adapter) Subscribe(ctx context.Context, typ transport.TypeDescriptor, opts transport.SubscriptionOptions, h transport.Handler) (*transport.Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &transport.Subscription{ID: uuid.NewString(), Type: typ}
	bs := &boundSubscription{
		sub:     sub,
		opts:    opts,
		handler: h,
		ctx:     subCtx,
		cancel:  cancel,
	}

	a.mu.Lock()
	a.subs[typ.Name] = append(a.subs[typ.Name], bs)
	a.mu.Unlock()

	return sub, nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, sub *transport.Subscription) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := a.subs[sub.Type.Name]
	for i, bs := range list {
		if bs.sub.ID == sub.ID {
			bs.cancel()
			a.subs[sub.Type.Name] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// matches implements the "orders.*" style single-level/prefix wildcard
// routing filter the pack's pub-sub examples use.
func matches(pattern, routingKey string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(routingKey, prefix)
	}
	return pattern == routingKey
}
