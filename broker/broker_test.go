package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/relay/envelope"
	"github.com/baechuer/relay/inbox"
	"github.com/baechuer/relay/outbox"
	"github.com/baechuer/relay/poison"
	relaytransport "github.com/baechuer/relay/transport"
	"github.com/baechuer/relay/transport/inprocess"
	"github.com/baechuer/relay/validation"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

type orderCreated struct {
	ID string `json:"id"`
}

func registerOrderType(r *TypeRegistry) {
	RegisterType[orderCreated](r, "OrderCreated",
		func(v orderCreated) ([]byte, error) { return json.Marshal(v) },
		func(b []byte) (orderCreated, error) {
			var v orderCreated
			err := json.Unmarshal(b, &v)
			return v, err
		},
	)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)

	transportAdapter := inprocess.New()
	b := New(Config{Transport: transportAdapter, Registry: reg})

	received := make(chan orderCreated, 1)
	_, err := Subscribe[orderCreated](b, context.Background(), "OrderCreated", relaytransport.SubscriptionOptions{},
		func(ctx context.Context, msg orderCreated, dc *relaytransport.DeliveryContext) error {
			received <- msg
			return nil
		})
	require.NoError(t, err)

	err = Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "o1", msg.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishAutoStartsBroker(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	b := New(Config{Transport: inprocess.New(), Registry: reg})

	assert.False(t, b.IsStarted())
	err := Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{})
	require.NoError(t, err)
	assert.True(t, b.IsStarted())
}

func TestOperationsAfterDisposeFail(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	b := New(Config{Transport: inprocess.New(), Registry: reg})

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Dispose())

	err := Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{})
	require.Error(t, err)
}

func TestStartIsIdempotent(t *testing.T) {
	b := New(Config{Transport: inprocess.New()})
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	assert.True(t, b.IsStarted())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	b := New(Config{Transport: inprocess.New()})
	require.NoError(t, b.Stop(context.Background()))
}

func TestStopWaitsForInFlightHandlerToFinish(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	transportAdapter := inprocess.New()
	b := New(Config{Transport: transportAdapter, Registry: reg, DrainGrace: time.Second})

	handlerStarted := make(chan struct{})
	releaseHandler := make(chan struct{})
	handlerFinished := make(chan struct{})
	_, err := Subscribe[orderCreated](b, context.Background(), "OrderCreated", relaytransport.SubscriptionOptions{},
		func(ctx context.Context, msg orderCreated, dc *relaytransport.DeliveryContext) error {
			close(handlerStarted)
			<-releaseHandler
			close(handlerFinished)
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{}))
	<-handlerStarted

	stopDone := make(chan struct{})
	go func() {
		require.NoError(t, b.Stop(context.Background()))
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseHandler)
	<-handlerFinished

	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	b := New(Config{Transport: inprocess.New()})
	require.NoError(t, b.Dispose())
	require.NoError(t, b.Dispose())
	assert.True(t, b.IsDisposed())
}

func TestRoutingKeyDerivedFromPattern(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	transportAdapter := inprocess.New()
	b := New(Config{Transport: transportAdapter, Registry: reg, RoutingKeyPattern: "relay.{MessageType}"})

	var gotRoutingKey string
	_, err := Subscribe[orderCreated](b, context.Background(), "OrderCreated", relaytransport.SubscriptionOptions{},
		func(ctx context.Context, msg orderCreated, dc *relaytransport.DeliveryContext) error {
			gotRoutingKey = dc.Envelope.RoutingKey
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "relay.OrderCreated", gotRoutingKey)
}

func TestDuplicateMessageSkipsHandlerViaInbox(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	transportAdapter := inprocess.New()
	checker := inbox.New(inbox.Config{ConsumerName: "test-consumer"}, inbox.NewMemStore())
	b := New(Config{Transport: transportAdapter, Registry: reg, InboxChecker: checker})

	var mu sync.Mutex
	calls := 0
	_, err := Subscribe[orderCreated](b, context.Background(), "OrderCreated", relaytransport.SubscriptionOptions{},
		func(ctx context.Context, msg orderCreated, dc *relaytransport.DeliveryContext) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	payload, _ := json.Marshal(orderCreated{ID: "o1"})
	env := envelope.New("OrderCreated", payload, envelope.Options{})
	env.MessageID = "dup-1"

	require.NoError(t, transportAdapter.SendOne(context.Background(), env, envelope.Options{}))
	require.NoError(t, transportAdapter.SendOne(context.Background(), env, envelope.Options{}))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "second delivery with the same message id must be skipped by the inbox")
}

func TestExhaustedRetriesQuarantineViaPoisonHandler(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	transportAdapter := inprocess.New()

	var quarantined bool
	var mu sync.Mutex
	poisonHandler := poison.New(poison.Config{MaxAttempts: 1, OnPoisoned: func(id, reason string) {
		mu.Lock()
		quarantined = true
		mu.Unlock()
	}}, transportAdapter, testLogger())

	b := New(Config{Transport: transportAdapter, Registry: reg, Poison: poisonHandler})

	_, err := Subscribe[orderCreated](b, context.Background(), "OrderCreated", relaytransport.SubscriptionOptions{},
		func(ctx context.Context, msg orderCreated, dc *relaytransport.DeliveryContext) error {
			return errors.New("handler exploded")
		})
	require.NoError(t, err)

	require.NoError(t, Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{}))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, quarantined)
}

func TestPublishValidatesTypedValueBeforeSerializing(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	transportAdapter := inprocess.New()

	chain := &validation.Chain{Programmatic: func(v any) []string {
		msg, ok := v.(orderCreated)
		if !ok || msg.ID != "" {
			return nil
		}
		return []string{"id must not be empty"}
	}}
	b := New(Config{Transport: transportAdapter, Registry: reg, Validator: chain})

	err := Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: ""}, envelope.Options{})
	require.Error(t, err)

	err = Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{})
	require.NoError(t, err)
}

func TestConsumeSideValidationRejectsInvalidPayloadWhenOptedIn(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	transportAdapter := inprocess.New()

	chain := &validation.Chain{Programmatic: func(v any) []string {
		msg, ok := v.(orderCreated)
		if !ok || msg.ID != "" {
			return nil
		}
		return []string{"id must not be empty"}
	}}
	b := New(Config{Transport: transportAdapter, Registry: reg, Validator: chain})

	var delivered int
	var mu sync.Mutex
	_, err := Subscribe[orderCreated](b, context.Background(), "OrderCreated",
		relaytransport.SubscriptionOptions{ValidateOnConsume: true},
		func(ctx context.Context, msg orderCreated, dc *relaytransport.DeliveryContext) error {
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	payload, err := json.Marshal(orderCreated{ID: ""})
	require.NoError(t, err)
	require.NoError(t, b.PublishRaw(context.Background(), "OrderCreated", payload, envelope.Options{}))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, delivered, "consume-side validation must reject the empty id before the handler runs")
}

func TestStartRunsOutboxWorkerSoEnqueuedEntriesGetPublished(t *testing.T) {
	reg := NewTypeRegistry()
	registerOrderType(reg)
	transportAdapter := inprocess.New()
	store := outbox.NewMemStore()
	worker := outbox.NewWorker(outbox.Config{PollInterval: 10 * time.Millisecond}, store, transportAdapter, testLogger())

	b := New(Config{Transport: transportAdapter, Registry: reg, Outbox: worker})

	var received []orderCreated
	var mu sync.Mutex
	_, err := Subscribe[orderCreated](b, context.Background(), "OrderCreated", relaytransport.SubscriptionOptions{},
		func(ctx context.Context, msg orderCreated, dc *relaytransport.DeliveryContext) error {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, Publish[orderCreated](b, context.Background(), "OrderCreated", orderCreated{ID: "o1"}, envelope.Options{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond, "outbox worker started by broker.Start must publish the enqueued entry")

	require.NoError(t, b.Stop(context.Background()))
}
