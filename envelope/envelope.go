// Package envelope holds the wire-agnostic message envelope and publish
// options described in spec §3/§6. Once an Envelope leaves the publisher it
// is treated as immutable by convention: New copies the option headers into
// a fresh map, and WithHeader returns a modified copy instead of writing to
// the original's Headers map (which is itself an exported, writable map).
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// ReservedHeaderPrefix is owned by the runtime; user headers must not use it.
const ReservedHeaderPrefix = "x-relay-"

// Well-known header names carried on the wire (spec §6).
const (
	HeaderMessageType   = "x-message-type"
	HeaderMessageID     = "x-message-id"
	HeaderTimestamp     = "x-timestamp"
	HeaderCorrelationID = "x-correlation-id"
	HeaderCompression   = "x-compression"
	HeaderAttempts      = "x-attempts"
	HeaderSchemaID      = "x-schema-id"
	HeaderSagaID        = "x-saga-id"
	HeaderPoisonReason  = "x-poison-reason"
)

// Envelope carries a payload plus the metadata a transport needs to route
// and redeliver it. Construct via New; fields are read-only afterward by
// convention (no setters are exposed once published).
type Envelope struct {
	Payload         []byte
	MessageType     string
	MessageID       string
	CorrelationID   string
	Timestamp       time.Time
	RoutingKey      string
	Exchange        string
	Headers         map[string]string
	Priority        int
	HasPriority     bool
	Expiration      time.Duration
	HasExpiration   bool
}

// Options configures a single publish call (spec §3 "Publish Options").
// Its lifetime is the duration of one Publish/PublishBatch invocation.
type Options struct {
	RoutingKey    string
	Exchange      string
	Headers       map[string]string
	Priority      int
	HasPriority   bool
	Expiration    time.Duration
	HasExpiration bool
	Persistent    bool
	SchemaRef     string

	// MessageID overrides the generated message id when set, e.g. to carry
	// an idempotency key supplied by the caller rather than one minted at
	// publish time. Most callers leave this empty and let New generate one.
	MessageID string
	// CorrelationID links this message to a request or saga step (spec §3,
	// §6 HeaderCorrelationID). Left empty, the envelope carries no
	// correlation id.
	CorrelationID string
}

// New builds an immutable Envelope for messageType carrying payload. The
// MessageID is generated once here (spec: "unique message identifier,
// generated at first publish"), unless opts.MessageID overrides it.
func New(messageType string, payload []byte, opts Options) *Envelope {
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return &Envelope{
		Payload:       payload,
		MessageType:   messageType,
		MessageID:     messageID,
		CorrelationID: opts.CorrelationID,
		Timestamp:     time.Now().UTC(),
		RoutingKey:    opts.RoutingKey,
		Exchange:      opts.Exchange,
		Headers:       headers,
		Priority:      opts.Priority,
		HasPriority:   opts.HasPriority,
		Expiration:    opts.Expiration,
		HasExpiration: opts.HasExpiration,
	}
}

// Header returns a header value and whether it was present.
func (e *Envelope) Header(name string) (string, bool) {
	v, ok := e.Headers[name]
	return v, ok
}

// WithHeader returns a copy of the envelope with name=value set, preserving
// immutability of the original (used by the poison path, which stamps
// x-poison-reason and x-attempts without mutating the in-flight envelope).
func (e *Envelope) WithHeader(name, value string) *Envelope {
	cp := *e
	cp.Headers = make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		cp.Headers[k] = v
	}
	cp.Headers[name] = value
	return &cp
}
