// Package poison implements the retry-exhausted quarantine path (spec
// §4.H): once a handler's retry budget is spent the message is escalated
// to a poison queue/topic with exception/attempt/original-type headers
// stamped on, mirroring the teacher's onHandlerError/toFinalDLQ escalation
// in internal/infrastructure/messaging/rabbitmq/consumer.go, generalized
// from email-specific reasons to an arbitrary cause error and from a
// hardcoded DLQ exchange to the transport.DeadLetterer capability (falling
// back to a configured poison queue name when the adapter doesn't expose
// one).
package poison

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/baechuer/relay/envelope"
	"github.com/baechuer/relay/transport"
)

// Hook is invoked after a message is successfully quarantined.
type Hook func(messageID, reason string)

// Config configures the poison handler.
type Config struct {
	MaxAttempts int
	QueueName   string // used when the transport has no DeadLetterer capability
	OnPoisoned  Hook
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.QueueName == "" {
		c.QueueName = "poison"
	}
	return c
}

// Handler decides whether a delivery should be retried or quarantined and
// performs the quarantine when retries are exhausted.
type Handler struct {
	cfg       Config
	adapter   transport.Adapter
	publisher Publisher
	lg        zerolog.Logger
}

// Publisher is the fallback quarantine path used when the transport
// adapter doesn't implement transport.DeadLetterer: the handler sends the
// poisoned envelope to Config.QueueName using the regular Adapter.SendOne.
type Publisher interface {
	SendOne(ctx context.Context, env *envelope.Envelope, opts envelope.Options) error
}

func New(cfg Config, adapter transport.Adapter, lg zerolog.Logger) *Handler {
	return &Handler{
		cfg:     cfg.withDefaults(),
		adapter: adapter,
		lg:      lg.With().Str("component", "poison_handler").Logger(),
	}
}

// ExceededBudget reports whether dc's attempt count has exhausted the
// configured retry budget; callers should quarantine rather than retry
// once this returns true.
func (h *Handler) ExceededBudget(dc *transport.DeliveryContext) bool {
	return dc.Attempt >= h.cfg.MaxAttempts
}

// Quarantine moves dc to the poison path. It builds a copy of the envelope
// stamped with x-poison-reason, x-attempts and x-original-type; when the
// transport implements DeadLetterer it calls MoveToDeadLetter with dc and
// the reason (the stamped copy is not passed), else it sends the stamped
// copy to the configured poison queue. On success it marks the inbox entry
// Failed via markFailed (supplied by the broker), then fires OnPoisoned.
func (h *Handler) Quarantine(ctx context.Context, dc *transport.DeliveryContext, cause error, markFailed func(context.Context) error) error {
	reason := "retry_exhausted"
	if cause != nil {
		reason = cause.Error()
	}

	env := dc.Envelope.
		WithHeader(envelope.HeaderPoisonReason, reason).
		WithHeader(envelope.HeaderAttempts, strconv.Itoa(dc.Attempt))
	env.Headers["x-original-type"] = dc.Envelope.MessageType

	var err error
	if dl, ok := h.adapter.(transport.DeadLetterer); ok {
		err = dl.MoveToDeadLetter(ctx, dc, reason)
	} else {
		err = h.adapter.SendOne(ctx, env, envelope.Options{RoutingKey: h.cfg.QueueName})
	}
	if err != nil {
		h.lg.Error().Err(err).Str("message_id", env.MessageID).Msg("failed to quarantine poison message")
		return err
	}

	if markFailed != nil {
		if ferr := markFailed(ctx); ferr != nil {
			h.lg.Error().Err(ferr).Str("message_id", env.MessageID).Msg("failed to mark inbox entry as failed")
		}
	}

	h.lg.Warn().Str("message_id", env.MessageID).Str("reason", reason).Int("attempts", dc.Attempt).Msg("message quarantined")
	if h.cfg.OnPoisoned != nil {
		h.cfg.OnPoisoned(env.MessageID, reason)
	}
	return nil
}
