// Package outbox implements the publisher-side at-least-once pattern (spec
// §4.I): application code enqueues inside the same transaction as its
// business write, and a publisher worker claims pending entries and hands
// them to the transport. The single-poller, status-only claim (no row
// locking) is grounded in the pack's flowcatalyst outbox-processor
// (FetchPending -> MarkAsInProgress -> MarkWithStatus, entirely
// status-transition driven, portable across storage backends); the
// attempt/backoff bookkeeping (NextRetryDelay, MarkAttempt, MarkFailed) is
// grounded in the ptetau-workshop retry_outbox orchestrator.
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/relay/envelope"
	"github.com/baechuer/relay/errors"
)

// Status is an outbox entry's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusPublished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusPublished:
		return "published"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is a single outbox row.
type Entry struct {
	ID              string
	GroupKey        string // best-effort per-aggregate ordering key
	Envelope        *envelope.Envelope
	Options         envelope.Options
	Status          Status
	Attempts        int
	Version         int
	LeaseOwner      string
	NextAttemptAt   time.Time
	LastAttemptedAt time.Time
	CreatedAt       time.Time
}

// NextRetryDelay computes the exponential backoff before the next attempt,
// grounded directly in the pack's Entry.NextRetryDelay(baseDelay, maxDelay)
// doubling scheme.
func (e *Entry) NextRetryDelay(baseDelay, maxDelay time.Duration) time.Duration {
	if e.Attempts <= 0 {
		return baseDelay
	}
	d := baseDelay
	for i := 0; i < e.Attempts && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Store is the persistence contract outbox entries are claimed through.
// Implementations must make ClaimBatch safe under concurrent pollers by
// transitioning status atomically (CAS on version, or a SETNX-equivalent)
// rather than relying on row locks.
type Store interface {
	Enqueue(ctx context.Context, e *Entry) error
	ClaimBatch(ctx context.Context, leaseOwner string, max int) ([]*Entry, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, cause error) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Publisher is the subset of transport.Adapter the outbox worker needs.
type Publisher interface {
	SendOne(ctx context.Context, env *envelope.Envelope, opts envelope.Options) error
}

// Config configures the publisher worker.
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Retention        time.Duration
	CleanupInterval  time.Duration
	LeaseOwner       string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.LeaseOwner == "" {
		c.LeaseOwner = "relay-outbox-worker"
	}
	return c
}

// Publisher worker: polls the store for Pending entries, hands each to the
// transport, and transitions status on success/failure. Generalized from
// the teacher's runPoller/doPoll loop (the transport's SendOne replaces the
// batch API client).
type Worker struct {
	cfg     Config
	store   Store
	pub     Publisher
	lg      zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewWorker(cfg Config, store Store, pub Publisher, lg zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg.withDefaults(),
		store:  store,
		pub:    pub,
		lg:     lg.With().Str("component", "outbox_worker").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue is a convenience wrapper for application code calling inside its
// own business transaction (spec: "inside the same transaction as its
// business write" — callers are expected to pass a ctx carrying whatever
// transactional handle their Store implementation keys off of).
func (w *Worker) Enqueue(ctx context.Context, env *envelope.Envelope, opts envelope.Options, groupKey string) error {
	return w.store.Enqueue(ctx, &Entry{
		ID:        env.MessageID,
		GroupKey:  groupKey,
		Envelope:  env,
		Options:   opts,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	})
}

// Run starts the polling and cleanup loops; blocks until ctx is cancelled
// or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(w.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-pollTicker.C:
			w.poll(ctx)
		case <-cleanupTicker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// CheckHealth satisfies health.Checker by structural typing: the worker
// is healthy as long as its Run loop hasn't exited.
func (w *Worker) CheckHealth(ctx context.Context) error {
	select {
	case <-w.doneCh:
		return errors.New(errors.CodeTransportError, "outbox worker has stopped")
	default:
		return nil
	}
}

func (w *Worker) poll(ctx context.Context) {
	entries, err := w.store.ClaimBatch(ctx, w.cfg.LeaseOwner, w.cfg.BatchSize)
	if err != nil {
		w.lg.Error().Err(err).Msg("failed to claim outbox batch")
		return
	}
	for _, e := range entries {
		w.publishEntry(ctx, e)
	}
}

func (w *Worker) publishEntry(ctx context.Context, e *Entry) {
	if err := w.pub.SendOne(ctx, e.Envelope, e.Options); err != nil {
		next := time.Now().Add(e.NextRetryDelay(w.cfg.BaseDelay, w.cfg.MaxDelay))
		w.lg.Warn().Err(err).Str("entry_id", e.ID).Time("next_attempt", next).Msg("outbox publish failed, scheduled for retry")
		if merr := w.store.MarkFailed(ctx, e.ID, next, err); merr != nil {
			w.lg.Error().Err(merr).Str("entry_id", e.ID).Msg("failed to record outbox publish failure")
		}
		return
	}
	if err := w.store.MarkPublished(ctx, e.ID); err != nil {
		w.lg.Error().Err(err).Str("entry_id", e.ID).Msg("failed to mark outbox entry published")
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	n, err := w.store.DeleteOlderThan(ctx, time.Now().Add(-w.cfg.Retention))
	if err != nil {
		w.lg.Error().Err(err).Msg("outbox cleanup failed")
		return
	}
	if n > 0 {
		w.lg.Debug().Int("deleted", n).Msg("outbox cleanup removed published entries")
	}
}
