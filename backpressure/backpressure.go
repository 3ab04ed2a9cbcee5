// Package backpressure implements the latency/queue-depth throttling
// signal of spec §4.F. There is no direct teacher analogue; the
// sample-on-interval + hysteresis design follows the same
// "config struct + mutex-guarded mutable state + event sink" shape as
// circuitbreaker, generalized to two independent axes (latency, queue
// depth) that both have to recover before IsThrottling clears.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventSink receives activation/deactivation notifications.
type EventSink interface {
	OnActivated()
	OnDeactivated()
}

type noopSink struct{}

func (noopSink) OnActivated()   {}
func (noopSink) OnDeactivated() {}

// Config configures the monitor per the `backpressure` option group of
// spec §6. Recovery thresholds must be strictly below activation
// thresholds on each axis (spec invariant) — New panics otherwise since
// this is a programming error, not a runtime condition.
type Config struct {
	LatencyThreshold         time.Duration
	RecoveryLatencyThreshold time.Duration
	QueueDepthThreshold      int
	RecoveryQueueDepthThreshold int
	SampleInterval           time.Duration
	Sink                     EventSink
}

// Monitor samples consumer latency and queue depth on a fixed interval and
// exposes IsThrottling as an admission hint.
type Monitor struct {
	cfg Config

	latency    atomic.Int64 // nanoseconds, last observed sample
	queueDepth atomic.Int64

	mu          sync.Mutex
	throttling  bool
	belowSince  time.Time // when both metrics first went below recovery thresholds
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func New(cfg Config) *Monitor {
	if cfg.RecoveryLatencyThreshold >= cfg.LatencyThreshold {
		panic("backpressure: RecoveryLatencyThreshold must be below LatencyThreshold")
	}
	if cfg.RecoveryQueueDepthThreshold >= cfg.QueueDepthThreshold {
		panic("backpressure: RecoveryQueueDepthThreshold must be below QueueDepthThreshold")
	}
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	return &Monitor{cfg: cfg, stopCh: make(chan struct{})}
}

// Observe records a fresh latency/queue-depth sample; call this from the
// code path that has visibility into both (e.g. the broker's consume
// loop) rather than having the monitor poll an external source.
func (m *Monitor) Observe(latency time.Duration, queueDepth int) {
	m.latency.Store(int64(latency))
	m.queueDepth.Store(int64(queueDepth))
}

// Run evaluates samples every SampleInterval until ctx-like stop is
// requested via Stop. It applies the hysteresis rule: deactivation
// requires both axes below their recovery thresholds for a full
// observation interval, to prevent flapping.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evaluate()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) evaluate() {
	lat := time.Duration(m.latency.Load())
	depth := int(m.queueDepth.Load())

	m.mu.Lock()
	defer m.mu.Unlock()

	overThreshold := lat > m.cfg.LatencyThreshold || depth > m.cfg.QueueDepthThreshold
	belowRecovery := lat < m.cfg.RecoveryLatencyThreshold && depth < m.cfg.RecoveryQueueDepthThreshold

	if overThreshold {
		m.belowSince = time.Time{}
		if !m.throttling {
			m.throttling = true
			m.cfg.Sink.OnActivated()
		}
		return
	}

	if !m.throttling {
		return
	}

	if !belowRecovery {
		m.belowSince = time.Time{}
		return
	}

	if m.belowSince.IsZero() {
		m.belowSince = time.Now()
		return
	}

	if time.Since(m.belowSince) >= m.cfg.SampleInterval {
		m.throttling = false
		m.belowSince = time.Time{}
		m.cfg.Sink.OnDeactivated()
	}
}

// IsThrottling reports the current admission hint.
func (m *Monitor) IsThrottling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttling
}
