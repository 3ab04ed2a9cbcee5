package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load loads a .env file into the process environment if present; it is
// not an error for the file to be missing.
func Load() error {
	_ = godotenv.Load()
	return nil
}

func GetString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func GetInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func GetFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// FromEnv builds an Options tree starting from Defaults() and overriding
// the fields application operators most commonly need to tune per
// environment without recompiling — the rest stay code-configured via the
// Builder's With* methods, matching the teacher's split between env-driven
// "operational" settings and code-driven "structural" wiring (transports,
// stores, hooks) that .env files can't express anyway.
func FromEnv() Options {
	o := Defaults()

	o.Broker.DefaultRoutingKeyPattern = GetString("RELAY_ROUTING_KEY_PATTERN", o.Broker.DefaultRoutingKeyPattern)
	o.Broker.DrainGrace = GetDuration("RELAY_DRAIN_GRACE", o.Broker.DrainGrace)

	o.Compression.Enabled = GetBool("RELAY_COMPRESSION_ENABLED", o.Compression.Enabled)
	o.Compression.MinimumSizeBytes = GetInt("RELAY_COMPRESSION_MIN_BYTES", o.Compression.MinimumSizeBytes)

	o.Circuit.Enabled = GetBool("RELAY_CIRCUIT_ENABLED", o.Circuit.Enabled)
	o.Circuit.FailureThreshold = GetInt("RELAY_CIRCUIT_FAILURE_THRESHOLD", o.Circuit.FailureThreshold)
	o.Circuit.Timeout = GetDuration("RELAY_CIRCUIT_TIMEOUT", o.Circuit.Timeout)

	o.Bulkhead.Enabled = GetBool("RELAY_BULKHEAD_ENABLED", o.Bulkhead.Enabled)
	o.Bulkhead.MaxConcurrentOperations = GetInt("RELAY_BULKHEAD_MAX_CONCURRENT", o.Bulkhead.MaxConcurrentOperations)
	o.Bulkhead.MaxQueuedOperations = GetInt("RELAY_BULKHEAD_MAX_QUEUED", o.Bulkhead.MaxQueuedOperations)

	o.Rate.Enabled = GetBool("RELAY_RATE_ENABLED", o.Rate.Enabled)
	o.Rate.Capacity = GetFloat("RELAY_RATE_CAPACITY", o.Rate.Capacity)
	o.Rate.RefillRate = GetFloat("RELAY_RATE_REFILL", o.Rate.RefillRate)

	o.Dedup.Enabled = GetBool("RELAY_DEDUP_ENABLED", o.Dedup.Enabled)
	o.Dedup.Window = GetDuration("RELAY_DEDUP_WINDOW", o.Dedup.Window)
	o.Dedup.MaxCacheSize = GetInt("RELAY_DEDUP_MAX_CACHE_SIZE", o.Dedup.MaxCacheSize)

	o.Outbox.Enabled = GetBool("RELAY_OUTBOX_ENABLED", o.Outbox.Enabled)
	o.Outbox.PollingInterval = GetDuration("RELAY_OUTBOX_POLL_INTERVAL", o.Outbox.PollingInterval)
	o.Outbox.BatchSize = GetInt("RELAY_OUTBOX_BATCH_SIZE", o.Outbox.BatchSize)
	o.Outbox.RetentionPeriod = GetDuration("RELAY_OUTBOX_RETENTION", o.Outbox.RetentionPeriod)

	o.Inbox.Enabled = GetBool("RELAY_INBOX_ENABLED", o.Inbox.Enabled)
	o.Inbox.ConsumerName = GetString("RELAY_INBOX_CONSUMER_NAME", o.Inbox.ConsumerName)
	o.Inbox.RetentionPeriod = GetDuration("RELAY_INBOX_RETENTION", o.Inbox.RetentionPeriod)
	o.Inbox.CleanupInterval = GetDuration("RELAY_INBOX_CLEANUP_INTERVAL", o.Inbox.CleanupInterval)

	o.Saga.Enabled = GetBool("RELAY_SAGA_ENABLED", o.Saga.Enabled)
	o.Saga.AutoRetryFailedSteps = GetBool("RELAY_SAGA_AUTO_RETRY", o.Saga.AutoRetryFailedSteps)
	o.Saga.MaxRetryAttempts = GetInt("RELAY_SAGA_MAX_RETRY_ATTEMPTS", o.Saga.MaxRetryAttempts)

	return o
}
