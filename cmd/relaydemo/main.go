// Command relaydemo is a worked example of config.Builder composing a
// broker.Broker end-to-end, in the style of the teacher's app/main.go:
// load .env, construct collaborators, wire them into one entry point,
// serve health checks, and shut down gracefully on SIGINT/SIGTERM. It is
// not a product CLI — no flags, no subcommands, just the composition root
// a host process embedding the core would write.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baechuer/relay/broker"
	"github.com/baechuer/relay/config"
	"github.com/baechuer/relay/health"
	relaytransport "github.com/baechuer/relay/transport"
	"github.com/baechuer/relay/transport/inprocess"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount_cents"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lg := log.With().Str("component", "relaydemo").Logger()

	if err := config.Load(); err != nil {
		lg.Warn().Err(err).Msg("failed to load .env file, using environment variables")
	}
	opts := config.FromEnv()
	opts.Circuit.Enabled = true
	opts.Circuit.FailureThreshold = 5
	opts.Circuit.Timeout = 10 * time.Second
	opts.Bulkhead.Enabled = true
	opts.Bulkhead.MaxConcurrentOperations = 16
	opts.Bulkhead.MaxQueuedOperations = 64

	registry := broker.NewTypeRegistry()
	broker.RegisterType[orderPlaced](registry, "OrderPlaced",
		func(v orderPlaced) ([]byte, error) { return json.Marshal(v) },
		func(b []byte) (orderPlaced, error) {
			var v orderPlaced
			err := json.Unmarshal(b, &v)
			return v, err
		},
	)

	transportAdapter := inprocess.New()

	b, err := config.NewBuilder().
		WithLogger(lg).
		WithOptions(opts).
		WithTransport(transportAdapter).
		WithTypeRegistry(registry).
		WithCircuitBreaker(config.CircuitOptions{
			Enabled:          opts.Circuit.Enabled,
			FailureThreshold: opts.Circuit.FailureThreshold,
			Timeout:          opts.Circuit.Timeout,
		}).
		WithBulkhead(config.BulkheadOptions{
			Enabled:                 opts.Bulkhead.Enabled,
			MaxConcurrentOperations: opts.Bulkhead.MaxConcurrentOperations,
			MaxQueuedOperations:     opts.Bulkhead.MaxQueuedOperations,
		}).
		Build()
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to build broker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = broker.Subscribe[orderPlaced](b, ctx, "OrderPlaced", relaytransport.SubscriptionOptions{},
		func(ctx context.Context, msg orderPlaced, dc *relaytransport.DeliveryContext) error {
			lg.Info().Str("order_id", msg.OrderID).Int64("amount_cents", msg.Amount).Msg("order processed")
			return nil
		})
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to subscribe")
	}

	healthRegistry := health.NewRegistry()
	healthRegistry.Register("transport", transportAdapter, true)

	healthPort := config.GetString("HEALTH_CHECK_PORT", "8081")
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := healthRegistry.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	healthServer := &http.Server{Addr: ":" + healthPort, Handler: mux}
	go func() {
		lg.Info().Str("port", healthPort).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("health check server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		lg.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	lg.Info().Msg("relaydemo publishing a sample OrderPlaced event every 2s")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	i := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			i++
			msg := orderPlaced{OrderID: uuid.NewString(), Amount: int64(i * 100)}
			if err := broker.Publish[orderPlaced](b, ctx, "OrderPlaced", msg, relaytransport.Options{}); err != nil {
				lg.Error().Err(err).Msg("publish failed")
			}
		}
	}

	lg.Info().Msg("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("error shutting down health check server")
	}
	if err := b.Stop(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("error stopping broker")
	}
	_ = b.Dispose()
	lg.Info().Msg("shutdown complete")
}
