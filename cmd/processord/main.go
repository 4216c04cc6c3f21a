// Command processord runs C3, the geofence state machine: it consumes
// verified fixes from the raw-fix stream, applies hysteresis and
// dwell-ladder gating per device/zone, and emits ENTER/EXIT/DWELL
// transitions. It also runs the idle-state sweep cron job that expires
// stale membership state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/geofencehq/pipeline/internal/config"
	"github.com/geofencehq/pipeline/internal/geofence"
	"github.com/geofencehq/pipeline/internal/health"
	natsclient "github.com/geofencehq/pipeline/internal/platform/bus"
	"github.com/geofencehq/pipeline/internal/platform/secrets"
	"github.com/geofencehq/pipeline/internal/platform/telemetry"
	"github.com/geofencehq/pipeline/internal/store"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := telemetry.InitTracer(ctx, "processord", endpoint)
		if err != nil {
			logger.Error("otel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/geofence/processord")

	vault, err := secrets.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("vault connection failed", zap.Error(err))
	}
	secretData, err := vault.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets", zap.Error(err))
	}
	pgURL, _ := secretData["PG_URL"].(string)
	natsURL, _ := secretData["NATS_URL"].(string)

	pool, err := store.NewPool(ctx, pgURL)
	if err != nil {
		logger.Fatal("postgres connection failed", zap.Error(err))
	}
	defer pool.Close()

	bus, err := natsclient.NewClient(natsURL, logger)
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer bus.Close()
	if err := bus.ProvisionStreams(); err != nil {
		logger.Fatal("nats stream provisioning failed", zap.Error(err))
	}

	st := store.New(pool)
	metrics := telemetry.NewMetrics()
	cfg := config.Load()

	pub := natsclient.NewTransitionPublisher(bus)
	processor := geofence.NewProcessor(st.Zones, st.State, st.Transitions, pub, cfg.HysteresisWindow, dwellMinutes(cfg), logger).WithMetrics(metrics)
	sweeper := geofence.NewIdleSweeper(processor, st.State, cfg.IdleStateExpiry, logger)
	go func() {
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("idle sweeper stopped", zap.Error(err))
		}
	}()

	consumer := geofence.NewConsumer(bus, processor, logger).WithMetrics(metrics)
	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	go func() {
		if err := consumer.Start(consumerCtx); err != nil && err != context.Canceled {
			logger.Error("geofence consumer stopped", zap.Error(err))
		}
	}()

	httpSrv := health.New("processord", map[string]health.Pinger{
		"postgres": pool,
		"nats":     bus,
	}, metrics, nil, nil, logger)

	logger.Info("processord started", zap.String("addr", cfg.HTTPAddr))
	if err := httpSrv.Start(ctx, cfg.HTTPAddr); err != nil {
		logger.Error("http server error", zap.Error(err))
	}
	logger.Info("processord shut down cleanly")
}

func dwellMinutes(cfg config.Config) []int {
	out := make([]int, len(cfg.DwellThresholds))
	for i, d := range cfg.DwellThresholds {
		out[i] = int(d.Minutes())
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
