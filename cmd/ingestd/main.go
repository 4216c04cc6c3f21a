// Command ingestd runs C1, the authenticated ingest surface: it
// subscribes to the wildcard inbound subject, verifies each fix's HMAC
// signature against its resolved device key, and republishes accepted
// fixes onto the raw-fix stream for processord to consume.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/geofencehq/pipeline/internal/config"
	"github.com/geofencehq/pipeline/internal/dlq"
	"github.com/geofencehq/pipeline/internal/health"
	"github.com/geofencehq/pipeline/internal/ingest"
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
		tp, err := telemetry.InitTracer(ctx, "ingestd", endpoint)
		if err != nil {
			logger.Error("otel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/geofence/ingestd")

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
	sink := dlq.New(pool)
	metrics := telemetry.NewMetrics()

	cfg := config.Load()
	auth := ingest.NewAuthenticator(st.Devices, cfg.DeviceKeyCacheTTL)
	pub := natsclient.NewRawFixPublisher(bus)
	consumer := ingest.NewConsumer(bus, auth, sink, pub, st.Devices, logger).WithMetrics(metrics)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	go func() {
		if err := consumer.Start(consumerCtx); err != nil && err != context.Canceled {
			logger.Error("ingest consumer stopped", zap.Error(err))
		}
	}()

	httpSrv := health.New("ingestd", map[string]health.Pinger{
		"postgres": pool,
		"nats":     bus,
	}, metrics, nil, nil, logger)

	logger.Info("ingestd started", zap.String("addr", cfg.HTTPAddr))
	if err := httpSrv.Start(ctx, cfg.HTTPAddr); err != nil {
		logger.Error("http server error", zap.Error(err))
	}
	logger.Info("ingestd shut down cleanly")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
