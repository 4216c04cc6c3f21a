// Command deliveryd runs C5 through C8: it matches accepted
// transitions against tenant automation rules, enqueues Delivery rows,
// and runs the webhook worker pool that executes them with exponential
// backoff, routing exhausted or permanently-failed attempts to the
// dead-letter sink. It also exposes the DLQ replay endpoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/geofencehq/pipeline/internal/config"
	"github.com/geofencehq/pipeline/internal/delivery"
	"github.com/geofencehq/pipeline/internal/dlq"
	"github.com/geofencehq/pipeline/internal/health"
	natsclient "github.com/geofencehq/pipeline/internal/platform/bus"
	"github.com/geofencehq/pipeline/internal/platform/crypto"
	"github.com/geofencehq/pipeline/internal/platform/secrets"
	"github.com/geofencehq/pipeline/internal/platform/telemetry"
	"github.com/geofencehq/pipeline/internal/rules"
	"github.com/geofencehq/pipeline/internal/store"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := telemetry.InitTracer(ctx, "deliveryd", endpoint)
		if err != nil {
			logger.Error("otel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/geofence/deliveryd")

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
	if encKey, ok := secretData["ENCRYPTION_KEY"].(string); ok && encKey != "" {
		os.Setenv("ENCRYPTION_KEY", encKey)
	}

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

	var creds delivery.CredentialDecryptor
	if cfg.EncryptionKeyHex != "" {
		envelope, err := crypto.NewEnvelope(cfg.EncryptionKeyHex)
		if err != nil {
			logger.Fatal("bad encryption key", zap.Error(err))
		}
		creds = envelope
	}

	matcher := rules.NewMatcher(st.Rules, st.Devices, st.Deliveries)
	ruleConsumer := rules.NewConsumer(bus, matcher, logger).WithMetrics(metrics)

	ruleCtx, ruleCancel := context.WithCancel(ctx)
	defer ruleCancel()
	go func() {
		if err := ruleConsumer.Start(ruleCtx); err != nil && err != context.Canceled {
			logger.Error("rule matcher consumer stopped", zap.Error(err))
		}
	}()

	queue := delivery.NewQueue(st.Deliveries)
	adapters := delivery.Registry{
		"webhook": delivery.NewWebhookAdapter(cfg.WebhookTimeout),
	}
	pool7 := delivery.NewPool(queue, st.Deliveries, adapters, sink, creds,
		cfg.WorkerConcurrency, cfg.DeliveryMaxAttempts, cfg.DeliveryBackoffBase, cfg.DeliveryBackoffCap, logger).
		WithMetrics(metrics)

	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	go func() {
		if err := pool7.Run(poolCtx); err != nil && err != context.Canceled {
			logger.Error("delivery worker pool stopped", zap.Error(err))
		}
	}()

	httpSrv := health.New("deliveryd", map[string]health.Pinger{
		"postgres": pool,
		"nats":     bus,
	}, metrics, sink, st.Deliveries, logger)

	logger.Info("deliveryd started", zap.String("addr", cfg.HTTPAddr))
	if err := httpSrv.Start(ctx, cfg.HTTPAddr); err != nil {
		logger.Error("http server error", zap.Error(err))
	}
	logger.Info("deliveryd shut down cleanly")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
