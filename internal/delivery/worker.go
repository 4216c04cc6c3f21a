package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/geofencehq/pipeline/internal/model"
	"github.com/geofencehq/pipeline/internal/platform/telemetry"
)

// DLQWriter persists a dead-letter entry for a permanently failed
// Delivery.
type DLQWriter interface {
	WriteDLQ(ctx context.Context, entry model.DLQEntry) error
}

// CredentialDecryptor opens Automation config values sealed at rest
// (spec §4.6: adapter credentials are AES-256-GCM encrypted and
// decrypted only at the moment of use). Values are sealed
// individually, so only the string fields carrying the "enc:" prefix
// convention are passed through it — a plain URL or header name is
// never encrypted.
type CredentialDecryptor interface {
	Open(hexCiphertext string) ([]byte, error)
}

const encryptedValuePrefix = "enc:"

// decryptConfig returns a shallow copy of config with every "enc:"
// prefixed string value replaced by its decrypted plaintext. Adapters
// never see ciphertext.
func decryptConfig(config map[string]interface{}, dec CredentialDecryptor) (map[string]interface{}, error) {
	if dec == nil || len(config) == 0 {
		return config, nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		s, ok := v.(string)
		if !ok || len(s) <= len(encryptedValuePrefix) || s[:len(encryptedValuePrefix)] != encryptedValuePrefix {
			out[k] = v
			continue
		}
		plain, err := dec.Open(s[len(encryptedValuePrefix):])
		if err != nil {
			return nil, fmt.Errorf("delivery: decrypt config key %q: %w", k, err)
		}
		out[k] = string(plain)
	}
	return out, nil
}

// Pool is C7: a fixed-size worker pool that pulls ready Deliveries
// from the Queue and executes them against their registered Adapter,
// with exponential backoff for retriable failures. Grounded on
// notification-service's webhook dispatcher for the request/response
// handling and status classification, generalized here to the five-way
// Delivery status machine spec §4.5 describes.
type Pool struct {
	queue       *Queue
	store       Store
	adapters    Registry
	dlq         DLQWriter
	creds       CredentialDecryptor
	concurrency int
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	pollEvery   time.Duration
	log         *zap.Logger
	metrics     *telemetry.Metrics
}

// WithMetrics attaches the Prometheus counters/gauges this pool
// reports to. Optional.
func (p *Pool) WithMetrics(m *telemetry.Metrics) *Pool {
	p.metrics = m
	return p
}

// NewPool builds a Pool. creds may be nil when no Automation in use
// carries encrypted config fields.
func NewPool(queue *Queue, store Store, adapters Registry, dlq DLQWriter, creds CredentialDecryptor, concurrency, maxAttempts int, backoffBase, backoffCap time.Duration, log *zap.Logger) *Pool {
	return &Pool{
		queue:       queue,
		store:       store,
		adapters:    adapters,
		dlq:         dlq,
		creds:       creds,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		pollEvery:   time.Second,
		log:         log,
	}
}

// Run polls for ready Deliveries and dispatches them across a bounded
// pool of goroutines until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	sem := make(chan struct{}, p.concurrency)
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ready, err := p.queue.Poll(ctx, p.concurrency)
			if err != nil {
				p.log.Error("delivery: poll failed", zap.Error(err))
				continue
			}
			if p.metrics != nil {
				p.metrics.DeliveryQueueDepth.Set(float64(len(ready)))
			}
			for _, d := range ready {
				d := d
				sem <- struct{}{}
				go func() {
					defer func() { <-sem }()
					p.process(ctx, d)
				}()
			}
		}
	}
}

// process executes one Delivery job to completion (one attempt). Tests
// in this package call it directly, bypassing the Run loop's ticker.
func (p *Pool) process(ctx context.Context, d model.Delivery) {
	ok, err := p.store.ClaimInFlight(ctx, d.ID)
	if err != nil {
		p.log.Error("delivery: claim failed", zap.String("deliveryId", d.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	job, err := p.store.LoadEnrichment(ctx, d)
	if err != nil {
		p.log.Error("delivery: enrichment load failed", zap.String("deliveryId", d.ID), zap.Error(err))
		p.fail(ctx, d, err.Error(), false)
		return
	}

	job.Automation.Config, err = decryptConfig(job.Automation.Config, p.creds)
	if err != nil {
		p.log.Error("delivery: credential decrypt failed", zap.String("deliveryId", d.ID), zap.Error(err))
		p.fail(ctx, d, err.Error(), false)
		return
	}

	adapter, err := p.adapters.Resolve(job.Automation.Kind)
	if err != nil {
		p.fail(ctx, d, err.Error(), false)
		return
	}

	if p.metrics != nil {
		p.metrics.DeliveryAttemptsTotal.Inc()
	}

	result, err := adapter.Execute(ctx, job)
	if err == nil {
		if saveErr := p.store.MarkSuccess(ctx, d.ID, result.ResponseSnapshot); saveErr != nil {
			p.log.Error("delivery: mark success failed", zap.String("deliveryId", d.ID), zap.Error(saveErr))
		} else if p.metrics != nil {
			p.metrics.DeliverySuccessTotal.Inc()
		}
		return
	}

	p.fail(ctx, d, err.Error(), IsRetriable(err))
}

func (p *Pool) fail(ctx context.Context, d model.Delivery, lastError string, retriable bool) {
	nextAttempt := d.Attempt + 1

	if retriable && nextAttempt < p.maxAttempts {
		delay := computeBackoff(p.backoffBase, p.backoffCap, nextAttempt)
		if err := p.store.Reschedule(ctx, d.ID, nextAttempt, time.Now().Add(delay), lastError); err != nil {
			p.log.Error("delivery: reschedule failed", zap.String("deliveryId", d.ID), zap.Error(err))
		}
		return
	}

	if err := p.store.MarkDead(ctx, d.ID, lastError); err != nil {
		p.log.Error("delivery: mark dead failed", zap.String("deliveryId", d.ID), zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.DeliveryDeadTotal.Inc()
	}
	entry := model.DLQEntry{
		TenantID:  d.TenantID,
		Origin:    model.DLQOriginDelivery,
		Reference: d.ID,
		Error:     lastError,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.dlq.WriteDLQ(ctx, entry); err != nil {
		p.log.Error("delivery: dlq write failed", zap.String("deliveryId", d.ID), zap.Error(err))
	}
}

// computeBackoff returns base*2^attempt, capped at cap — spec §4.5's
// exact formula. Built on cenkalti/backoff's ExponentialBackOff rather
// than a bare exponent, with jitter disabled (RandomizationFactor=0)
// so the delay stays exact and testable.
func computeBackoff(base, cap time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = cap
	b.RandomizationFactor = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > cap {
		delay = cap
	}
	return delay
}
