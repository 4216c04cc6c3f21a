package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsclient "github.com/geofencehq/pipeline/internal/platform/bus"

	"github.com/geofencehq/pipeline/internal/model"
	"github.com/geofencehq/pipeline/internal/platform/telemetry"
)

const (
	durableName     = "geofence-processor-workers"
	fetchBatch      = 64
	fetchTimeout    = 5 * time.Second
	lagPollInterval = 30 * time.Second
)

// Consumer pulls RawFix messages off C2 and feeds them through the
// Processor, the same pull-subscribe shape ingest.Consumer and
// rules.Consumer use for their own streams.
type Consumer struct {
	bus       *natsclient.Client
	processor *Processor
	log       *zap.Logger
	metrics   *telemetry.Metrics
}

func NewConsumer(bus *natsclient.Client, processor *Processor, log *zap.Logger) *Consumer {
	return &Consumer{bus: bus, processor: processor, log: log}
}

// WithMetrics attaches the Prometheus gauge this consumer reports its
// pull-subscription backlog to. Optional.
func (c *Consumer) WithMetrics(m *telemetry.Metrics) *Consumer {
	c.metrics = m
	return c
}

func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.bus.JS.PullSubscribe(natsclient.SubjectRawFix, durableName,
		nats.AckExplicit(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("geofence: pull subscribe: %w", err)
	}

	lastLagPoll := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.reportLag(sub, &lastLagPoll)

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			c.log.Warn("geofence: fetch error", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) reportLag(sub *nats.Subscription, last *time.Time) {
	if c.metrics == nil || time.Since(*last) < lagPollInterval {
		return
	}
	*last = time.Now()
	info, err := sub.ConsumerInfo()
	if err != nil {
		return
	}
	c.metrics.ConsumerPending.WithLabelValues(natsclient.SubjectRawFix).Set(float64(info.NumPending))
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	var fix model.RawFix
	if err := json.Unmarshal(msg.Data, &fix); err != nil {
		c.log.Error("geofence: malformed raw fix", zap.Error(err))
		_ = msg.Ack()
		return
	}

	if err := c.processor.ProcessFix(ctx, fix); err != nil {
		c.log.Error("geofence: process fix failed", zap.String("deviceId", fix.DeviceID), zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
