package rules

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
	durableName     = "rule-matcher-workers"
	fetchBatch      = 64
	fetchTimeout    = 5 * time.Second
	lagPollInterval = 30 * time.Second
)

// Consumer pulls TransitionEvents off C4 and feeds each one to a
// Matcher, the same pull-subscribe/Fetch/Ack shape ingest.Consumer
// uses for C1 — both are at-least-once JetStream consumers guarding
// an idempotent downstream effect (Matcher.Match only ever inserts new
// Delivery rows; replays just create duplicate deliveries, which spec
// §8 tolerates for this stage since rule-matching and delivery are
// independent per event, not deduplicated like TransitionEvent itself).
type Consumer struct {
	bus     *natsclient.Client
	matcher *Matcher
	log     *zap.Logger
	metrics *telemetry.Metrics
}

// NewConsumer builds a Consumer.
func NewConsumer(bus *natsclient.Client, matcher *Matcher, log *zap.Logger) *Consumer {
	return &Consumer{bus: bus, matcher: matcher, log: log}
}

// WithMetrics attaches the Prometheus gauge this consumer reports its
// pull-subscription backlog to. Optional.
func (c *Consumer) WithMetrics(m *telemetry.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Start runs the C4 fetch loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.bus.JS.PullSubscribe(natsclient.SubjectTransition, durableName,
		nats.AckExplicit(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("rules: pull subscribe: %w", err)
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
			c.log.Warn("rules: fetch error", zap.Error(err))
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
	c.metrics.ConsumerPending.WithLabelValues(natsclient.SubjectTransition).Set(float64(info.NumPending))
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	var ev model.TransitionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		// Malformed transition payload is not a device-input error —
		// C3 is the only producer on this subject. Ack it; retrying a
		// message that will never unmarshal can only wedge the stream.
		c.log.Error("rules: malformed transition event", zap.Error(err))
		_ = msg.Ack()
		return
	}

	if err := c.matcher.Match(ctx, ev); err != nil {
		c.log.Error("rules: match failed", zap.String("eventId", ev.ID), zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
