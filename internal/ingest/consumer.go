package ingest

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
	durableName     = "ingest-workers"
	fetchBatch      = 64
	fetchTimeout    = 5 * time.Second
	lagPollInterval = 30 * time.Second
)

// DLQWriter persists a dead-letter entry — implemented by the store
// package (C9), kept narrow here so the consumer can be tested without
// a database.
type DLQWriter interface {
	WriteDLQ(ctx context.Context, entry model.DLQEntry) error
}

// Publisher emits the verified RawFix onto C2, keyed by device so all
// fixes for one device stay on one partition.
type Publisher interface {
	PublishRawFix(ctx context.Context, fix model.RawFix) error
}

// LastSeenWriter records a device's most recent accepted position. C1
// is the exclusive writer of this column — spec §3's ownership
// summary — so it is updated here, not by C3 or any other stage.
type LastSeenWriter interface {
	TouchLastSeen(ctx context.Context, tenantID, deviceID string, lat, lon float64, ts time.Time) error
}

// Consumer implements C1: it subscribes to the wildcard inbound
// subject, decodes and verifies each fix, and either forwards it as a
// RawFix or routes it to the DLQ.
type Consumer struct {
	bus      *natsclient.Client
	auth     *Authenticator
	dlq      DLQWriter
	pub      Publisher
	lastSeen LastSeenWriter
	log      *zap.Logger
	metrics  *telemetry.Metrics
}

// NewConsumer builds a Consumer.
func NewConsumer(bus *natsclient.Client, auth *Authenticator, dlq DLQWriter, pub Publisher, lastSeen LastSeenWriter, log *zap.Logger) *Consumer {
	return &Consumer{bus: bus, auth: auth, dlq: dlq, pub: pub, lastSeen: lastSeen, log: log}
}

// WithMetrics attaches the Prometheus counters this consumer reports
// to. Optional — a Consumer with no metrics attached behaves exactly
// as before.
func (c *Consumer) WithMetrics(m *telemetry.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Start runs the C1 fetch loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.bus.JS.PullSubscribe(natsclient.SubjectInbound, durableName,
		nats.AckExplicit(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("ingest: pull subscribe: %w", err)
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
			c.log.Warn("ingest: fetch error", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

// reportLag samples the consumer's NumPending at most once per
// lagPollInterval, the backlog proxy SPEC_FULL.md's consumer lag
// metric calls for.
func (c *Consumer) reportLag(sub *nats.Subscription, last *time.Time) {
	if c.metrics == nil || time.Since(*last) < lagPollInterval {
		return
	}
	*last = time.Now()
	info, err := sub.ConsumerInfo()
	if err != nil {
		return
	}
	c.metrics.ConsumerPending.WithLabelValues(natsclient.SubjectInbound).Set(float64(info.NumPending))
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	fix, deadLetter, err := c.ProcessFix(ctx, msg.Subject, msg.Data)
	if err == nil {
		if pubErr := c.pub.PublishRawFix(ctx, fix); pubErr != nil {
			// Publish failure to C2 is an infrastructure error, not a
			// payload error — block the ack so the broker redelivers.
			c.log.Error("ingest: publish raw fix failed", zap.Error(pubErr))
			_ = msg.Nak()
			return
		}
		if c.lastSeen != nil {
			if err := c.lastSeen.TouchLastSeen(ctx, fix.TenantID, fix.DeviceID, fix.Lat, fix.Lon, fix.Timestamp); err != nil {
				c.log.Warn("ingest: touch last seen failed", zap.String("deviceId", fix.DeviceID), zap.Error(err))
			}
		}
		_ = msg.Ack()
		return
	}

	if !deadLetter {
		// Storage/infra failure resolving the device — do not ack,
		// let the broker redeliver.
		c.log.Error("ingest: transient resolve failure", zap.Error(err))
		_ = msg.Nak()
		return
	}

	if c.metrics != nil && errors.Is(err, ErrUnknownDevice) {
		c.metrics.IngestAuthFailures.Inc()
	}

	entry := model.DLQEntry{
		Origin:    model.DLQOriginIngest,
		Reference: msg.Subject,
		Payload:   append([]byte(nil), msg.Data...),
		Error:     err.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if dlqErr := c.dlq.WriteDLQ(ctx, entry); dlqErr != nil {
		c.log.Error("ingest: dlq write failed", zap.Error(dlqErr))
		_ = msg.Nak()
		return
	}
	if c.metrics != nil {
		c.metrics.IngestDLQTotal.Inc()
	}
	// The payload is not salvageable by retry — ack it even though it
	// failed, per spec §4.1.
	_ = msg.Ack()
}

// ProcessFix is the pure core of C1: parse the topic, decode the
// payload, resolve the device, and verify the signature. The second
// return value reports whether a non-nil error is a dead-letter
// candidate (malformed payload, unknown device, signature mismatch —
// spec §4.1 steps 1-4) as opposed to a transient infrastructure
// failure that should block acknowledgement instead.
func (c *Consumer) ProcessFix(ctx context.Context, subject string, data []byte) (model.RawFix, bool, error) {
	topic, err := ParseTopic(subject)
	if err != nil {
		return model.RawFix{}, true, err
	}

	var fix model.LocationFix
	if err := json.Unmarshal(data, &fix); err != nil {
		return model.RawFix{}, true, fmt.Errorf("ingest: malformed payload: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, fix.TimestampS)
	if err != nil {
		return model.RawFix{}, true, fmt.Errorf("ingest: malformed payload: bad timestamp: %w", err)
	}
	if fix.Lat < -90 || fix.Lat > 90 || fix.Lon < -180 || fix.Lon > 180 {
		return model.RawFix{}, true, fmt.Errorf("ingest: malformed payload: coordinates out of range")
	}

	dev, err := c.auth.Resolve(ctx, topic.TenantID, topic.DeviceKey)
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			return model.RawFix{}, true, err
		}
		return model.RawFix{}, false, err
	}

	if err := Verify(topic.DeviceKey, data, fix.Sig); err != nil {
		return model.RawFix{}, true, err
	}

	return model.RawFix{
		Version:   fix.Version,
		TenantID:  topic.TenantID,
		DeviceID:  dev.ID,
		Timestamp: ts,
		Lat:       fix.Lat,
		Lon:       fix.Lon,
		SpeedMps:  fix.SpeedMps,
		AccuracyM: fix.AccuracyM,
	}, false, nil
}
