package natsclient

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamInbound carries the raw, device-signed LocationFix payloads
	// published to the external topic pattern (spec §6:
	// "geofence/{tenantId}/{deviceKey}", rendered as "fix.{tenantId}.{deviceKey}"
	// since NATS routes on '.' not '/'). C1 subscribes here.
	StreamInbound = "GEOFENCE_INBOUND"
	// SubjectInbound is the wildcard subject devices publish fixes to.
	SubjectInbound = "fix.>"

	// StreamRawFix is C2: the ordered, per-device log of authenticated
	// fixes C1 emits after verification, consumed by C3.
	StreamRawFix = "GEOFENCE_RAWFIX"
	// SubjectRawFix is the per-tenant/per-device verified-fix subject.
	SubjectRawFix = "rawfix.>"

	// StreamEvents is C4: the ordered log of ENTER/EXIT/DWELL
	// transitions C3 emits, consumed by the rule matcher (C5).
	StreamEvents = "GEOFENCE_EVENTS"
	// SubjectTransition is the per-tenant transition-event subject.
	SubjectTransition = "transition.>"

	// StreamDLQ carries dead-lettered ingest and delivery payloads (C8).
	StreamDLQ = "GEOFENCE_DLQ"
	// SubjectDLQ is the dead-letter subject, tagged by origin.
	SubjectDLQ = "dlq.>"
)

type streamDef struct {
	name     string
	subjects []string
}

var streamDefs = []streamDef{
	{name: StreamInbound, subjects: []string{SubjectInbound}},
	{name: StreamRawFix, subjects: []string{SubjectRawFix}},
	{name: StreamEvents, subjects: []string{SubjectTransition}},
	{name: StreamDLQ, subjects: []string{SubjectDLQ}},
}

// ProvisionStreams idempotently ensures every JetStream stream the
// pipeline depends on exists with the correct subject filter. It
// creates each stream on first run and is a no-op if one already
// exists.
func (c *Client) ProvisionStreams() error {
	for _, def := range streamDefs {
		if err := c.provisionStream(def); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) provisionStream(def streamDef) error {
	_, err := c.JS.StreamInfo(def.name)
	if err == nil {
		c.Log.Info("NATS stream already exists", zap.String("stream", def.name))
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", def.name, err)
	}

	cfg := &nats.StreamConfig{
		Name:      def.name,
		Subjects:  def.subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", def.name, err)
	}

	c.Log.Info("NATS stream provisioned",
		zap.String("stream", def.name),
		zap.Strings("subjects", def.subjects),
	)
	return nil
}
