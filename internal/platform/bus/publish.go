package natsclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/geofencehq/pipeline/internal/model"
)

// RawFixPublisher emits authenticated fixes onto C2 (the StreamRawFix
// stream), keyed by device so every fix for one device stays on one
// JetStream subject and therefore one partition-ordered consumer.
type RawFixPublisher struct {
	client *Client
}

// NewRawFixPublisher builds a RawFixPublisher.
func NewRawFixPublisher(client *Client) *RawFixPublisher {
	return &RawFixPublisher{client: client}
}

// PublishRawFix implements ingest.Publisher.
func (p *RawFixPublisher) PublishRawFix(ctx context.Context, fix model.RawFix) error {
	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("natsclient: marshal raw fix: %w", err)
	}
	subject := fmt.Sprintf("rawfix.%s.%s", fix.TenantID, fix.DeviceID)
	_, err = p.client.JS.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("natsclient: publish raw fix: %w", err)
	}
	return nil
}

// TransitionPublisher emits accepted ENTER/EXIT/DWELL events onto C4
// (the StreamEvents stream), keyed by device to preserve per-device
// transition order into the rule matcher.
type TransitionPublisher struct {
	client *Client
}

// NewTransitionPublisher builds a TransitionPublisher.
func NewTransitionPublisher(client *Client) *TransitionPublisher {
	return &TransitionPublisher{client: client}
}

// PublishTransition implements geofence.EventPublisher.
func (p *TransitionPublisher) PublishTransition(ctx context.Context, ev model.TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsclient: marshal transition: %w", err)
	}
	subject := fmt.Sprintf("transition.%s.%s", ev.TenantID, ev.DeviceID)
	_, err = p.client.JS.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("natsclient: publish transition: %w", err)
	}
	return nil
}
