package delivery

import (
	"context"
	"time"

	"github.com/geofencehq/pipeline/internal/model"
)

// Store is C6: the durable work queue over the `deliveries` table,
// supporting delayed visibility (`next_attempt_at`) and a guarded
// pending→in_flight transition so two workers never race the same
// job. Grounded on discovery-service's ScanPoller, which polls a
// Postgres table for ready-to-process rows rather than using a
// separate broker for this internal work queue.
type Store interface {
	// ReadyDeliveries returns up to limit pending Deliveries whose
	// next_attempt_at has elapsed, for the worker pool to claim.
	ReadyDeliveries(ctx context.Context, limit int) ([]model.Delivery, error)
	// ClaimInFlight transitions a Delivery from pending to in_flight.
	// ok is false if the row was no longer pending (already claimed by
	// another worker, or reached a terminal status) — the caller must
	// drop the job silently in that case.
	ClaimInFlight(ctx context.Context, deliveryID string) (ok bool, err error)
	// LoadEnrichment loads the Automation and device/zone display
	// names a Job needs, in a single read.
	LoadEnrichment(ctx context.Context, d model.Delivery) (Job, error)
	// MarkSuccess records a terminal success.
	MarkSuccess(ctx context.Context, deliveryID string, responseSnapshot string) error
	// Reschedule records a retriable failure: increments attempt,
	// returns to pending with the given next_attempt_at.
	Reschedule(ctx context.Context, deliveryID string, attempt int, nextAttemptAt time.Time, lastError string) error
	// MarkDead records a terminal failure and must be followed by a
	// DLQEntry write by the caller.
	MarkDead(ctx context.Context, deliveryID string, lastError string) error
}

// Queue polls Store for ready work. It has no state of its own beyond
// the Store it wraps — the "queue" is the table itself, exactly as
// ScanPoller treats its Postgres-backed job list.
type Queue struct {
	store Store
}

// NewQueue builds a Queue.
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Poll returns the next batch of ready Deliveries.
func (q *Queue) Poll(ctx context.Context, batchSize int) ([]model.Delivery, error) {
	return q.store.ReadyDeliveries(ctx, batchSize)
}
