package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geofencehq/pipeline/internal/delivery"
	"github.com/geofencehq/pipeline/internal/model"
)

// DeliveryRepo is the deliveries table: C6's durable work queue and
// C7's mutation target. Implements both rules.DeliveryCreator (the C5
// write path) and delivery.Store (the C6/C7 read-claim-mutate cycle).
type DeliveryRepo struct {
	pool *pgxpool.Pool
}

func newDeliveryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CreateDelivery implements rules.DeliveryCreator.
func (r *DeliveryRepo) CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
	d.ID = newDeliveryID()
	d.Status = model.DeliveryPending
	d.Attempt = 0
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO deliveries (id, tenant_id, automation_id, rule_id, transition_event_id, status, attempt, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, q, d.ID, d.TenantID, d.AutomationID, d.RuleID, d.TransitionEventID,
		string(d.Status), d.Attempt, d.NextAttemptAt)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("store: create delivery: %w", err)
	}
	return d, nil
}

// CreateDeliveryForReplay implements dlq.ReplayCreator: it loads the
// original Delivery's tenant/automation/rule/event references and
// creates a brand-new Delivery row from them with attempt reset to 0
// (spec §4.5 "DLQ replay ... creates a new Delivery attempt with
// attempt=0").
func (r *DeliveryRepo) CreateDeliveryForReplay(ctx context.Context, originalDeliveryID string) (model.Delivery, error) {
	const q = `SELECT tenant_id, automation_id, rule_id, transition_event_id FROM deliveries WHERE id = $1`

	var d model.Delivery
	err := r.pool.QueryRow(ctx, q, originalDeliveryID).Scan(&d.TenantID, &d.AutomationID, &d.RuleID, &d.TransitionEventID)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("store: load original delivery %s: %w", originalDeliveryID, err)
	}
	return r.CreateDelivery(ctx, d)
}

// ReadyDeliveries implements delivery.Store: pending rows whose
// next_attempt_at has elapsed, oldest first.
func (r *DeliveryRepo) ReadyDeliveries(ctx context.Context, limit int) ([]model.Delivery, error) {
	const q = `
		SELECT id, tenant_id, automation_id, rule_id, transition_event_id, status, attempt,
		       next_attempt_at, last_error, response_snapshot
		FROM deliveries
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: ready deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		var d model.Delivery
		var status string
		var lastError, snapshot *string
		if err := rows.Scan(&d.ID, &d.TenantID, &d.AutomationID, &d.RuleID, &d.TransitionEventID,
			&status, &d.Attempt, &d.NextAttemptAt, &lastError, &snapshot); err != nil {
			return nil, fmt.Errorf("store: scan delivery: %w", err)
		}
		d.Status = model.DeliveryStatus(status)
		if lastError != nil {
			d.LastError = *lastError
		}
		if snapshot != nil {
			d.ResponseSnapshot = *snapshot
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ready deliveries: %w", err)
	}
	return out, nil
}

// ClaimInFlight implements delivery.Store: a guarded pending→in_flight
// transition so two workers never race the same job (spec §4.5 step 1).
func (r *DeliveryRepo) ClaimInFlight(ctx context.Context, deliveryID string) (bool, error) {
	const q = `
		UPDATE deliveries
		SET status = 'in_flight'
		WHERE id = $1 AND status = 'pending'`

	tag, err := r.pool.Exec(ctx, q, deliveryID)
	if err != nil {
		return false, fmt.Errorf("store: claim in-flight: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LoadEnrichment implements delivery.Store: the Automation config and
// the human-readable device/zone names a rendered payload needs, in a
// single read (spec §4.5 step 2).
func (r *DeliveryRepo) LoadEnrichment(ctx context.Context, d model.Delivery) (delivery.Job, error) {
	const q = `
		SELECT a.id, a.tenant_id, a.kind, a.config,
		       e.id, e.tenant_id, e.device_id, e.geofence_id, e.type, e.ts, e.dwell_seconds,
		       dev.name, z.name
		FROM deliveries dl
		JOIN automations a ON a.id = dl.automation_id
		JOIN geofence_events e ON e.id = dl.transition_event_id
		LEFT JOIN devices dev ON dev.id = e.device_id AND dev.tenant_id = e.tenant_id
		LEFT JOIN geofences z ON z.id = e.geofence_id AND z.tenant_id = e.tenant_id
		WHERE dl.id = $1`

	var job delivery.Job
	var automation model.Automation
	var ev model.TransitionEvent
	var configRaw []byte
	var evType string
	var deviceName, zoneName *string

	err := r.pool.QueryRow(ctx, q, d.ID).Scan(
		&automation.ID, &automation.TenantID, &automation.Kind, &configRaw,
		&ev.ID, &ev.TenantID, &ev.DeviceID, &ev.ZoneID, &evType, &ev.Timestamp, &ev.DwellSeconds,
		&deviceName, &zoneName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return delivery.Job{}, fmt.Errorf("store: load enrichment: delivery %s missing dependencies", d.ID)
		}
		return delivery.Job{}, fmt.Errorf("store: load enrichment: %w", err)
	}

	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &automation.Config); err != nil {
			return delivery.Job{}, fmt.Errorf("store: unmarshal automation config: %w", err)
		}
	}
	ev.Type = model.TransitionType(evType)

	job.Delivery = d
	job.Automation = automation
	job.Event = ev
	if deviceName != nil {
		job.DeviceName = *deviceName
	}
	if zoneName != nil {
		job.ZoneName = *zoneName
	}
	return job, nil
}

// MarkSuccess implements delivery.Store.
func (r *DeliveryRepo) MarkSuccess(ctx context.Context, deliveryID string, responseSnapshot string) error {
	const q = `UPDATE deliveries SET status = 'success', response_snapshot = $2 WHERE id = $1 AND status != 'dead'`

	if _, err := r.pool.Exec(ctx, q, deliveryID, responseSnapshot); err != nil {
		return fmt.Errorf("store: mark success: %w", err)
	}
	return nil
}

// Reschedule implements delivery.Store: the retriable-failure path,
// incrementing attempt and returning to pending with a delayed
// next_attempt_at (spec §4.5 step 4).
func (r *DeliveryRepo) Reschedule(ctx context.Context, deliveryID string, attempt int, nextAttemptAt time.Time, lastError string) error {
	const q = `
		UPDATE deliveries
		SET status = 'pending', attempt = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1 AND status NOT IN ('success', 'dead') AND attempt < $2`

	if _, err := r.pool.Exec(ctx, q, deliveryID, attempt, nextAttemptAt, lastError); err != nil {
		return fmt.Errorf("store: reschedule: %w", err)
	}
	return nil
}

// MarkDead implements delivery.Store: the terminal failure path (spec
// §8 invariant 5: success/dead never transition back, enforced here by
// excluding already-terminal rows from the WHERE clause).
func (r *DeliveryRepo) MarkDead(ctx context.Context, deliveryID string, lastError string) error {
	const q = `
		UPDATE deliveries
		SET status = 'dead', last_error = $2
		WHERE id = $1 AND status != 'success'`

	if _, err := r.pool.Exec(ctx, q, deliveryID, lastError); err != nil {
		return fmt.Errorf("store: mark dead: %w", err)
	}
	return nil
}
