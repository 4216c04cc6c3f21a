// Package dlq implements C8: the append-only dead-letter sink that
// captures malformed ingest inputs and permanently failed deliveries,
// plus administrator-triggered replay for delivery-origin entries
// (spec §4.7, §8). Grounded on audit-service's immutable audit-log
// insert pattern — both are "never update, only append and later
// mark a flag" tables.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geofencehq/pipeline/internal/model"
)

// ErrNotReplayable is returned by Replay when the entry's origin is
// not "delivery" (spec §4.7: "ingest origin entries are diagnostic
// only") or it was already replayed.
var ErrNotReplayable = errors.New("dlq: entry is not replayable")

// Sink is the dlq table.
type Sink struct {
	pool *pgxpool.Pool
}

// New builds a Sink.
func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// WriteDLQ implements both ingest.DLQWriter and delivery.DLQWriter.
func (s *Sink) WriteDLQ(ctx context.Context, entry model.DLQEntry) error {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO dlq (id, tenant_id, origin, reference, payload, error, created_at, replayed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)`

	_, err = s.pool.Exec(ctx, q, id.String(), entry.TenantID, string(entry.Origin), entry.Reference,
		entry.Payload, entry.Error, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("dlq: write: %w", err)
	}
	return nil
}

// List returns DLQ entries for a tenant, most recent first — the
// read side of the operator-queryable requirement in spec §4.7.
func (s *Sink) List(ctx context.Context, tenantID string, limit int) ([]model.DLQEntry, error) {
	const q = `
		SELECT id, tenant_id, origin, reference, payload, error, created_at, replayed
		FROM dlq
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	defer rows.Close()

	var out []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var origin string
		if err := rows.Scan(&e.ID, &e.TenantID, &origin, &e.Reference, &e.Payload, &e.Error, &e.CreatedAt, &e.Replayed); err != nil {
			return nil, fmt.Errorf("dlq: scan: %w", err)
		}
		e.Origin = model.DLQOrigin(origin)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplayCreator creates a fresh Delivery attempt for a replayed
// DLQEntry of origin "delivery" — the store package's DeliveryRepo
// satisfies this narrowly, re-using the same CreateDelivery path C5
// uses, but keyed off the original Delivery's rule/automation/event
// rather than a brand new rule match.
type ReplayCreator interface {
	CreateDeliveryForReplay(ctx context.Context, originalDeliveryID string) (model.Delivery, error)
}

// Replay re-enqueues a DLQEntry of origin "delivery": it first claims
// the entry with a WHERE clause guarded on replayed=false — so a
// racing double-replay only ever lets one caller through — and only
// then asks creator to build a fresh Delivery (attempt=0) from the
// original Delivery's references.
func (s *Sink) Replay(ctx context.Context, entryID string, creator ReplayCreator) (model.Delivery, error) {
	const selectQ = `SELECT origin, reference FROM dlq WHERE id = $1`
	var origin, reference string
	err := s.pool.QueryRow(ctx, selectQ, entryID).Scan(&origin, &reference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Delivery{}, fmt.Errorf("dlq: entry %s not found", entryID)
		}
		return model.Delivery{}, fmt.Errorf("dlq: select for replay: %w", err)
	}
	if model.DLQOrigin(origin) != model.DLQOriginDelivery {
		return model.Delivery{}, ErrNotReplayable
	}

	const updateQ = `UPDATE dlq SET replayed = true WHERE id = $1 AND replayed = false`
	tag, err := s.pool.Exec(ctx, updateQ, entryID)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("dlq: mark replayed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return model.Delivery{}, ErrNotReplayable
	}

	newDelivery, err := creator.CreateDeliveryForReplay(ctx, reference)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("dlq: create replay delivery: %w", err)
	}
	return newDelivery, nil
}
