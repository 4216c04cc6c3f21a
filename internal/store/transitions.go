package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geofencehq/pipeline/internal/model"
)

// TransitionRepo is the geofence_events table, carrying the database
// uniqueness constraint on (tenant_id, event_hash) spec §4.8 requires
// the application to rely on rather than re-implement.
type TransitionRepo struct {
	pool *pgxpool.Pool
}

// InsertTransitionIfNew implements geofence.TransitionStore. inserted
// is false when a row with the same (tenant_id, event_hash) already
// existed — the ON CONFLICT DO NOTHING idempotency path spec §4.3
// describes.
func (r *TransitionRepo) InsertTransitionIfNew(ctx context.Context, ev model.TransitionEvent) (bool, error) {
	const q = `
		INSERT INTO geofence_events (id, tenant_id, device_id, geofence_id, type, ts, dwell_seconds, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, event_hash) DO NOTHING
		RETURNING id`

	row := r.pool.QueryRow(ctx, q, ev.ID, ev.TenantID, ev.DeviceID, ev.ZoneID, string(ev.Type), ev.Timestamp, ev.DwellSeconds, ev.EventHash)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert transition: %w", err)
	}
	return true, nil
}
