package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geofencehq/pipeline/internal/geofence"
)

// StateRepo is the zone_membership_state table: the write-through
// backing store behind the geofence Processor's in-memory cache (spec
// §4.3 "state may live in memory for speed but must be reconstructible
// from persistence after crash"). Also implements the idle-state
// expiry sweep (spec §3's default 24h lifecycle).
type StateRepo struct {
	pool *pgxpool.Pool
}

type wireDwellTracker struct {
	EntryTime time.Time    `json:"entryTime"`
	LastSeen  time.Time    `json:"lastSeen"`
	Notified  map[int]bool `json:"notified"`
}

// LoadState implements geofence.StateStore.
func (r *StateRepo) LoadState(ctx context.Context, tenantID, deviceID string) (geofence.ZoneMembershipState, map[string]geofence.DwellTracker, error) {
	const q = `
		SELECT zones, last_accepted_ts, dwell_trackers
		FROM zone_membership_state
		WHERE tenant_id = $1 AND device_id = $2`

	var zonesRaw, trackersRaw []byte
	var lastAcceptedTs time.Time
	err := r.pool.QueryRow(ctx, q, tenantID, deviceID).Scan(&zonesRaw, &lastAcceptedTs, &trackersRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return geofence.ZoneMembershipState{}, nil, nil
		}
		return geofence.ZoneMembershipState{}, nil, fmt.Errorf("store: load state: %w", err)
	}

	var zoneIDs []string
	if len(zonesRaw) > 0 {
		if err := json.Unmarshal(zonesRaw, &zoneIDs); err != nil {
			return geofence.ZoneMembershipState{}, nil, fmt.Errorf("store: unmarshal zones: %w", err)
		}
	}
	zones := make(map[string]struct{}, len(zoneIDs))
	for _, id := range zoneIDs {
		zones[id] = struct{}{}
	}

	var wireTrackers map[string]wireDwellTracker
	if len(trackersRaw) > 0 {
		if err := json.Unmarshal(trackersRaw, &wireTrackers); err != nil {
			return geofence.ZoneMembershipState{}, nil, fmt.Errorf("store: unmarshal trackers: %w", err)
		}
	}
	trackers := make(map[string]geofence.DwellTracker, len(wireTrackers))
	for zoneID, wt := range wireTrackers {
		notified := wt.Notified
		if notified == nil {
			notified = make(map[int]bool)
		}
		trackers[zoneID] = geofence.DwellTracker{
			EntryTime: wt.EntryTime,
			LastSeen:  wt.LastSeen,
			Notified:  notified,
		}
	}

	return geofence.ZoneMembershipState{Zones: zones, LastAcceptedTs: lastAcceptedTs}, trackers, nil
}

// SaveState implements geofence.StateStore, upserting the full state
// row atomically (spec §4.3 step 6: state and offset commit together).
func (r *StateRepo) SaveState(ctx context.Context, tenantID, deviceID string, state geofence.ZoneMembershipState, trackers map[string]geofence.DwellTracker) error {
	zoneIDs := make([]string, 0, len(state.Zones))
	for id := range state.Zones {
		zoneIDs = append(zoneIDs, id)
	}
	zonesRaw, err := json.Marshal(zoneIDs)
	if err != nil {
		return fmt.Errorf("store: marshal zones: %w", err)
	}

	wireTrackers := make(map[string]wireDwellTracker, len(trackers))
	for zoneID, t := range trackers {
		wireTrackers[zoneID] = wireDwellTracker{EntryTime: t.EntryTime, LastSeen: t.LastSeen, Notified: t.Notified}
	}
	trackersRaw, err := json.Marshal(wireTrackers)
	if err != nil {
		return fmt.Errorf("store: marshal trackers: %w", err)
	}

	const q = `
		INSERT INTO zone_membership_state (tenant_id, device_id, zones, last_accepted_ts, dwell_trackers, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET
			zones = EXCLUDED.zones,
			last_accepted_ts = EXCLUDED.last_accepted_ts,
			dwell_trackers = EXCLUDED.dwell_trackers,
			updated_at = now()`

	if _, err := r.pool.Exec(ctx, q, tenantID, deviceID, zonesRaw, state.LastAcceptedTs, trackersRaw); err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

// ExpireIdleState implements geofence.IdleStateExpirer.
func (r *StateRepo) ExpireIdleState(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `DELETE FROM zone_membership_state WHERE updated_at < $1`

	tag, err := r.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: expire idle state: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
