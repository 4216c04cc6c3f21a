package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geofencehq/pipeline/internal/model"
)

// DeviceRepo is the devices table: C9's view of paired devices,
// consulted by C1 (ResolveDeviceByKey) and C5 (DeviceMetadata).
type DeviceRepo struct {
	pool *pgxpool.Pool
}

// ResolveDeviceByKey implements ingest.DeviceResolver. Only paired
// devices are returned — spec §3: "a fix is only accepted when
// is_paired and the Tenant reference ... matches".
func (r *DeviceRepo) ResolveDeviceByKey(ctx context.Context, tenantID, deviceKey string) (model.Device, error) {
	const q = `
		SELECT id, tenant_id, name, device_key, is_paired, last_seen_at,
		       last_lat, last_lon, last_lat IS NOT NULL
		FROM devices
		WHERE tenant_id = $1 AND device_key = $2 AND is_paired = true`

	row := r.pool.QueryRow(ctx, q, tenantID, deviceKey)

	var d model.Device
	var lastLat, lastLon *float64
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.DeviceKey, &d.IsPaired,
		&d.LastSeenAt, &lastLat, &lastLon, &d.LastPositionOK)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Device{}, fmt.Errorf("store: no paired device for key: %w", err)
		}
		return model.Device{}, fmt.Errorf("store: resolve device: %w", err)
	}
	if lastLat != nil {
		d.LastLat = *lastLat
	}
	if lastLon != nil {
		d.LastLon = *lastLon
	}
	return d, nil
}

// DeviceMetadata implements rules.DeviceMetadataLookup, returning the
// free-form attributes a Rule.DeviceFilter is evaluated against.
func (r *DeviceRepo) DeviceMetadata(ctx context.Context, tenantID, deviceID string) (map[string]interface{}, error) {
	const q = `SELECT metadata FROM devices WHERE tenant_id = $1 AND id = $2`

	var raw []byte
	err := r.pool.QueryRow(ctx, q, tenantID, deviceID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("store: device metadata: %w", err)
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("store: unmarshal device metadata: %w", err)
	}
	return m, nil
}

// TouchLastSeen updates a device's last-seen timestamp and position —
// C1 is the exclusive writer of this column per spec §3's ownership
// summary.
func (r *DeviceRepo) TouchLastSeen(ctx context.Context, tenantID, deviceID string, lat, lon float64, ts time.Time) error {
	const q = `
		UPDATE devices
		SET last_seen_at = $3, last_lat = $4, last_lon = $5
		WHERE tenant_id = $1 AND id = $2`

	_, err := r.pool.Exec(ctx, q, tenantID, deviceID, ts, lat, lon)
	if err != nil {
		return fmt.Errorf("store: touch last seen: %w", err)
	}
	return nil
}
