package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geofencehq/pipeline/internal/model"
)

// RuleRepo is the automation_rules table (joined with automations),
// consulted by C5 for each TransitionEvent.
type RuleRepo struct {
	pool *pgxpool.Pool
}

// RulesForZone implements rules.RuleLookup: enabled Rules on zoneID
// whose Automation is also enabled (spec §4.4 step 1's join), with
// the event-type/device/dwell narrowing left to Matcher so it stays
// testable without a database.
func (r *RuleRepo) RulesForZone(ctx context.Context, tenantID, zoneID string) ([]model.Rule, error) {
	const q = `
		SELECT r.id, r.tenant_id, r.zone_id, COALESCE(r.device_id, ''), r.automation_id,
		       r.on_events, r.min_dwell_seconds, r.device_filter, r.enabled
		FROM automation_rules r
		JOIN automations a ON a.id = r.automation_id
		WHERE r.tenant_id = $1 AND r.zone_id = $2 AND r.enabled = true AND a.enabled = true`

	rows, err := r.pool.Query(ctx, q, tenantID, zoneID)
	if err != nil {
		return nil, fmt.Errorf("store: rules for zone: %w", err)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		var rule model.Rule
		var onEvents []string
		var filterRaw []byte
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.ZoneID, &rule.DeviceID, &rule.AutomationID,
			&onEvents, &rule.MinDwellSeconds, &filterRaw, &rule.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}

		rule.OnEvents = make(map[model.TransitionType]bool, len(onEvents))
		for _, e := range onEvents {
			rule.OnEvents[model.TransitionType(e)] = true
		}

		if len(filterRaw) > 0 {
			if err := json.Unmarshal(filterRaw, &rule.DeviceFilter); err != nil {
				return nil, fmt.Errorf("store: unmarshal device filter for rule %s: %w", rule.ID, err)
			}
		}

		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rules for zone: %w", err)
	}
	return out, nil
}

// ZoneAndDeviceNames resolves the display names a webhook envelope or
// template renders (spec §4.5's {{device}}/{{geofence}} variables).
func (r *RuleRepo) ZoneAndDeviceNames(ctx context.Context, tenantID, zoneID, deviceID string) (zoneName, deviceName string, err error) {
	const q = `
		SELECT (SELECT name FROM geofences WHERE tenant_id = $1 AND id = $2),
		       (SELECT name FROM devices WHERE tenant_id = $1 AND id = $3)`

	if err := r.pool.QueryRow(ctx, q, tenantID, zoneID, deviceID).Scan(&zoneName, &deviceName); err != nil {
		return "", "", fmt.Errorf("store: resolve names: %w", err)
	}
	return zoneName, deviceName, nil
}
