// Package geofence implements C3: per-device zone-membership tracking
// with hysteresis, ENTER/EXIT transition detection, dwell-ladder
// notification, and idempotent persistence.
package geofence

import (
	"context"
	"time"
)

// ZoneMembershipState is the authoritative view of which zones a
// device currently occupies, plus the timestamp of the last fix that
// was allowed through the hysteresis gate.
type ZoneMembershipState struct {
	Zones          map[string]struct{}
	LastAcceptedTs time.Time
}

func newZoneMembershipState() ZoneMembershipState {
	return ZoneMembershipState{Zones: make(map[string]struct{})}
}

func (s ZoneMembershipState) contains(zoneID string) bool {
	_, ok := s.Zones[zoneID]
	return ok
}

func (s ZoneMembershipState) clone() ZoneMembershipState {
	out := newZoneMembershipState()
	for z := range s.Zones {
		out.Zones[z] = struct{}{}
	}
	out.LastAcceptedTs = s.LastAcceptedTs
	return out
}

// DwellTracker records how long a device has continuously occupied one
// zone and which thresholds in the dwell ladder have already fired.
type DwellTracker struct {
	EntryTime time.Time
	LastSeen  time.Time
	Notified  map[int]bool // threshold, in whole minutes
}

func newDwellTracker(entryTime time.Time) DwellTracker {
	return DwellTracker{EntryTime: entryTime, LastSeen: entryTime, Notified: make(map[int]bool)}
}

// StateStore persists ZoneMembershipState and the per-zone
// DwellTrackers for a device. The geofence processor keeps an
// in-memory, write-through cache in front of this — state must be
// reconstructible from here after a crash.
type StateStore interface {
	LoadState(ctx context.Context, tenantID, deviceID string) (ZoneMembershipState, map[string]DwellTracker, error)
	SaveState(ctx context.Context, tenantID, deviceID string, state ZoneMembershipState, trackers map[string]DwellTracker) error
}

// deviceKey scopes cache and store lookups by tenant, since device IDs
// are only unique within a tenant's own Store rows.
func deviceKey(tenantID, deviceID string) string {
	return tenantID + "|" + deviceID
}
