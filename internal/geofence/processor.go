package geofence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geofencehq/pipeline/internal/geo"
	"github.com/geofencehq/pipeline/internal/model"
	"github.com/geofencehq/pipeline/internal/platform/telemetry"
)

// ZoneLookup returns the active zones in a tenant whose geometry might
// contain (lat, lon) — a bounding-box prefilter, precise containment
// is applied afterwards by the processor itself.
type ZoneLookup interface {
	CandidateZones(ctx context.Context, tenantID string, lat, lon float64) ([]model.Zone, error)
}

// TransitionStore inserts a TransitionEvent, enforcing uniqueness on
// (tenantId, event_hash) at the database layer. inserted is false when
// the row already existed (ON CONFLICT DO NOTHING) — the processor
// only publishes onto C4 when inserted is true.
type TransitionStore interface {
	InsertTransitionIfNew(ctx context.Context, ev model.TransitionEvent) (inserted bool, err error)
}

// EventPublisher emits an accepted TransitionEvent onto C4.
type EventPublisher interface {
	PublishTransition(ctx context.Context, ev model.TransitionEvent) error
}

type cachedState struct {
	mu       sync.Mutex
	state    ZoneMembershipState
	trackers map[string]DwellTracker
	loaded   bool
}

// Processor implements C3's per-fix algorithm.
type Processor struct {
	zones       ZoneLookup
	store       StateStore
	transitions TransitionStore
	pub         EventPublisher
	hysteresis  time.Duration
	ladder      []int
	log         *zap.Logger
	metrics     *telemetry.Metrics

	mu    sync.Mutex
	cache map[string]*cachedState
}

// WithMetrics attaches the Prometheus counters this processor reports
// transitions to. Optional.
func (p *Processor) WithMetrics(m *telemetry.Metrics) *Processor {
	p.metrics = m
	return p
}

// NewProcessor builds a Processor. ladderMinutes defaults to
// DefaultDwellLadderMinutes when nil.
func NewProcessor(zones ZoneLookup, store StateStore, transitions TransitionStore, pub EventPublisher, hysteresis time.Duration, ladderMinutes []int, log *zap.Logger) *Processor {
	if ladderMinutes == nil {
		ladderMinutes = DefaultDwellLadderMinutes
	}
	return &Processor{
		zones:       zones,
		store:       store,
		transitions: transitions,
		pub:         pub,
		hysteresis:  hysteresis,
		ladder:      ladderMinutes,
		log:         log,
		cache:       make(map[string]*cachedState),
	}
}

func (p *Processor) entry(ctx context.Context, tenantID, deviceID string) (*cachedState, error) {
	key := deviceKey(tenantID, deviceID)

	p.mu.Lock()
	e, ok := p.cache[key]
	if !ok {
		e = &cachedState{}
		p.cache[key] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	if !e.loaded {
		state, trackers, err := p.store.LoadState(ctx, tenantID, deviceID)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("geofence: load state: %w", err)
		}
		if state.Zones == nil {
			state = newZoneMembershipState()
		}
		if trackers == nil {
			trackers = make(map[string]DwellTracker)
		}
		e.state = state
		e.trackers = trackers
		e.loaded = true
	}
	return e, nil
}

// ProcessFix runs the per-fix algorithm described in spec §4.3 for one
// authenticated RawFix. The caller is expected to hold per-device
// ordering (via partition assignment) — ProcessFix itself serialises
// concurrent calls for the same device through the cached entry's
// mutex, but correctness depends on fixes for one device arriving in
// timestamp order.
func (p *Processor) ProcessFix(ctx context.Context, fix model.RawFix) error {
	e, err := p.entry(ctx, fix.TenantID, fix.DeviceID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if !e.state.LastAcceptedTs.IsZero() && fix.Timestamp.Before(e.state.LastAcceptedTs) {
		p.log.Warn("geofence: dropping out-of-order fix",
			zap.String("deviceId", fix.DeviceID), zap.Time("ts", fix.Timestamp),
			zap.Time("lastAcceptedTs", e.state.LastAcceptedTs))
		return nil
	}

	candidates, err := p.zones.CandidateZones(ctx, fix.TenantID, fix.Lat, fix.Lon)
	if err != nil {
		return fmt.Errorf("geofence: candidate zones: %w", err)
	}
	currentZones := containedZones(candidates, fix.Lat, fix.Lon)

	gateOpen := e.state.LastAcceptedTs.IsZero() || fix.Timestamp.Sub(e.state.LastAcceptedTs) >= p.hysteresis

	if !gateOpen {
		e.refreshDwellOnly(currentZones, fix.Timestamp)
		return p.store.SaveState(ctx, fix.TenantID, fix.DeviceID, e.state, e.trackers)
	}

	currentIDs := make(map[string]struct{}, len(currentZones))
	for _, z := range currentZones {
		currentIDs[z.ID] = struct{}{}
	}

	var entered, exited []string
	for id := range currentIDs {
		if !e.state.contains(id) {
			entered = append(entered, id)
		}
	}
	for id := range e.state.Zones {
		if _, ok := currentIDs[id]; !ok {
			exited = append(exited, id)
		}
	}

	for _, zoneID := range entered {
		if err := p.emit(ctx, fix, zoneID, model.TransitionEnter, nil); err != nil {
			return err
		}
	}
	for _, zoneID := range exited {
		if err := p.emit(ctx, fix, zoneID, model.TransitionExit, nil); err != nil {
			return err
		}
		delete(e.trackers, zoneID)
	}

	for zoneID := range currentIDs {
		tracker, ok := e.trackers[zoneID]
		if !ok {
			tracker = newDwellTracker(fix.Timestamp)
		} else {
			tracker.LastSeen = fix.Timestamp
		}

		for _, threshold := range CrossedThresholds(tracker, p.ladder, fix.Timestamp) {
			dwellSeconds := int(fix.Timestamp.Sub(tracker.EntryTime).Seconds())
			ds := dwellSeconds
			if err := p.emit(ctx, fix, zoneID, model.TransitionDwell, &ds); err != nil {
				return err
			}
			tracker.Notified[threshold] = true
		}
		e.trackers[zoneID] = tracker
	}

	for zoneID := range e.trackers {
		if _, ok := currentIDs[zoneID]; !ok {
			delete(e.trackers, zoneID)
		}
	}

	e.state.Zones = currentIDs
	e.state.LastAcceptedTs = fix.Timestamp

	return p.store.SaveState(ctx, fix.TenantID, fix.DeviceID, e.state, e.trackers)
}

// refreshDwellOnly updates last_seen on already-existing trackers for
// the zones the device currently occupies. It must be called with
// e.mu held. The hysteresis gate suppresses creating new trackers or
// firing thresholds until a stable fix reopens the gate.
func (e *cachedState) refreshDwellOnly(currentZones []model.Zone, ts time.Time) {
	for _, z := range currentZones {
		tracker, ok := e.trackers[z.ID]
		if !ok {
			continue
		}
		tracker.LastSeen = ts
		e.trackers[z.ID] = tracker
	}
}

func (p *Processor) emit(ctx context.Context, fix model.RawFix, zoneID string, typ model.TransitionType, dwellSeconds *int) error {
	id, err := uuid.NewV7()
	idStr := id.String()
	if err != nil {
		idStr = uuid.NewString()
	}

	ev := model.TransitionEvent{
		ID:           idStr,
		Version:      1,
		TenantID:     fix.TenantID,
		DeviceID:     fix.DeviceID,
		ZoneID:       zoneID,
		Type:         typ,
		Timestamp:    fix.Timestamp,
		DwellSeconds: dwellSeconds,
		EventHash:    eventHash(fix.DeviceID, zoneID, typ, fix.Timestamp),
	}

	inserted, err := p.transitions.InsertTransitionIfNew(ctx, ev)
	if err != nil {
		return fmt.Errorf("geofence: insert transition: %w", err)
	}
	if !inserted {
		// Already delivered by a prior attempt at this same fix —
		// idempotent no-op per spec §4.3.
		return nil
	}
	if p.metrics != nil {
		p.metrics.TransitionsEmitted.WithLabelValues(string(typ)).Inc()
	}
	return p.pub.PublishTransition(ctx, ev)
}

func eventHash(deviceID, zoneID string, typ model.TransitionType, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte(zoneID))
	h.Write([]byte(typ))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func containedZones(candidates []model.Zone, lat, lon float64) []model.Zone {
	p := geo.Point{Lat: lat, Lon: lon}
	var out []model.Zone
	for _, z := range candidates {
		if !z.Active {
			continue
		}
		switch z.Kind {
		case model.ZoneKindCircle, model.ZoneKindPoint:
			center := geo.Point{Lat: z.Center.Lat, Lon: z.Center.Lon}
			if geo.InCircle(p, center, z.RadiusMeters) {
				out = append(out, z)
			}
		case model.ZoneKindPolygon:
			verts := make([]geo.Point, len(z.Vertices))
			for i, v := range z.Vertices {
				verts[i] = geo.Point{Lat: v.Lat, Lon: v.Lon}
			}
			minP, maxP := geo.BoundingBox(verts)
			if geo.InBoundingBox(p, minP, maxP) && geo.InPolygon(p, verts) {
				out = append(out, z)
			}
		}
	}
	return out
}
