// Package rules implements C5: joining each accepted TransitionEvent
// with the tenant's enabled Rules and creating Delivery records.
package rules

import (
	"context"
	"fmt"

	"github.com/geofencehq/pipeline/internal/model"
)

// RuleLookup returns the enabled Rules for a Zone whose Automation is
// also enabled — the narrowing by event type, device, and dwell
// threshold happens here in Matcher, not in the store query, so it
// stays testable without a database.
type RuleLookup interface {
	RulesForZone(ctx context.Context, tenantID, zoneID string) ([]model.Rule, error)
}

// DeviceMetadataLookup resolves the free-form attributes a Rule's
// DeviceFilter is evaluated against.
type DeviceMetadataLookup interface {
	DeviceMetadata(ctx context.Context, tenantID, deviceID string) (map[string]interface{}, error)
}

// DeliveryCreator persists a new pending Delivery row and enqueues it
// onto C6, keyed by Delivery ID.
type DeliveryCreator interface {
	CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error)
}

// Matcher implements the C5 join described in spec §4.4.
type Matcher struct {
	rules    RuleLookup
	devices  DeviceMetadataLookup
	delivery DeliveryCreator
}

// NewMatcher builds a Matcher.
func NewMatcher(rules RuleLookup, devices DeviceMetadataLookup, delivery DeliveryCreator) *Matcher {
	return &Matcher{rules: rules, devices: devices, delivery: delivery}
}

// Match evaluates ev against every enabled Rule on its Zone and
// creates a pending Delivery for each surviving Rule.
func (m *Matcher) Match(ctx context.Context, ev model.TransitionEvent) error {
	candidates, err := m.rules.RulesForZone(ctx, ev.TenantID, ev.ZoneID)
	if err != nil {
		return fmt.Errorf("rules: lookup: %w", err)
	}

	var metadata map[string]interface{}

	for _, rule := range candidates {
		if !rule.Enabled {
			continue
		}
		if !rule.OnEvents[ev.Type] {
			continue
		}
		if rule.DeviceID != "" && rule.DeviceID != ev.DeviceID {
			continue
		}
		dwellSeconds := 0
		if ev.DwellSeconds != nil {
			dwellSeconds = *ev.DwellSeconds
		}
		if rule.MinDwellSeconds > max(0, dwellSeconds) {
			continue
		}

		if len(rule.DeviceFilter) > 0 {
			if metadata == nil {
				metadata, err = m.devices.DeviceMetadata(ctx, ev.TenantID, ev.DeviceID)
				if err != nil {
					// A missing device mid-stream skips this rule
					// rather than failing the whole match (spec §7:
					// "missing rule dependencies ... skip that rule").
					continue
				}
			}
			if !matchesFilter(rule.DeviceFilter, metadata) {
				continue
			}
		}

		_, err := m.delivery.CreateDelivery(ctx, model.Delivery{
			TenantID:          ev.TenantID,
			AutomationID:      rule.AutomationID,
			RuleID:            rule.ID,
			TransitionEventID: ev.ID,
			Status:            model.DeliveryPending,
			Attempt:           0,
		})
		if err != nil {
			return fmt.Errorf("rules: create delivery: %w", err)
		}
	}
	return nil
}

func matchesFilter(filter, metadata map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}
