package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofencehq/pipeline/internal/model"
)

type fakeRuleLookup struct {
	rules []model.Rule
}

func (f *fakeRuleLookup) RulesForZone(_ context.Context, _, _ string) ([]model.Rule, error) {
	return f.rules, nil
}

type fakeDeviceMetadataLookup struct {
	meta map[string]interface{}
}

func (f *fakeDeviceMetadataLookup) DeviceMetadata(_ context.Context, _, _ string) (map[string]interface{}, error) {
	return f.meta, nil
}

type fakeDeliveryCreator struct {
	created []model.Delivery
}

func (f *fakeDeliveryCreator) CreateDelivery(_ context.Context, d model.Delivery) (model.Delivery, error) {
	d.ID = "delivery-1"
	f.created = append(f.created, d)
	return d, nil
}

func enterEvent() model.TransitionEvent {
	return model.TransitionEvent{TenantID: "t1", DeviceID: "d1", ZoneID: "z1", Type: model.TransitionEnter}
}

func TestMatch_CreatesDeliveryForMatchingRule(t *testing.T) {
	rules := &fakeRuleLookup{rules: []model.Rule{
		{ID: "r1", AutomationID: "a1", OnEvents: map[model.TransitionType]bool{model.TransitionEnter: true}, Enabled: true},
	}}
	delivery := &fakeDeliveryCreator{}
	m := NewMatcher(rules, &fakeDeviceMetadataLookup{}, delivery)

	require.NoError(t, m.Match(context.Background(), enterEvent()))
	require.Len(t, delivery.created, 1)
	assert.Equal(t, "a1", delivery.created[0].AutomationID)
	assert.Equal(t, model.DeliveryPending, delivery.created[0].Status)
}

func TestMatch_SkipsDisabledRule(t *testing.T) {
	rules := &fakeRuleLookup{rules: []model.Rule{
		{ID: "r1", AutomationID: "a1", OnEvents: map[model.TransitionType]bool{model.TransitionEnter: true}, Enabled: false},
	}}
	delivery := &fakeDeliveryCreator{}
	m := NewMatcher(rules, &fakeDeviceMetadataLookup{}, delivery)

	require.NoError(t, m.Match(context.Background(), enterEvent()))
	assert.Empty(t, delivery.created)
}

func TestMatch_SkipsWrongEventType(t *testing.T) {
	rules := &fakeRuleLookup{rules: []model.Rule{
		{ID: "r1", AutomationID: "a1", OnEvents: map[model.TransitionType]bool{model.TransitionExit: true}, Enabled: true},
	}}
	delivery := &fakeDeliveryCreator{}
	m := NewMatcher(rules, &fakeDeviceMetadataLookup{}, delivery)

	require.NoError(t, m.Match(context.Background(), enterEvent()))
	assert.Empty(t, delivery.created)
}

func TestMatch_SkipsOtherDeviceScopedRule(t *testing.T) {
	rules := &fakeRuleLookup{rules: []model.Rule{
		{ID: "r1", AutomationID: "a1", DeviceID: "other-device", OnEvents: map[model.TransitionType]bool{model.TransitionEnter: true}, Enabled: true},
	}}
	delivery := &fakeDeliveryCreator{}
	m := NewMatcher(rules, &fakeDeviceMetadataLookup{}, delivery)

	require.NoError(t, m.Match(context.Background(), enterEvent()))
	assert.Empty(t, delivery.created)
}

func TestMatch_SkipsInsufficientDwell(t *testing.T) {
	dwell := 60
	ev := model.TransitionEvent{TenantID: "t1", DeviceID: "d1", ZoneID: "z1", Type: model.TransitionDwell, DwellSeconds: &dwell}
	rules := &fakeRuleLookup{rules: []model.Rule{
		{ID: "r1", AutomationID: "a1", MinDwellSeconds: 300, OnEvents: map[model.TransitionType]bool{model.TransitionDwell: true}, Enabled: true},
	}}
	delivery := &fakeDeliveryCreator{}
	m := NewMatcher(rules, &fakeDeviceMetadataLookup{}, delivery)

	require.NoError(t, m.Match(context.Background(), ev))
	assert.Empty(t, delivery.created)
}

func TestMatch_AppliesDeviceFilter(t *testing.T) {
	rules := &fakeRuleLookup{rules: []model.Rule{
		{ID: "r1", AutomationID: "a1", OnEvents: map[model.TransitionType]bool{model.TransitionEnter: true}, Enabled: true,
			DeviceFilter: map[string]interface{}{"fleet": "alpha"}},
	}}
	delivery := &fakeDeliveryCreator{}
	devices := &fakeDeviceMetadataLookup{meta: map[string]interface{}{"fleet": "beta"}}
	m := NewMatcher(rules, devices, delivery)

	require.NoError(t, m.Match(context.Background(), enterEvent()))
	assert.Empty(t, delivery.created)
}

func TestMatch_MultipleRulesEachProduceADelivery(t *testing.T) {
	rules := &fakeRuleLookup{rules: []model.Rule{
		{ID: "r1", AutomationID: "a1", OnEvents: map[model.TransitionType]bool{model.TransitionEnter: true}, Enabled: true},
		{ID: "r2", AutomationID: "a2", OnEvents: map[model.TransitionType]bool{model.TransitionEnter: true}, Enabled: true},
	}}
	delivery := &fakeDeliveryCreator{}
	m := NewMatcher(rules, &fakeDeviceMetadataLookup{}, delivery)

	require.NoError(t, m.Match(context.Background(), enterEvent()))
	assert.Len(t, delivery.created, 2)
}
