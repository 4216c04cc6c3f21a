package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofencehq/pipeline/internal/canonicaljson"
	"github.com/geofencehq/pipeline/internal/model"
)

type fakeResolver struct {
	devices map[string]model.Device // key: tenantID+"|"+deviceKey
	calls   int
}

func (f *fakeResolver) ResolveDeviceByKey(_ context.Context, tenantID, deviceKey string) (model.Device, error) {
	f.calls++
	dev, ok := f.devices[tenantID+"|"+deviceKey]
	if !ok {
		return model.Device{}, assert.AnError
	}
	return dev, nil
}

func TestAuthenticator_ResolveCachesHits(t *testing.T) {
	resolver := &fakeResolver{devices: map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t1", IsPaired: true},
	}}
	auth := NewAuthenticator(resolver, time.Minute)

	dev1, err := auth.Resolve(context.Background(), "t1", "key1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", dev1.ID)

	dev2, err := auth.Resolve(context.Background(), "t1", "key1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", dev2.ID)
	assert.Equal(t, 1, resolver.calls, "second resolve should be served from cache")
}

func TestAuthenticator_ResolveRejectsUnpaired(t *testing.T) {
	resolver := &fakeResolver{devices: map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t1", IsPaired: false},
	}}
	auth := NewAuthenticator(resolver, time.Minute)

	_, err := auth.Resolve(context.Background(), "t1", "key1")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestAuthenticator_ResolveRejectsTenantMismatch(t *testing.T) {
	resolver := &fakeResolver{devices: map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t2", IsPaired: true},
	}}
	auth := NewAuthenticator(resolver, time.Minute)

	_, err := auth.Resolve(context.Background(), "t1", "key1")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestAuthenticator_Invalidate(t *testing.T) {
	resolver := &fakeResolver{devices: map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t1", IsPaired: true},
	}}
	auth := NewAuthenticator(resolver, time.Minute)

	_, err := auth.Resolve(context.Background(), "t1", "key1")
	require.NoError(t, err)
	auth.Invalidate("t1", "key1")

	_, err = auth.Resolve(context.Background(), "t1", "key1")
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.calls, "invalidated entry should force a fresh resolve")
}

func sign(deviceKey string, payload map[string]interface{}) string {
	canon, _ := canonicaljson.Encode(payload)
	mac := hmac.New(sha256.New, []byte(deviceKey))
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_AcceptsValidSignature(t *testing.T) {
	payload := map[string]interface{}{"v": 1, "ts": "2026-01-01T00:00:00Z", "lat": 1.5, "lon": 2.5}
	sig := sign("devicekey123", payload)

	raw := []byte(`{"v":1,"ts":"2026-01-01T00:00:00Z","lat":1.5,"lon":2.5,"sig":"` + sig + `"}`)
	assert.NoError(t, Verify("devicekey123", raw, sig))
}

func TestVerify_RejectsTamperedSignature(t *testing.T) {
	payload := map[string]interface{}{"v": 1, "ts": "2026-01-01T00:00:00Z", "lat": 1.5, "lon": 2.5}
	sig := sign("devicekey123", payload)
	tampered := sig[:len(sig)-1] + "0"

	raw := []byte(`{"v":1,"ts":"2026-01-01T00:00:00Z","lat":1.5,"lon":2.5,"sig":"` + tampered + `"}`)
	err := Verify("devicekey123", raw, tampered)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}
