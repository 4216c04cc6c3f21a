package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/geofencehq/pipeline/internal/model"
)

func newTestConsumer(t *testing.T, devices map[string]model.Device) *Consumer {
	t.Helper()
	resolver := &fakeResolver{devices: devices}
	auth := NewAuthenticator(resolver, time.Minute)
	return &Consumer{auth: auth, log: zaptest.NewLogger(t)}
}

func validPayload(t *testing.T, deviceKey string) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"v": 1, "ts": "2026-01-01T00:00:00Z", "lat": 37.7749, "lon": -122.4194,
	}
	sig := sign(deviceKey, payload)
	return []byte(`{"v":1,"ts":"2026-01-01T00:00:00Z","lat":37.7749,"lon":-122.4194,"sig":"` + sig + `"}`)
}

func TestProcessFix_AcceptsValidFix(t *testing.T) {
	c := newTestConsumer(t, map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t1", IsPaired: true},
	})

	fix, deadLetter, err := c.ProcessFix(context.Background(), "fix.t1.key1", validPayload(t, "key1"))
	require.NoError(t, err)
	assert.False(t, deadLetter)
	assert.Equal(t, "dev-1", fix.DeviceID)
	assert.Equal(t, "t1", fix.TenantID)
	assert.Equal(t, 37.7749, fix.Lat)
}

func TestProcessFix_RejectsMalformedTopic(t *testing.T) {
	c := newTestConsumer(t, nil)
	_, deadLetter, err := c.ProcessFix(context.Background(), "bogus", validPayload(t, "key1"))
	assert.Error(t, err)
	assert.True(t, deadLetter)
}

func TestProcessFix_RejectsMalformedJSON(t *testing.T) {
	c := newTestConsumer(t, map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t1", IsPaired: true},
	})
	_, deadLetter, err := c.ProcessFix(context.Background(), "fix.t1.key1", []byte("not json"))
	assert.Error(t, err)
	assert.True(t, deadLetter)
}

func TestProcessFix_RejectsUnknownDevice(t *testing.T) {
	c := newTestConsumer(t, nil)
	_, deadLetter, err := c.ProcessFix(context.Background(), "fix.t1.key1", validPayload(t, "key1"))
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.True(t, deadLetter)
}

// TestProcessFix_RejectsTamperedSignature is scenario S4: a valid
// payload whose "sig" has been changed by one hex character is
// dead-lettered with a signature mismatch and never reaches C2.
func TestProcessFix_RejectsTamperedSignature(t *testing.T) {
	c := newTestConsumer(t, map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t1", IsPaired: true},
	})

	payload := map[string]interface{}{
		"v": 1, "ts": "2026-01-01T00:00:00Z", "lat": 37.7749, "lon": -122.4194,
	}
	sig := sign("key1", payload)
	tampered := sig[:len(sig)-1] + "0"
	raw := []byte(`{"v":1,"ts":"2026-01-01T00:00:00Z","lat":37.7749,"lon":-122.4194,"sig":"` + tampered + `"}`)

	_, deadLetter, err := c.ProcessFix(context.Background(), "fix.t1.key1", raw)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.True(t, deadLetter)
}

func TestProcessFix_RejectsOutOfRangeCoordinates(t *testing.T) {
	c := newTestConsumer(t, map[string]model.Device{
		"t1|key1": {ID: "dev-1", TenantID: "t1", IsPaired: true},
	})
	raw := []byte(`{"v":1,"ts":"2026-01-01T00:00:00Z","lat":999,"lon":-122.4194,"sig":"deadbeef"}`)
	_, deadLetter, err := c.ProcessFix(context.Background(), "fix.t1.key1", raw)
	assert.Error(t, err)
	assert.True(t, deadLetter)
}
