package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/geofencehq/pipeline/internal/canonicaljson"
	"github.com/geofencehq/pipeline/internal/model"
)

// ErrSignatureMismatch is returned when the recomputed HMAC does not
// match the payload's "sig" field.
var ErrSignatureMismatch = errors.New("ingest: signature mismatch")

// ErrUnknownDevice is returned when no paired device matches the
// (tenantId, deviceKey) pair.
var ErrUnknownDevice = errors.New("ingest: unknown or unpaired device")

// DeviceResolver looks up a paired device by its tenant-scoped shared
// secret. Implemented by the store package (C9); kept as a narrow
// interface here so authentication can be tested without a database.
type DeviceResolver interface {
	ResolveDeviceByKey(ctx context.Context, tenantID, deviceKey string) (model.Device, error)
}

// Authenticator resolves device keys and verifies fix signatures. The
// resolution cache is process-local, bounded by TTL eviction — spec §5
// explicitly forbids a shared/networked cache here, which is why this
// is patrickmn/go-cache rather than the Redis-backed cache used
// elsewhere in the corpus for an analogous TTL lookup.
type Authenticator struct {
	resolver DeviceResolver
	cache    *gocache.Cache
}

// NewAuthenticator builds an Authenticator whose cache entries expire
// after ttl (spec default: 5 minutes).
func NewAuthenticator(resolver DeviceResolver, ttl time.Duration) *Authenticator {
	return &Authenticator{
		resolver: resolver,
		cache:    gocache.New(ttl, ttl*2),
	}
}

func cacheKey(tenantID, deviceKey string) string {
	return tenantID + "|" + deviceKey
}

// Resolve returns the paired Device for (tenantID, deviceKey), serving
// from cache when possible.
func (a *Authenticator) Resolve(ctx context.Context, tenantID, deviceKey string) (model.Device, error) {
	key := cacheKey(tenantID, deviceKey)
	if cached, ok := a.cache.Get(key); ok {
		return cached.(model.Device), nil
	}

	dev, err := a.resolver.ResolveDeviceByKey(ctx, tenantID, deviceKey)
	if err != nil {
		return model.Device{}, fmt.Errorf("%w: %v", ErrUnknownDevice, err)
	}
	if !dev.IsPaired || dev.TenantID != tenantID {
		return model.Device{}, ErrUnknownDevice
	}

	a.cache.SetDefault(key, dev)
	return dev, nil
}

// Verify recomputes the HMAC-SHA256 of rawPayload (the fix JSON with
// "sig" removed, canonicalised) using deviceKey as the secret, and
// compares it against sigHex in constant time.
func Verify(deviceKey string, rawPayload []byte, sigHex string) error {
	canon, err := canonicaljson.EncodeWithout(rawPayload, "sig")
	if err != nil {
		return fmt.Errorf("ingest: canonicalize: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(deviceKey))
	mac.Write(canon)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sigHex)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Invalidate drops a cached resolution — used when a device is
// unpaired or its key rotates, so stale entries don't outlive the TTL.
func (a *Authenticator) Invalidate(tenantID, deviceKey string) {
	a.cache.Delete(cacheKey(tenantID, deviceKey))
}
