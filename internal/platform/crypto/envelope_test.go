package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEnvelope_SealOpenRoundTrip(t *testing.T) {
	env, err := NewEnvelope(testKeyHex)
	require.NoError(t, err)

	sealed, err := env.Seal([]byte("webhook-secret-123"))
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)

	opened, err := env.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "webhook-secret-123", string(opened))
}

func TestEnvelope_SealIsNonDeterministic(t *testing.T) {
	env, err := NewEnvelope(testKeyHex)
	require.NoError(t, err)

	a, err := env.Seal([]byte("same-plaintext"))
	require.NoError(t, err)
	b, err := env.Seal([]byte("same-plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewEnvelope_RejectsShortKey(t *testing.T) {
	_, err := NewEnvelope("deadbeef")
	assert.Error(t, err)
}

func TestEnvelope_OpenRejectsTampered(t *testing.T) {
	env, err := NewEnvelope(testKeyHex)
	require.NoError(t, err)

	sealed, err := env.Seal([]byte("secret"))
	require.NoError(t, err)
	tampered := sealed[:len(sealed)-2] + "ff"

	_, err = env.Open(tampered)
	assert.Error(t, err)
}

func TestEnvelope_OpenRejectsWrongAAD(t *testing.T) {
	env, err := NewEnvelope(testKeyHex)
	require.NoError(t, err)

	sealed, err := env.Seal([]byte("secret"))
	require.NoError(t, err)

	raw, err := hex.DecodeString(sealed)
	require.NoError(t, err)
	nonceSize := env.aead.NonceSize()
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	_, err = env.aead.Open(nil, nonce, ciphertext, []byte("some-other-domain"))
	assert.Error(t, err)
}
