package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sys := NewSystemContext([]byte("master-key-material"))
	derived, err := sys.Derive("abc123filehash")
	require.NoError(t, err)

	values := map[string]string{
		"api_key":    "k-123",
		"api_secret": "s-456",
	}
	nonce, ciphertext, err := derived.Seal(values)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)
	require.NotEmpty(t, ciphertext)

	got, err := derived.Open(nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestOpenFailsWithDifferentFileHash(t *testing.T) {
	sys := NewSystemContext([]byte("master-key-material"))

	sealer, err := sys.Derive("hash-of-original-file")
	require.NoError(t, err)
	nonce, ciphertext, err := sealer.Seal(map[string]string{"api_key": "k"})
	require.NoError(t, err)

	// A modified plugin file yields a different hash, hence a different key.
	opener, err := sys.Derive("hash-of-tampered-file")
	require.NoError(t, err)
	_, err = opener.Open(nonce, ciphertext)
	assert.Error(t, err)
}

func TestOpenFailsWithDifferentSystemContext(t *testing.T) {
	sealer, err := NewSystemContext([]byte("key-one")).Derive("filehash")
	require.NoError(t, err)
	nonce, ciphertext, err := sealer.Seal(map[string]string{"api_key": "k"})
	require.NoError(t, err)

	opener, err := NewSystemContext([]byte("key-two")).Derive("filehash")
	require.NoError(t, err)
	_, err = opener.Open(nonce, ciphertext)
	assert.Error(t, err)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	sys := NewSystemContext([]byte("master"))

	a, err := sys.DeriveKey("hash")
	require.NoError(t, err)
	b, err := sys.DeriveKey("hash")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c, err := sys.DeriveKey("other")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEmptySystemContext(t *testing.T) {
	_, err := SystemContext{}.Derive("hash")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "[REDACTED]", Redact("abcd"))
	assert.Equal(t, "se…[REDACTED]", Redact("secret-value"))
}
