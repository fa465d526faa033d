package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		state, err := GenerateState()
		require.NoError(t, err)
		assert.Len(t, state, 43) // 32 bytes, base64url without padding
		assert.False(t, seen[state], "state values must not repeat")
		seen[state] = true

		_, err = base64.RawURLEncoding.DecodeString(state)
		assert.NoError(t, err, "state must be URL-safe base64")
	}
}

func TestGeneratePKCE(t *testing.T) {
	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	assert.Equal(t, "S256", pkce.Method)
	assert.GreaterOrEqual(t, len(pkce.Verifier), 43)
	assert.LessOrEqual(t, len(pkce.Verifier), 128)

	sum := sha256.Sum256([]byte(pkce.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pkce.Challenge)

	other, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, pkce.Verifier, other.Verifier)
}
