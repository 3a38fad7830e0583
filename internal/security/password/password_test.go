package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewHasher_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).Cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).Cost)
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).Cost)
}

func TestLegacyHash(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	hash, err := h.HashLegacy("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2"))

	assert.NoError(t, h.CompareLegacy(hash, "s3cret"))
	assert.ErrorIs(t, h.CompareLegacy(hash, "wrong"), ErrMismatch)
	assert.Error(t, h.CompareLegacy("not-a-hash", "s3cret"))
}

func TestIAMHash(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	hash, err := h.HashIAM("s3cret")
	require.NoError(t, err)
	salt, key, ok := strings.Cut(hash, ":")
	require.True(t, ok)
	assert.Len(t, salt, saltLen*2)
	assert.Len(t, key, scryptKeyLen*2)

	other, err := h.HashIAM("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts differ")

	assert.NoError(t, h.CompareIAM(hash, "s3cret"))
	assert.ErrorIs(t, h.CompareIAM(hash, "wrong"), ErrMismatch)
	assert.Error(t, h.CompareIAM("garbage", "s3cret"))
}

func TestHashes_AgreeOnWhitespace(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	legacy, err := h.HashLegacy("pw ")
	require.NoError(t, err)
	iam, err := h.HashIAM("pw ")
	require.NoError(t, err)

	assert.NoError(t, h.CompareLegacy(legacy, "pw "))
	assert.NoError(t, h.CompareIAM(iam, "pw "))
	assert.ErrorIs(t, h.CompareLegacy(legacy, "pw"), ErrMismatch)
	assert.ErrorIs(t, h.CompareIAM(iam, "pw"), ErrMismatch)
}
