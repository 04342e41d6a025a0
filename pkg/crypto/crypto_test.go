package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	s, err := NewKey()
	require.NoError(t, err)
	key, err := hex.DecodeString(s)
	require.NoError(t, err)
	require.Len(t, key, 32)
	return key
}

func TestSealOpen(t *testing.T) {
	key := testKey(t)
	ad := []byte("network-1")

	sealed, err := Seal(key, []byte(`{"password":"p"}`), ad)
	require.NoError(t, err)
	assert.Equal(t, sealVersion, sealed[0])

	plain, err := Open(key, sealed, ad)
	require.NoError(t, err)
	assert.Equal(t, `{"password":"p"}`, string(plain))

	t.Run("wrong key", func(t *testing.T) {
		_, err := Open(testKey(t), sealed, ad)
		assert.ErrorIs(t, err, ErrSealed)
	})

	t.Run("moved to another row", func(t *testing.T) {
		_, err := Open(key, sealed, []byte("network-2"))
		assert.ErrorIs(t, err, ErrSealed)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Open(key, sealed[:5], ad)
		assert.ErrorIs(t, err, ErrSealed)
	})

	t.Run("bad key size", func(t *testing.T) {
		_, err := Seal([]byte("short"), nil, nil)
		assert.ErrorIs(t, err, ErrKeySize)
	})
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("pw", hash))
	assert.False(t, VerifyPassword("px", hash))
	assert.False(t, VerifyPassword("", ""))
}
