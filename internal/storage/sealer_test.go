package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

func TestSealer(t *testing.T) {
	s, err := newSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	id := uuid.New()

	sd := models.Variables{"username": "admin", "password": "secret"}
	sealed, err := s.seal(id, sd)
	require.NoError(t, err)
	assert.Len(t, sealed, 1)
	assert.NotContains(t, sealed[sealedKey], "secret")

	out, err := s.unseal(id, sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", out["password"])

	// rows written before a key was configured stay readable
	plain, err := s.unseal(id, sd)
	require.NoError(t, err)
	assert.Equal(t, sd, plain)

	_, err = s.unseal(uuid.New(), sealed)
	assert.ErrorIs(t, err, ErrInvalidData)

	var none *sealer
	_, err = none.unseal(id, sealed)
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = newSealer([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidData)
}
