package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
)

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(rest.NewClient(rest.Options{}), protocol.LoggingInterceptor())
	require.NoError(t, err)

	all := reg.ListHandlers()
	require.Len(t, all, 5)

	var keys []string
	for _, m := range all {
		keys = append(keys, m.Key().String())
	}
	assert.Equal(t, []string{
		"ChirpStack/1.0",
		"ChirpStack/2.0",
		"LoraOpenSource/1.0",
		"LoraOpenSource/2.0",
		"Loriot/4.0",
	}, keys)

	m, err := reg.Describe("ChirpStack", "2.0")
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthAPIKey, m.AuthStyle)

	_, err = reg.Describe("ChirpStack", "9.9")
	assert.True(t, protocol.IsNotFound(err))
}
