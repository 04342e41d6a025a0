// Package builtin registers the protocol handlers shipped with the bridge.
package builtin

import (
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/loraserver"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/loriot"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
)

// NewRegistry returns a registry holding every built-in handler, each
// decorated with ic when it is non-nil.
func NewRegistry(client *rest.Client, ic protocol.Interceptor) (*protocol.Registry, error) {
	reg, err := protocol.NewRegistry(
		loraserver.NewLoraOSV1(client),
		loraserver.NewLoraOSV2(client),
		loraserver.NewChirpStackV1(client),
		loraserver.NewChirpStackV2(client),
		loriot.New(client),
	)
	if err != nil {
		return nil, err
	}
	if ic != nil {
		reg.Wrap(ic)
	}
	return reg, nil
}
