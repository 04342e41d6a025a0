package syncer

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/session"
)

// ========== Networks ==========

// CreateNetwork stores a network after checking that its protocol is
// registered and, when enabled, that every required credential is set.
func (e *Engine) CreateNetwork(ctx context.Context, n *models.Network) error {
	const op = "create network"

	if err := e.checkNetwork(ctx, op, n); err != nil {
		return err
	}
	if err := e.store.CreateNetwork(ctx, n); err != nil {
		return localError(op, err)
	}

	log.Info().
		Str("network_id", n.ID.String()).
		Str("protocol", n.ProtocolName+"/"+n.ProtocolVersion).
		Msg("Network created")
	return nil
}

// UpdateNetwork replaces a network. A nil SecurityData keeps the stored
// credentials. The cached vendor token is dropped in every case, so the
// next call logs in again against the updated endpoint.
func (e *Engine) UpdateNetwork(ctx context.Context, n *models.Network) error {
	const op = "update network"

	existing, err := e.store.GetNetwork(ctx, n.ID)
	if err != nil {
		return localError(op, err)
	}
	if n.SecurityData == nil {
		n.SecurityData = existing.SecurityData
	}
	n.SecurityData = session.StripToken(n.SecurityData.Clone())

	if err := e.checkNetwork(ctx, op, n); err != nil {
		return err
	}
	if err := e.store.UpdateNetwork(ctx, n); err != nil {
		return localError(op, err)
	}
	e.sessions.Reset(n.ID)
	return nil
}

// DeleteNetwork removes a network and its remote mappings. Remote records
// are left on the vendor.
func (e *Engine) DeleteNetwork(ctx context.Context, id uuid.UUID) error {
	if err := e.store.DeleteNetwork(ctx, id); err != nil {
		return localError("delete network", err)
	}
	e.sessions.Reset(id)
	return nil
}

func (e *Engine) checkNetwork(ctx context.Context, op string, n *models.Network) error {
	if err := e.validate(op, n); err != nil {
		return err
	}
	meta, err := e.registry.Describe(n.ProtocolName, n.ProtocolVersion)
	if err != nil {
		return protocol.NewValidationError(op, err.Error())
	}
	if _, err := e.store.GetNetworkType(ctx, n.NetworkTypeID); err != nil {
		return localError(op, err)
	}
	if n.Enabled {
		return meta.ValidateSecurityData(n.SecurityData)
	}
	return nil
}
