package syncer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
)

// ========== Company ==========

// CreateCompany stores c and creates it on every enabled network.
func (e *Engine) CreateCompany(ctx context.Context, c *models.Company) (Outcomes, error) {
	if err := e.validate("create company", c); err != nil {
		return nil, err
	}
	if err := e.store.CreateCompany(ctx, c); err != nil {
		return nil, localError("create company", err)
	}
	return e.pushCompany(ctx, c, nil)
}

// UpdateCompany stores c and updates it on every enabled network.
func (e *Engine) UpdateCompany(ctx context.Context, c *models.Company) (Outcomes, error) {
	if err := e.validate("update company", c); err != nil {
		return nil, err
	}
	if err := e.store.UpdateCompany(ctx, c); err != nil {
		return nil, localError("update company", err)
	}
	return e.pushCompany(ctx, c, nil)
}

// DeleteCompany deletes the company locally, then on every network it was
// synced to.
func (e *Engine) DeleteCompany(ctx context.Context, id uuid.UUID) (Outcomes, error) {
	return e.deleteEntity(ctx, models.KindCompany, id, func() error {
		return e.store.DeleteCompany(ctx, id)
	})
}

func (e *Engine) pushCompany(ctx context.Context, c *models.Company, networks []*models.Network) (Outcomes, error) {
	if networks == nil {
		var err error
		if networks, err = e.enabledNetworks(ctx, nil); err != nil {
			return nil, localError("list networks", err)
		}
	}
	return e.push(ctx, models.KindCompany, c.ID, networks, func(ctx context.Context, h protocol.Handler, n *models.Network) (*plan, error) {
		return &plan{entity: c}, nil
	}), nil
}

// ========== Application ==========

// CreateApplication stores app. It reaches networks once linked to a
// network type.
func (e *Engine) CreateApplication(ctx context.Context, app *models.Application) (Outcomes, error) {
	if err := e.validate("create application", app); err != nil {
		return nil, err
	}
	if err := e.store.CreateApplication(ctx, app); err != nil {
		return nil, localError("create application", err)
	}
	return e.pushApplication(ctx, app, nil)
}

// UpdateApplication stores app and updates it on its linked networks.
func (e *Engine) UpdateApplication(ctx context.Context, app *models.Application) (Outcomes, error) {
	if err := e.validate("update application", app); err != nil {
		return nil, err
	}
	if err := e.store.UpdateApplication(ctx, app); err != nil {
		return nil, localError("update application", err)
	}
	return e.pushApplication(ctx, app, nil)
}

// DeleteApplication deletes the application and its links locally, then on
// every network it was synced to.
func (e *Engine) DeleteApplication(ctx context.Context, id uuid.UUID) (Outcomes, error) {
	return e.deleteEntity(ctx, models.KindApplication, id, func() error {
		if err := e.store.DeleteApplication(ctx, id); err != nil {
			return err
		}
		return e.deleteLinks(ctx, models.KindApplication, id)
	})
}

func (e *Engine) pushApplication(ctx context.Context, app *models.Application, networks []*models.Network) (Outcomes, error) {
	if networks == nil {
		var err error
		if networks, _, err = e.linkedNetworks(ctx, models.KindApplication, app.ID); err != nil {
			return nil, localError("list networks", err)
		}
	}
	return e.push(ctx, models.KindApplication, app.ID, networks, func(ctx context.Context, h protocol.Handler, n *models.Network) (*plan, error) {
		companyID, err := e.remoteRef(ctx, h, n, models.KindCompany, app.CompanyID)
		if err != nil {
			return nil, err
		}

		p := &plan{
			entity: app,
			refs: mapper.Refs{
				CompanyID:        companyID,
				ServiceProfileID: n.SecurityData.String("serviceProfileId"),
			},
		}
		if url := e.callbackURL(app.ID, n.ID); url != "" {
			p.after = func(ctx context.Context, h protocol.Handler, s *protocol.Session, remoteID string) error {
				err := h.SetApplicationIntegration(ctx, s, remoteID, url)
				if protocol.IsNotSupported(err) {
					return nil
				}
				return err
			}
		}
		return p, nil
	}), nil
}

// ========== Device Profile ==========

// CreateDeviceProfile stores p and creates it on the networks of its type.
func (e *Engine) CreateDeviceProfile(ctx context.Context, p *models.DeviceProfile) (Outcomes, error) {
	if err := e.validate("create device profile", p); err != nil {
		return nil, err
	}
	if err := e.store.CreateDeviceProfile(ctx, p); err != nil {
		return nil, localError("create device profile", err)
	}
	return e.pushDeviceProfile(ctx, p, nil)
}

// UpdateDeviceProfile stores p and updates it on the networks of its type.
func (e *Engine) UpdateDeviceProfile(ctx context.Context, p *models.DeviceProfile) (Outcomes, error) {
	if err := e.validate("update device profile", p); err != nil {
		return nil, err
	}
	if err := e.store.UpdateDeviceProfile(ctx, p); err != nil {
		return nil, localError("update device profile", err)
	}
	return e.pushDeviceProfile(ctx, p, nil)
}

// DeleteDeviceProfile deletes the profile locally, then remotely.
func (e *Engine) DeleteDeviceProfile(ctx context.Context, id uuid.UUID) (Outcomes, error) {
	return e.deleteEntity(ctx, models.KindDeviceProfile, id, func() error {
		return e.store.DeleteDeviceProfile(ctx, id)
	})
}

func (e *Engine) pushDeviceProfile(ctx context.Context, dp *models.DeviceProfile, networks []*models.Network) (Outcomes, error) {
	if networks == nil {
		var err error
		if networks, err = e.enabledNetworks(ctx, &dp.NetworkTypeID); err != nil {
			return nil, localError("list networks", err)
		}
	}
	return e.push(ctx, models.KindDeviceProfile, dp.ID, networks, func(ctx context.Context, h protocol.Handler, n *models.Network) (*plan, error) {
		companyID, err := e.remoteRef(ctx, h, n, models.KindCompany, dp.CompanyID)
		if err != nil {
			return nil, err
		}
		return &plan{
			entity: dp,
			refs: mapper.Refs{
				CompanyID:       companyID,
				NetworkServerID: e.networkServerID(n),
			},
		}, nil
	}), nil
}

// ========== Device ==========

// CreateDevice stores d. It reaches networks once linked to a network type
// with its devEUI.
func (e *Engine) CreateDevice(ctx context.Context, d *models.Device) (Outcomes, error) {
	if err := e.validate("create device", d); err != nil {
		return nil, err
	}
	if err := e.store.CreateDevice(ctx, d); err != nil {
		return nil, localError("create device", err)
	}
	return e.pushDevice(ctx, d, nil)
}

// UpdateDevice stores d and updates it on its linked networks.
func (e *Engine) UpdateDevice(ctx context.Context, d *models.Device) (Outcomes, error) {
	if err := e.validate("update device", d); err != nil {
		return nil, err
	}
	if err := e.store.UpdateDevice(ctx, d); err != nil {
		return nil, localError("update device", err)
	}
	return e.pushDevice(ctx, d, nil)
}

// DeleteDevice deletes the device and its links locally, then remotely.
func (e *Engine) DeleteDevice(ctx context.Context, id uuid.UUID) (Outcomes, error) {
	return e.deleteEntity(ctx, models.KindDevice, id, func() error {
		if err := e.store.DeleteDevice(ctx, id); err != nil {
			return err
		}
		return e.deleteLinks(ctx, models.KindDevice, id)
	})
}

func (e *Engine) pushDevice(ctx context.Context, d *models.Device, networks []*models.Network) (Outcomes, error) {
	linked, links, err := e.linkedNetworks(ctx, models.KindDevice, d.ID)
	if err != nil {
		return nil, localError("list networks", err)
	}
	if networks == nil {
		networks = linked
	}

	return e.push(ctx, models.KindDevice, d.ID, networks, func(ctx context.Context, h protocol.Handler, n *models.Network) (*plan, error) {
		link := links[n.NetworkTypeID]
		if link == nil || link.DevEUI() == "" {
			return nil, protocol.NewValidationError("sync device", fmt.Sprintf("device %s has no devEUI on network type %s", d.ID, n.NetworkTypeID))
		}

		applicationID, err := e.remoteRef(ctx, h, n, models.KindApplication, d.ApplicationID)
		if err != nil {
			return nil, err
		}
		profileID, err := e.remoteRef(ctx, h, n, models.KindDeviceProfile, d.DeviceProfileID)
		if err != nil {
			return nil, err
		}

		return &plan{
			entity: mapper.DeviceFromLink(d, link),
			refs: mapper.Refs{
				ApplicationID:   applicationID,
				DeviceProfileID: profileID,
			},
			after: func(ctx context.Context, h protocol.Handler, s *protocol.Session, remoteID string) error {
				return setDeviceCredentials(ctx, h, s, remoteID, link)
			},
		}, nil
	}), nil
}

// setDeviceCredentials pushes the OTAA keys and ABP session of link on
// vendors that keep them apart from the device record.
func setDeviceCredentials(ctx context.Context, h protocol.Handler, s *protocol.Session, remoteID string, link *models.NetworkTypeLink) error {
	schema := h.Schema()

	if keys := link.DeviceKeys(); keys != nil && mapper.Supports(schema, mapper.KindDeviceKeys) {
		payload, err := mapper.ToRemote(schema, keys, mapper.Refs{})
		if err != nil {
			return err
		}
		if err := h.SetDeviceKeys(ctx, s, remoteID, payload); err != nil && !protocol.IsNotSupported(err) {
			return fmt.Errorf("set device keys: %w", err)
		}
	}

	if act := link.DeviceActivation(); act != nil && mapper.Supports(schema, mapper.KindDeviceActivation) {
		payload, err := mapper.ToRemote(schema, act, mapper.Refs{})
		if err != nil {
			return err
		}
		if err := h.ActivateDevice(ctx, s, remoteID, payload); err != nil && !protocol.IsNotSupported(err) {
			return fmt.Errorf("activate device: %w", err)
		}
	}
	return nil
}

// ========== Shared ==========

// deleteEntity runs the local delete, then removes every remote copy. The
// mappings are read first so they survive the local delete.
func (e *Engine) deleteEntity(ctx context.Context, kind models.EntityKind, id uuid.UUID, deleteLocal func() error) (Outcomes, error) {
	op := fmt.Sprintf("delete %s", kind)

	mappings, err := e.store.ListRemoteMappings(ctx, kind, id)
	if err != nil {
		return nil, localError(op, err)
	}
	if err := deleteLocal(); err != nil {
		return nil, localError(op, err)
	}
	return e.removeAll(ctx, kind, id, mappings), nil
}

func (e *Engine) deleteLinks(ctx context.Context, kind models.EntityKind, id uuid.UUID) error {
	links, err := e.store.ListLinks(ctx, kind, id)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := e.store.DeleteLink(ctx, l.ID); err != nil {
			return err
		}
	}
	return nil
}
