package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
	"github.com/lorawan-server/lpwan-bridge/pkg/lorawan"
)

// ========== Network Type Links ==========

// CreateLink activates an application or device on a network type and
// pushes the entity to the networks of that type.
func (e *Engine) CreateLink(ctx context.Context, l *models.NetworkTypeLink) (Outcomes, error) {
	if err := e.checkLink(ctx, "create link", l); err != nil {
		return nil, err
	}
	if err := e.store.CreateLink(ctx, l); err != nil {
		return nil, localError("create link", err)
	}
	return e.pushLinked(ctx, l)
}

// UpdateLink replaces the network settings of a link and pushes the entity
// again.
func (e *Engine) UpdateLink(ctx context.Context, l *models.NetworkTypeLink) (Outcomes, error) {
	existing, err := e.store.GetLink(ctx, l.ID)
	if err != nil {
		return nil, localError("update link", err)
	}
	l.Kind = existing.Kind
	l.EntityID = existing.EntityID
	l.NetworkTypeID = existing.NetworkTypeID

	if err := e.checkLink(ctx, "update link", l); err != nil {
		return nil, err
	}
	if err := e.store.UpdateLink(ctx, l); err != nil {
		return nil, localError("update link", err)
	}
	return e.pushLinked(ctx, l)
}

// DeleteLink deactivates the entity on a network type and removes it from
// the networks of that type.
func (e *Engine) DeleteLink(ctx context.Context, id uuid.UUID) (Outcomes, error) {
	l, err := e.store.GetLink(ctx, id)
	if err != nil {
		return nil, localError("delete link", err)
	}

	all, err := e.store.ListRemoteMappings(ctx, l.Kind, l.EntityID)
	if err != nil {
		return nil, localError("delete link", err)
	}
	var mappings []*models.RemoteMapping
	for _, m := range all {
		n, err := e.store.GetNetwork(ctx, m.NetworkID)
		if err == nil && n.NetworkTypeID == l.NetworkTypeID {
			mappings = append(mappings, m)
		}
	}

	if err := e.store.DeleteLink(ctx, id); err != nil {
		return nil, localError("delete link", err)
	}
	return e.removeAll(ctx, l.Kind, l.EntityID, mappings), nil
}

func (e *Engine) checkLink(ctx context.Context, op string, l *models.NetworkTypeLink) error {
	if _, err := e.store.GetNetworkType(ctx, l.NetworkTypeID); err != nil {
		return localError(op, err)
	}

	switch l.Kind {
	case models.KindApplication:
		if _, err := e.store.GetApplication(ctx, l.EntityID); err != nil {
			return localError(op, err)
		}
	case models.KindDevice:
		if _, err := e.store.GetDevice(ctx, l.EntityID); err != nil {
			return localError(op, err)
		}
		if _, err := lorawan.ParseEUI64(l.DevEUI()); err != nil {
			return protocol.NewValidationError(op, err.Error())
		}
	default:
		return protocol.NewValidationError(op, fmt.Sprintf("kind %q cannot be linked", l.Kind))
	}
	return nil
}

func (e *Engine) pushLinked(ctx context.Context, l *models.NetworkTypeLink) (Outcomes, error) {
	networks, err := e.enabledNetworks(ctx, &l.NetworkTypeID)
	if err != nil {
		return nil, localError("list networks", err)
	}
	if len(networks) == 0 {
		return Outcomes{}, nil
	}

	switch l.Kind {
	case models.KindApplication:
		app, err := e.store.GetApplication(ctx, l.EntityID)
		if err != nil {
			return nil, localError("load application", err)
		}
		return e.pushApplication(ctx, app, networks)
	default:
		d, err := e.store.GetDevice(ctx, l.EntityID)
		if err != nil {
			return nil, localError("load device", err)
		}
		return e.pushDevice(ctx, d, networks)
	}
}

// ========== Bulk Import ==========

// ImportItem is one device of a bulk import.
type ImportItem struct {
	DevEUI           string                   `json:"devEUI"`
	Name             string                   `json:"name"`
	Description      string                   `json:"description"`
	DeviceModel      string                   `json:"deviceModel"`
	DeviceProfileID  uuid.UUID                `json:"deviceProfileId"`
	DeviceKeys       *models.DeviceKeys       `json:"deviceKeys,omitempty"`
	DeviceActivation *models.DeviceActivation `json:"deviceActivation,omitempty"`
}

// ImportRequest creates devices of one application, linked to one network
// type.
type ImportRequest struct {
	ApplicationID uuid.UUID    `json:"applicationId"`
	NetworkTypeID uuid.UUID    `json:"networkTypeId"`
	Devices       []ImportItem `json:"devices"`
}

// Imported is one created device and its per-network outcomes.
type Imported struct {
	Device   *models.Device `json:"device"`
	DevEUI   string         `json:"devEUI"`
	Outcomes Outcomes       `json:"outcomes"`
}

// ImportDevices validates every item, stores all devices and links in one
// transaction, then pushes each device. A single invalid item rejects the
// whole batch.
func (e *Engine) ImportDevices(ctx context.Context, req ImportRequest) ([]Imported, error) {
	const op = "import devices"

	if len(req.Devices) == 0 {
		return nil, protocol.NewValidationError(op, "no devices")
	}
	if _, err := e.store.GetApplication(ctx, req.ApplicationID); err != nil {
		return nil, localError(op, err)
	}
	if _, err := e.store.GetNetworkType(ctx, req.NetworkTypeID); err != nil {
		return nil, localError(op, err)
	}

	var problems []string
	seen := make(map[string]int, len(req.Devices))
	for i, item := range req.Devices {
		if msg := e.checkImportItem(ctx, item); msg != "" {
			problems = append(problems, fmt.Sprintf("item %d: %s", i, msg))
			continue
		}
		eui := lorawan.NormalizeHex(item.DevEUI)
		if j, dup := seen[eui]; dup {
			problems = append(problems, fmt.Sprintf("item %d: devEUI %s repeats item %d", i, eui, j))
			continue
		}
		seen[eui] = i
	}
	if len(problems) > 0 {
		return nil, protocol.NewValidationError(op, strings.Join(problems, "; "))
	}

	devices := make([]*models.Device, len(req.Devices))
	links := make([]*models.NetworkTypeLink, len(req.Devices))
	for i, item := range req.Devices {
		d := &models.Device{
			ApplicationID:   req.ApplicationID,
			DeviceProfileID: item.DeviceProfileID,
			Name:            item.Name,
			Description:     item.Description,
			DeviceModel:     item.DeviceModel,
		}
		d.ID = uuid.New()
		devices[i] = d
		links[i] = newDeviceLink(d.ID, req.NetworkTypeID, item)
	}

	if err := e.store.CreateDevices(ctx, devices, links); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, protocol.NewValidationError(op, fmt.Sprintf("devEUI already registered: %v", err))
		}
		return nil, localError(op, err)
	}

	networks, err := e.enabledNetworks(ctx, &req.NetworkTypeID)
	if err != nil {
		return nil, localError("list networks", err)
	}

	out := make([]Imported, len(devices))
	var g errgroup.Group
	g.SetLimit(e.cfg.ImportConcurrency)
	for i, d := range devices {
		i, d := i, d
		out[i] = Imported{Device: d, DevEUI: links[i].DevEUI()}
		g.Go(func() error {
			outcomes, err := e.pushDevice(ctx, d, networks)
			if err != nil {
				return err
			}
			out[i].Outcomes = outcomes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (e *Engine) checkImportItem(ctx context.Context, item ImportItem) string {
	if strings.TrimSpace(item.DevEUI) == "" {
		return "devEUI is required"
	}
	if _, err := lorawan.ParseEUI64(item.DevEUI); err != nil {
		return err.Error()
	}
	if strings.TrimSpace(item.Name) == "" {
		return "name is required"
	}
	if k := item.DeviceKeys; k != nil {
		for _, key := range []string{k.AppKey, k.NwkKey} {
			if key == "" {
				continue
			}
			if _, err := lorawan.ParseAES128Key(key); err != nil {
				return err.Error()
			}
		}
	}
	if a := item.DeviceActivation; a != nil {
		if _, err := lorawan.ParseDevAddr(a.DevAddr); err != nil {
			return err.Error()
		}
		for _, key := range []string{a.AppSKey, a.NwkSEncKey, a.SNwkSIntKey, a.FNwkSIntKey} {
			if key == "" {
				continue
			}
			if _, err := lorawan.ParseAES128Key(key); err != nil {
				return err.Error()
			}
		}
	}
	if item.DeviceProfileID != uuid.Nil {
		if _, err := e.store.GetDeviceProfile(ctx, item.DeviceProfileID); err != nil {
			return fmt.Sprintf("device profile %s: %v", item.DeviceProfileID, err)
		}
	}
	return ""
}

func newDeviceLink(deviceID, networkTypeID uuid.UUID, item ImportItem) *models.NetworkTypeLink {
	settings := models.Variables{"devEUI": lorawan.NormalizeHex(item.DevEUI)}
	if k := item.DeviceKeys; k != nil {
		settings["deviceKeys"] = map[string]interface{}{
			"appKey": k.AppKey,
			"nwkKey": k.NwkKey,
		}
	}
	if a := item.DeviceActivation; a != nil {
		settings["deviceActivation"] = map[string]interface{}{
			"devAddr":     a.DevAddr,
			"appSKey":     a.AppSKey,
			"nwkSEncKey":  a.NwkSEncKey,
			"sNwkSIntKey": a.SNwkSIntKey,
			"fNwkSIntKey": a.FNwkSIntKey,
			"fCntUp":      float64(a.FCntUp),
			"nFCntDown":   float64(a.NFCntDown),
			"aFCntDown":   float64(a.AFCntDown),
		}
	}
	return &models.NetworkTypeLink{
		Kind:            models.KindDevice,
		EntityID:        deviceID,
		NetworkTypeID:   networkTypeID,
		NetworkSettings: settings,
	}
}
