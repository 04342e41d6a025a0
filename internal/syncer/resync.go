package syncer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
)

const pageSize = 100

// Resync pushes the current local state of one entity to all its networks.
// Networks where it never synced get a create.
func (e *Engine) Resync(ctx context.Context, kind models.EntityKind, id uuid.UUID) (Outcomes, error) {
	op := fmt.Sprintf("resync %s", kind)

	switch kind {
	case models.KindCompany:
		c, err := e.store.GetCompany(ctx, id)
		if err != nil {
			return nil, localError(op, err)
		}
		return e.pushCompany(ctx, c, nil)
	case models.KindApplication:
		app, err := e.store.GetApplication(ctx, id)
		if err != nil {
			return nil, localError(op, err)
		}
		return e.pushApplication(ctx, app, nil)
	case models.KindDeviceProfile:
		p, err := e.store.GetDeviceProfile(ctx, id)
		if err != nil {
			return nil, localError(op, err)
		}
		return e.pushDeviceProfile(ctx, p, nil)
	case models.KindDevice:
		d, err := e.store.GetDevice(ctx, id)
		if err != nil {
			return nil, localError(op, err)
		}
		return e.pushDevice(ctx, d, nil)
	}
	return nil, protocol.NewValidationError(op, "unknown entity kind")
}

// PushSummary counts the outcomes of a network push.
type PushSummary struct {
	NetworkID uuid.UUID      `json:"networkId"`
	Synced    int            `json:"synced"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Errors    []EntityError  `json:"errors,omitempty"`
	ByKind    map[string]int `json:"byKind"`
}

// EntityError names an entity that failed to sync.
type EntityError struct {
	Kind     models.EntityKind `json:"kind"`
	EntityID uuid.UUID         `json:"entityId"`
	Error    string            `json:"error"`
}

func (s *PushSummary) add(kind models.EntityKind, id uuid.UUID, outcomes Outcomes) {
	for _, o := range outcomes {
		switch o.Status {
		case models.SyncStatusSynced:
			s.Synced++
			s.ByKind[string(kind)]++
		case models.SyncStatusSkipped:
			s.Skipped++
		default:
			s.Failed++
			s.Errors = append(s.Errors, EntityError{Kind: kind, EntityID: id, Error: o.Error})
		}
	}
}

// PushNetwork pushes every entity that belongs on network n, prerequisites
// first. It is used after a network is added or re-enabled.
func (e *Engine) PushNetwork(ctx context.Context, networkID uuid.UUID) (*PushSummary, error) {
	const op = "push network"

	n, err := e.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, localError(op, err)
	}
	if !n.Enabled {
		return nil, protocol.NewValidationError(op, "network is disabled")
	}
	networks := []*models.Network{n}
	summary := &PushSummary{NetworkID: n.ID, ByKind: make(map[string]int)}

	err = e.eachCompany(ctx, func(c *models.Company) error {
		outcomes, err := e.pushCompany(ctx, c, networks)
		summary.add(models.KindCompany, c.ID, outcomes)
		return err
	})
	if err != nil {
		return summary, localError(op, err)
	}

	err = e.eachDeviceProfile(ctx, func(p *models.DeviceProfile) error {
		if p.NetworkTypeID != n.NetworkTypeID {
			return nil
		}
		outcomes, err := e.pushDeviceProfile(ctx, p, networks)
		summary.add(models.KindDeviceProfile, p.ID, outcomes)
		return err
	})
	if err != nil {
		return summary, localError(op, err)
	}

	err = e.eachApplication(ctx, func(app *models.Application) error {
		if linked, err := e.linkedTo(ctx, models.KindApplication, app.ID, n.NetworkTypeID); err != nil || !linked {
			return err
		}
		outcomes, err := e.pushApplication(ctx, app, networks)
		summary.add(models.KindApplication, app.ID, outcomes)
		if err != nil {
			return err
		}

		return e.eachDevice(ctx, app.ID, func(d *models.Device) error {
			if linked, err := e.linkedTo(ctx, models.KindDevice, d.ID, n.NetworkTypeID); err != nil || !linked {
				return err
			}
			outcomes, err := e.pushDevice(ctx, d, networks)
			summary.add(models.KindDevice, d.ID, outcomes)
			return err
		})
	})
	if err != nil {
		return summary, localError(op, err)
	}

	log.Info().
		Str("network_id", n.ID.String()).
		Int("synced", summary.Synced).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("Network push finished")
	return summary, nil
}

func (e *Engine) linkedTo(ctx context.Context, kind models.EntityKind, id, networkTypeID uuid.UUID) (bool, error) {
	links, err := e.store.ListLinks(ctx, kind, id)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		if l.NetworkTypeID == networkTypeID {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) eachCompany(ctx context.Context, fn func(*models.Company) error) error {
	for offset := 0; ; offset += pageSize {
		items, total, err := e.store.ListCompanies(ctx, pageSize, offset)
		if err != nil {
			return err
		}
		for _, c := range items {
			if err := fn(c); err != nil {
				return err
			}
		}
		if int64(offset+pageSize) >= total {
			return nil
		}
	}
}

func (e *Engine) eachDeviceProfile(ctx context.Context, fn func(*models.DeviceProfile) error) error {
	for offset := 0; ; offset += pageSize {
		items, total, err := e.store.ListDeviceProfiles(ctx, nil, pageSize, offset)
		if err != nil {
			return err
		}
		for _, p := range items {
			if err := fn(p); err != nil {
				return err
			}
		}
		if int64(offset+pageSize) >= total {
			return nil
		}
	}
}

func (e *Engine) eachApplication(ctx context.Context, fn func(*models.Application) error) error {
	for offset := 0; ; offset += pageSize {
		items, total, err := e.store.ListApplications(ctx, nil, pageSize, offset)
		if err != nil {
			return err
		}
		for _, app := range items {
			if err := fn(app); err != nil {
				return err
			}
		}
		if int64(offset+pageSize) >= total {
			return nil
		}
	}
}

func (e *Engine) eachDevice(ctx context.Context, applicationID uuid.UUID, fn func(*models.Device) error) error {
	filters := storage.DeviceFilters{ApplicationID: &applicationID}
	for offset := 0; ; offset += pageSize {
		items, total, err := e.store.ListDevices(ctx, filters, pageSize, offset)
		if err != nil {
			return err
		}
		for _, d := range items {
			if err := fn(d); err != nil {
				return err
			}
		}
		if int64(offset+pageSize) >= total {
			return nil
		}
	}
}

// ListRemote lists the vendor records of one kind on a network, mapped to
// canonical fields.
func (e *Engine) ListRemote(ctx context.Context, networkID uuid.UUID, kind models.EntityKind, opts protocol.ListOptions) ([]models.Variables, error) {
	op := fmt.Sprintf("list remote %s", kind)

	v, ok := verbsByKind[kind]
	if !ok {
		return nil, protocol.NewValidationError(op, "unknown entity kind")
	}
	n, err := e.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, localError(op, err)
	}
	if opts.Limit <= 0 {
		opts.Limit = pageSize
	}

	var out []models.Variables
	err = e.sessions.Do(ctx, n, func(ctx context.Context, h protocol.Handler, s *protocol.Session) error {
		records, err := v.list(h, ctx, s, opts)
		if err != nil {
			return err
		}
		out = make([]models.Variables, 0, len(records))
		for _, r := range records {
			canon, err := mapper.FromRemote(h.Schema(), mapper.Kind(kind), r)
			if err != nil {
				return err
			}
			out = append(out, canon)
		}
		return nil
	})
	if protocol.IsNotFound(err) {
		return []models.Variables{}, nil
	}
	return out, err
}
