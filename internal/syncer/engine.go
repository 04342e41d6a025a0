// Package syncer mirrors local entity mutations onto every vendor network
// the entity is active on. Local writes are authoritative: remote failures
// are reported per network and never roll back the local change.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lpwan-bridge/internal/events"
	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/session"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
	"github.com/lorawan-server/lpwan-bridge/internal/validation"
)

// Skip reasons recorded on outcomes and mappings.
const (
	ReasonMissingDependency = "missing-dependency"
	ReasonUnsupported       = "unsupported"
	ReasonNeverSynced       = "never-synced"
)

// Outcome is the result of one entity operation on one network.
type Outcome struct {
	NetworkID   uuid.UUID         `json:"networkId"`
	NetworkName string            `json:"networkName"`
	Status      models.SyncStatus `json:"status"`
	RemoteID    string            `json:"remoteId,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Error       string            `json:"error,omitempty"`

	Err error `json:"-"`
}

// Outcomes is the per-network result of a fan-out.
type Outcomes []Outcome

// Failed returns the outcomes with status error.
func (o Outcomes) Failed() Outcomes {
	var out Outcomes
	for _, oc := range o {
		if oc.Status == models.SyncStatusError {
			out = append(out, oc)
		}
	}
	return out
}

// Err joins the errors of failed outcomes, or returns nil.
func (o Outcomes) Err() error {
	var errs []error
	for _, oc := range o.Failed() {
		errs = append(errs, fmt.Errorf("network %s: %w", oc.NetworkName, oc.Err))
	}
	return errors.Join(errs...)
}

// Config holds engine tunables.
type Config struct {
	// CallbackBaseURL is the public URL of this service. When set, every
	// application pushed to a network gets its uplink integration pointed at
	// CallbackBaseURL/api/uplinks/{applicationId}/{networkId}.
	CallbackBaseURL string

	// DefaultNetworkServerID is used when a network's security data has no
	// networkServerId.
	DefaultNetworkServerID string

	// ImportConcurrency bounds the devices of one import pushed at a time.
	ImportConcurrency int
}

// Engine runs the per-network fan-out of entity mutations.
type Engine struct {
	store     storage.Store
	registry  *protocol.Registry
	sessions  *session.Manager
	publisher events.Publisher
	validator *validation.Validator
	cfg       Config

	flights *tracker
	now     func() time.Time
}

// New creates an engine. A nil publisher discards events.
func New(store storage.Store, registry *protocol.Registry, sessions *session.Manager, publisher events.Publisher, cfg Config) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.ImportConcurrency <= 0 {
		cfg.ImportConcurrency = 4
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	return &Engine{
		store:     store,
		registry:  registry,
		sessions:  sessions,
		publisher: publisher,
		validator: validation.NewValidator(),
		cfg:       cfg,
		flights:   newTracker(),
		now:       time.Now,
	}
}

// verbs are the handler methods of one entity kind.
type verbs struct {
	list   func(protocol.Handler, context.Context, *protocol.Session, protocol.ListOptions) ([]models.Variables, error)
	create func(protocol.Handler, context.Context, *protocol.Session, models.Variables) (string, error)
	update func(protocol.Handler, context.Context, *protocol.Session, string, models.Variables) error
	remove func(protocol.Handler, context.Context, *protocol.Session, string) error
}

var verbsByKind = map[models.EntityKind]verbs{
	models.KindCompany: {
		protocol.Handler.ListCompanies, protocol.Handler.CreateCompany,
		protocol.Handler.UpdateCompany, protocol.Handler.DeleteCompany,
	},
	models.KindApplication: {
		protocol.Handler.ListApplications, protocol.Handler.CreateApplication,
		protocol.Handler.UpdateApplication, protocol.Handler.DeleteApplication,
	},
	models.KindDeviceProfile: {
		protocol.Handler.ListDeviceProfiles, protocol.Handler.CreateDeviceProfile,
		protocol.Handler.UpdateDeviceProfile, protocol.Handler.DeleteDeviceProfile,
	},
	models.KindDevice: {
		protocol.Handler.ListDevices, protocol.Handler.CreateDevice,
		protocol.Handler.UpdateDevice, protocol.Handler.DeleteDevice,
	},
}

// plan is what gets sent to one network.
type plan struct {
	entity interface{}
	refs   mapper.Refs
	// after runs once the remote id is known (integration, keys, activation).
	after func(ctx context.Context, h protocol.Handler, s *protocol.Session, remoteID string) error
}

// planner builds the plan of an entity for one network. It may block on
// prerequisites and return a *skipError.
type planner func(ctx context.Context, h protocol.Handler, n *models.Network) (*plan, error)

type skipError struct {
	reason string
	detail string
}

func (e *skipError) Error() string {
	if e.detail == "" {
		return e.reason
	}
	return e.reason + ": " + e.detail
}

// push creates or updates the entity on each network concurrently. An
// entity that already has a remote id is updated; one whose remote copy is
// gone is created again.
func (e *Engine) push(ctx context.Context, kind models.EntityKind, id uuid.UUID, networks []*models.Network, build planner) Outcomes {
	return e.fanOut(ctx, "push", kind, id, networks, func(ctx context.Context, n *models.Network) Outcome {
		return e.pushOne(ctx, kind, id, n, build)
	})
}

func (e *Engine) fanOut(ctx context.Context, action string, kind models.EntityKind, id uuid.UUID, networks []*models.Network, fn func(ctx context.Context, n *models.Network) Outcome) Outcomes {
	outcomes := make(Outcomes, len(networks))
	finish := make([]func(), len(networks))

	// keys are taken in network id order so two fan-outs of the same entity
	// cannot each hold a key the other waits for
	order := make([]int, len(networks))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return networks[order[a]].ID.String() < networks[order[b]].ID.String()
	})
	for _, i := range order {
		end, err := e.flights.begin(ctx, flightKey{kind, id, networks[i].ID})
		if err != nil {
			for _, f := range finish {
				if f != nil {
					f()
				}
			}
			return abandoned(kind, id, networks, err)
		}
		finish[i] = end
	}

	var g errgroup.Group
	for i, n := range networks {
		i, n := i, n
		g.Go(func() error {
			defer finish[i]()
			outcomes[i] = fn(ctx, n)
			e.publish(ctx, action, kind, id, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// abandoned reports every network as failed without touching the stored
// mappings, for a fan-out that never started.
func abandoned(kind models.EntityKind, id uuid.UUID, networks []*models.Network, err error) Outcomes {
	outcomes := make(Outcomes, len(networks))
	for i, n := range networks {
		serr := protocol.NewSyncError(fmt.Sprintf("sync %s %s", kind, id), err)
		outcomes[i] = Outcome{
			NetworkID:   n.ID,
			NetworkName: n.Name,
			Status:      models.SyncStatusError,
			Error:       serr.Error(),
			Err:         serr,
		}
	}
	return outcomes
}

func (e *Engine) pushOne(ctx context.Context, kind models.EntityKind, id uuid.UUID, n *models.Network, build planner) Outcome {
	out := Outcome{NetworkID: n.ID, NetworkName: n.Name}

	prev, err := e.store.GetRemoteMapping(ctx, kind, id, n.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return e.settle(ctx, kind, id, out, nil, fmt.Errorf("load mapping: %w", err))
	}
	if prev.Synced() {
		out.RemoteID = prev.RemoteID
	}

	h, err := e.registry.HandlerFor(n)
	if err != nil {
		return e.settle(ctx, kind, id, out, prev, err)
	}
	if !mapper.Supports(h.Schema(), mapper.Kind(kind)) {
		return e.settle(ctx, kind, id, out, prev, &skipError{reason: ReasonUnsupported})
	}

	p, err := build(ctx, h, n)
	if err != nil {
		return e.settle(ctx, kind, id, out, prev, err)
	}
	payload, err := mapper.ToRemote(h.Schema(), p.entity, p.refs)
	if err != nil {
		return e.settle(ctx, kind, id, out, prev, err)
	}

	v := verbsByKind[kind]
	err = e.sessions.Do(ctx, n, func(ctx context.Context, h protocol.Handler, s *protocol.Session) error {
		if out.RemoteID != "" {
			err := v.update(h, ctx, s, out.RemoteID, payload)
			if !protocol.IsNotFound(err) {
				if err != nil {
					return err
				}
				return runAfter(ctx, p, h, s, out.RemoteID)
			}
			log.Info().
				Str("entity", string(kind)).
				Str("entity_id", id.String()).
				Str("network_id", n.ID.String()).
				Str("remote_id", out.RemoteID).
				Msg("Remote copy gone, creating it again")
			out.RemoteID = ""
		}

		remoteID, err := v.create(h, ctx, s, payload)
		if err != nil {
			return err
		}
		out.RemoteID = remoteID
		return runAfter(ctx, p, h, s, remoteID)
	})
	return e.settle(ctx, kind, id, out, prev, err)
}

func runAfter(ctx context.Context, p *plan, h protocol.Handler, s *protocol.Session, remoteID string) error {
	if p.after == nil {
		return nil
	}
	return p.after(ctx, h, s, remoteID)
}

// settle classifies err into the outcome and persists the mapping.
func (e *Engine) settle(ctx context.Context, kind models.EntityKind, id uuid.UUID, out Outcome, prev *models.RemoteMapping, err error) Outcome {
	now := e.now()
	m := &models.RemoteMapping{
		Kind:      kind,
		EntityID:  id,
		NetworkID: out.NetworkID,
		RemoteID:  out.RemoteID,
	}
	if prev != nil {
		m.LastSyncedAt = prev.LastSyncedAt
	}

	var skip *skipError
	switch {
	case err == nil:
		out.Status = models.SyncStatusSynced
		m.LastSyncedAt = &now
	case errors.As(err, &skip):
		out.Status = models.SyncStatusSkipped
		out.Reason = skip.reason
		m.LastError = skip.Error()
	case protocol.IsNotSupported(err):
		out.Status = models.SyncStatusSkipped
		out.Reason = ReasonUnsupported
		m.LastError = err.Error()
	default:
		out.Status = models.SyncStatusError
		out.Err = protocol.NewSyncError(fmt.Sprintf("sync %s %s", kind, id), err)
		out.Error = out.Err.Error()
		m.LastError = err.Error()
	}
	m.Status = out.Status

	if uerr := e.store.UpsertRemoteMapping(ctx, m); uerr != nil {
		log.Error().
			Err(uerr).
			Str("entity", string(kind)).
			Str("entity_id", id.String()).
			Str("network_id", out.NetworkID.String()).
			Msg("Failed to store remote mapping")
	}
	return out
}

// removeAll deletes the remote copies recorded in mappings. NotFound from
// the vendor counts as deleted.
func (e *Engine) removeAll(ctx context.Context, kind models.EntityKind, id uuid.UUID, mappings []*models.RemoteMapping) Outcomes {
	var networks []*models.Network
	byNetwork := make(map[uuid.UUID]*models.RemoteMapping, len(mappings))
	for _, m := range mappings {
		n, err := e.store.GetNetwork(ctx, m.NetworkID)
		if err != nil {
			// network removed together with its mappings
			continue
		}
		networks = append(networks, n)
		byNetwork[n.ID] = m
	}

	return e.fanOut(ctx, "delete", kind, id, networks, func(ctx context.Context, n *models.Network) Outcome {
		return e.removeOne(ctx, kind, id, n, byNetwork[n.ID])
	})
}

func (e *Engine) removeOne(ctx context.Context, kind models.EntityKind, id uuid.UUID, n *models.Network, m *models.RemoteMapping) Outcome {
	out := Outcome{NetworkID: n.ID, NetworkName: n.Name, RemoteID: m.RemoteID}

	var err error
	if m.Synced() {
		v := verbsByKind[kind]
		err = e.sessions.Do(ctx, n, func(ctx context.Context, h protocol.Handler, s *protocol.Session) error {
			err := v.remove(h, ctx, s, m.RemoteID)
			if protocol.IsNotFound(err) {
				return nil
			}
			return err
		})
	}

	if err != nil {
		out.Status = models.SyncStatusError
		out.Err = protocol.NewSyncError(fmt.Sprintf("delete %s %s", kind, id), err)
		out.Error = out.Err.Error()

		m.Status = models.SyncStatusError
		m.LastError = err.Error()
		if uerr := e.store.UpsertRemoteMapping(ctx, m); uerr != nil {
			log.Error().Err(uerr).Str("entity_id", id.String()).Msg("Failed to store remote mapping")
		}
		return out
	}

	out.Status = models.SyncStatusSynced
	if !m.Synced() {
		out.Status = models.SyncStatusSkipped
		out.Reason = ReasonNeverSynced
	}
	if derr := e.store.DeleteRemoteMapping(ctx, kind, id, n.ID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
		log.Error().Err(derr).Str("entity_id", id.String()).Msg("Failed to delete remote mapping")
	}
	return out
}

// remoteRef returns the remote id of a prerequisite on network n, waiting
// for a push of it in progress. A prerequisite the vendor has no concept of
// yields "".
func (e *Engine) remoteRef(ctx context.Context, h protocol.Handler, n *models.Network, kind models.EntityKind, id uuid.UUID) (string, error) {
	if id == uuid.Nil || !mapper.Supports(h.Schema(), mapper.Kind(kind)) {
		return "", nil
	}
	if err := e.flights.wait(ctx, flightKey{kind, id, n.ID}); err != nil {
		return "", err
	}

	m, err := e.store.GetRemoteMapping(ctx, kind, id, n.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if !m.Synced() {
		return "", &skipError{reason: ReasonMissingDependency, detail: fmt.Sprintf("%s %s not synced", kind, id)}
	}
	return m.RemoteID, nil
}

// networkServerID is the vendor network-server entry device profiles and
// service profiles hang off.
func (e *Engine) networkServerID(n *models.Network) string {
	if id := n.SecurityData.String("networkServerId"); id != "" {
		return id
	}
	return e.cfg.DefaultNetworkServerID
}

func (e *Engine) callbackURL(applicationID, networkID uuid.UUID) string {
	if e.cfg.CallbackBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/uplinks/%s/%s", e.cfg.CallbackBaseURL, applicationID, networkID)
}

// enabledNetworks lists the enabled networks, optionally of one type.
func (e *Engine) enabledNetworks(ctx context.Context, networkTypeID *uuid.UUID) ([]*models.Network, error) {
	return e.store.ListNetworks(ctx, storage.NetworkFilters{NetworkTypeID: networkTypeID, EnabledOnly: true})
}

// linkedNetworks lists the enabled networks of every type the entity is
// linked to, together with the link of each type.
func (e *Engine) linkedNetworks(ctx context.Context, kind models.EntityKind, id uuid.UUID) ([]*models.Network, map[uuid.UUID]*models.NetworkTypeLink, error) {
	links, err := e.store.ListLinks(ctx, kind, id)
	if err != nil {
		return nil, nil, err
	}

	byType := make(map[uuid.UUID]*models.NetworkTypeLink, len(links))
	var networks []*models.Network
	for _, l := range links {
		byType[l.NetworkTypeID] = l
		ns, err := e.enabledNetworks(ctx, &l.NetworkTypeID)
		if err != nil {
			return nil, nil, err
		}
		networks = append(networks, ns...)
	}
	return networks, byType, nil
}

func (e *Engine) publish(ctx context.Context, action string, kind models.EntityKind, id uuid.UUID, o Outcome) {
	level := models.EventLevelInfo
	switch o.Status {
	case models.SyncStatusSkipped:
		level = models.EventLevelWarning
	case models.SyncStatusError:
		level = models.EventLevelError
	}

	entityID, networkID := id, o.NetworkID
	ev := &models.EventLog{
		Type:        models.EventTypeSync,
		Level:       level,
		Kind:        kind,
		EntityID:    &entityID,
		NetworkID:   &networkID,
		Description: fmt.Sprintf("%s %s on %s: %s", action, kind, o.NetworkName, o.Status),
		Details: models.Variables{
			"action":   action,
			"status":   string(o.Status),
			"remoteId": o.RemoteID,
		},
	}
	if o.Reason != "" {
		ev.Details["reason"] = o.Reason
	}
	if o.Error != "" {
		ev.Details["error"] = o.Error
	}

	if err := e.store.CreateEventLog(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("Failed to store sync event")
	}
	if err := e.publisher.Publish(events.SyncSubject(kind, id), ev); err != nil {
		log.Warn().Err(err).Str("entity_id", id.String()).Msg("Failed to publish sync event")
	}

	logEvent := log.Debug()
	if o.Status == models.SyncStatusError {
		logEvent = log.Warn().Err(o.Err)
	}
	logEvent.
		Str("entity", string(kind)).
		Str("entity_id", id.String()).
		Str("network_id", o.NetworkID.String()).
		Str("remote_id", o.RemoteID).
		Str("status", string(o.Status)).
		Msg("Sync " + action)
}

// localError classifies a store error.
func localError(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return protocol.NewNotFoundError(op, err.Error())
	case errors.Is(err, storage.ErrDuplicateKey), errors.Is(err, storage.ErrReferenced):
		return protocol.NewConflictError(op, err.Error())
	case errors.Is(err, storage.ErrInvalidData):
		return protocol.NewValidationError(op, err.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (e *Engine) validate(op string, v interface{}) error {
	if err := e.validator.Validate(v); err != nil {
		return protocol.NewValidationError(op, err.Error())
	}
	return nil
}
