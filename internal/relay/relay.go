// Package relay moves device traffic: uplinks posted by vendor networks are
// decoded and forwarded to the owning application, downlinks are queued per
// device for polling or pushed to the vendor queues.
package relay

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/lorawan-server/lpwan-bridge/internal/syncer"
)

// Forwarder delivers a canonical uplink to an application.
type Forwarder interface {
	Forward(ctx context.Context, app *models.Application, up *models.Uplink) error
}

// Config holds the long-poll bounds.
type Config struct {
	DefaultPollWait time.Duration
	MaxPollWait     time.Duration
}

// Relay is safe for concurrent use.
type Relay struct {
	store     storage.Store
	registry  *protocol.Registry
	sessions  *session.Manager
	forwarder Forwarder
	publisher events.Publisher
	cfg       Config

	queues *queues
	now    func() time.Time
}

// New creates a relay. A nil publisher discards events.
func New(store storage.Store, registry *protocol.Registry, sessions *session.Manager, forwarder Forwarder, publisher events.Publisher, cfg Config) *Relay {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.DefaultPollWait <= 0 {
		cfg.DefaultPollWait = 30 * time.Second
	}
	if cfg.MaxPollWait < cfg.DefaultPollWait {
		cfg.MaxPollWait = cfg.DefaultPollWait
	}
	return &Relay{
		store:     store,
		registry:  registry,
		sessions:  sessions,
		forwarder: forwarder,
		publisher: publisher,
		cfg:       cfg,
		queues:    newQueues(),
		now:       time.Now,
	}
}

// ========== Uplinks ==========

// Ingest decodes a vendor uplink posted for applicationID by networkID and
// forwards the canonical body to the application. A delivery failure is
// returned as a DeliveryError after the bounded retries.
func (r *Relay) Ingest(ctx context.Context, applicationID, networkID uuid.UUID, payload models.Variables) (*models.Uplink, error) {
	const op = "ingest uplink"

	app, err := r.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, storeError(op, err)
	}
	n, err := r.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, storeError(op, err)
	}
	h, err := r.registry.HandlerFor(n)
	if err != nil {
		return nil, err
	}

	canon, err := h.DecodeUplink(payload)
	if err != nil {
		return nil, err
	}
	fPort := canon.Uint32("fPort")
	if fPort > 255 {
		return nil, protocol.NewValidationError(op, fmt.Sprintf("fPort %d out of range 0..255", fPort))
	}

	up := &models.Uplink{
		ApplicationID: app.ID,
		NetworkID:     n.ID,
		DevEUI:        canon.String("devEUI"),
		DeviceName:    canon.String("deviceName"),
		FCnt:          canon.Uint32("fCnt"),
		FPort:         uint8(fPort),
		Data:          canon.String("data"),
		Object:        canon.Map("object"),
		RxInfo:        canon.Slice("rxInfo"),
		ReceivedAt:    r.now().UTC(),
	}
	r.resolveDevice(ctx, n, up)

	fwdErr := r.forwarder.Forward(ctx, app, up)

	level, desc := models.EventLevelInfo, fmt.Sprintf("uplink from %s on %s", up.DevEUI, n.Name)
	if fwdErr != nil {
		level, desc = models.EventLevelError, fmt.Sprintf("uplink from %s on %s not delivered", up.DevEUI, n.Name)
	}
	details := models.Variables{"devEUI": up.DevEUI, "fCnt": up.FCnt, "fPort": up.FPort}
	if fwdErr != nil {
		details["error"] = fwdErr.Error()
	}
	r.record(ctx, &models.EventLog{
		Type:        models.EventTypeUplink,
		Level:       level,
		Kind:        models.KindApplication,
		EntityID:    &up.ApplicationID,
		NetworkID:   &up.NetworkID,
		Description: desc,
		Details:     details,
	})
	if err := r.publisher.Publish(events.UplinkSubject(app.ID), up); err != nil {
		log.Warn().Err(err).Str("application_id", app.ID.String()).Msg("Failed to publish uplink")
	}

	if fwdErr != nil {
		log.Warn().
			Err(fwdErr).
			Str("application_id", app.ID.String()).
			Str("network_id", n.ID.String()).
			Str("dev_eui", up.DevEUI).
			Msg("Uplink delivery failed")
		return up, fwdErr
	}

	log.Debug().
		Str("application_id", app.ID.String()).
		Str("network_id", n.ID.String()).
		Str("dev_eui", up.DevEUI).
		Uint32("f_cnt", up.FCnt).
		Msg("Uplink forwarded")
	return up, nil
}

// resolveDevice fills the local device of up when its devEUI is known on the
// network's type.
func (r *Relay) resolveDevice(ctx context.Context, n *models.Network, up *models.Uplink) {
	if up.DevEUI == "" {
		return
	}
	link, err := r.store.GetDeviceLinkByDevEUI(ctx, n.NetworkTypeID, up.DevEUI)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("dev_eui", up.DevEUI).Msg("Failed to resolve uplink device")
		}
		return
	}
	d, err := r.store.GetDevice(ctx, link.EntityID)
	if err != nil {
		return
	}
	if d.ApplicationID != up.ApplicationID {
		log.Warn().
			Str("dev_eui", up.DevEUI).
			Str("application_id", up.ApplicationID.String()).
			Str("owner_id", d.ApplicationID.String()).
			Msg("Uplink device belongs to another application")
		return
	}
	up.DeviceID = &d.ID
	if up.DeviceName == "" {
		up.DeviceName = d.Name
	}
}

// ========== Downlinks ==========

// Enqueue appends d to the device's queue. The queue lives in memory; a
// restart drops pending downlinks.
func (r *Relay) Enqueue(ctx context.Context, deviceID uuid.UUID, d *models.Downlink) (*models.Downlink, error) {
	const op = "enqueue downlink"

	if _, err := r.store.GetDevice(ctx, deviceID); err != nil {
		return nil, storeError(op, err)
	}
	if err := checkDownlink(op, d); err != nil {
		return nil, err
	}

	d.ID = uuid.New()
	d.DeviceID = deviceID
	d.CreatedAt = r.now().UTC()
	r.queues.push(deviceID, d)

	r.record(ctx, &models.EventLog{
		Type:        models.EventTypeDownlinkQueued,
		Level:       models.EventLevelInfo,
		Kind:        models.KindDevice,
		EntityID:    &d.DeviceID,
		Description: "downlink queued",
		Details:     models.Variables{"downlinkId": d.ID.String(), "fPort": d.FPort},
	})
	log.Debug().
		Str("device_id", deviceID.String()).
		Str("downlink_id", d.ID.String()).
		Msg("Downlink queued")
	return d, nil
}

// Poll returns the oldest queued downlink of the device, waiting up to wait
// for one. A returned downlink is removed from the queue. Nil with a nil
// error means nothing arrived in time. A negative wait uses the default; the
// wait is capped at the configured maximum.
func (r *Relay) Poll(ctx context.Context, deviceID uuid.UUID, wait time.Duration) (*models.Downlink, error) {
	if _, err := r.store.GetDevice(ctx, deviceID); err != nil {
		return nil, storeError("poll downlink", err)
	}
	return r.queues.take(ctx, deviceID, r.PollWait(wait))
}

// Requeue puts a downlink that Poll returned back at the head of the
// device queue. Callers use it only when the downlink provably never left
// the process, e.g. the polling client was gone before the response was
// written.
func (r *Relay) Requeue(d *models.Downlink) {
	if d == nil {
		return
	}
	r.queues.unshift(d.DeviceID, d)
	log.Debug().
		Str("device_id", d.DeviceID.String()).
		Str("downlink_id", d.ID.String()).
		Msg("Downlink requeued")
}

// PollWait clamps a requested wait.
func (r *Relay) PollWait(wait time.Duration) time.Duration {
	switch {
	case wait < 0:
		return r.cfg.DefaultPollWait
	case wait > r.cfg.MaxPollWait:
		return r.cfg.MaxPollWait
	}
	return wait
}

// Pending returns the number of queued downlinks of a device.
func (r *Relay) Pending(deviceID uuid.UUID) int {
	return r.queues.len(deviceID)
}

// Push sends d to the vendor queue of the device on every linked network it
// is synced to.
func (r *Relay) Push(ctx context.Context, deviceID uuid.UUID, d *models.Downlink) (syncer.Outcomes, error) {
	const op = "push downlink"

	if _, err := r.store.GetDevice(ctx, deviceID); err != nil {
		return nil, storeError(op, err)
	}
	if err := checkDownlink(op, d); err != nil {
		return nil, err
	}
	d.DeviceID = deviceID

	mappings, err := r.store.ListRemoteMappings(ctx, models.KindDevice, deviceID)
	if err != nil {
		return nil, storeError(op, err)
	}

	outcomes := make(syncer.Outcomes, len(mappings))
	var g errgroup.Group
	for i, m := range mappings {
		i, m := i, m
		g.Go(func() error {
			outcomes[i] = r.pushOne(ctx, d, m)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (r *Relay) pushOne(ctx context.Context, d *models.Downlink, m *models.RemoteMapping) syncer.Outcome {
	out := syncer.Outcome{NetworkID: m.NetworkID, RemoteID: m.RemoteID}

	n, err := r.store.GetNetwork(ctx, m.NetworkID)
	if err != nil {
		return failed(out, err)
	}
	out.NetworkName = n.Name
	if !n.Enabled || !m.Synced() {
		out.Status = models.SyncStatusSkipped
		out.Reason = syncer.ReasonNeverSynced
		return out
	}

	h, err := r.registry.HandlerFor(n)
	if err != nil {
		return failed(out, err)
	}
	if !mapper.Supports(h.Schema(), mapper.KindDownlink) {
		out.Status = models.SyncStatusSkipped
		out.Reason = syncer.ReasonUnsupported
		return out
	}
	payload, err := mapper.ToRemote(h.Schema(), d, mapper.Refs{})
	if err != nil {
		return failed(out, err)
	}

	err = r.sessions.Do(ctx, n, func(ctx context.Context, h protocol.Handler, s *protocol.Session) error {
		return h.PushDownlink(ctx, s, m.RemoteID, payload)
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("device_id", d.DeviceID.String()).
			Str("network_id", n.ID.String()).
			Msg("Downlink push failed")
		return failed(out, err)
	}

	out.Status = models.SyncStatusSynced
	r.record(ctx, &models.EventLog{
		Type:        models.EventTypeDownlinkQueued,
		Level:       models.EventLevelInfo,
		Kind:        models.KindDevice,
		EntityID:    &d.DeviceID,
		NetworkID:   &n.ID,
		Description: fmt.Sprintf("downlink pushed to %s", n.Name),
		Details:     models.Variables{"remoteId": m.RemoteID, "fPort": d.FPort},
	})
	return out
}

func failed(out syncer.Outcome, err error) syncer.Outcome {
	out.Status = models.SyncStatusError
	out.Err = protocol.NewDeliveryError("push downlink", err)
	out.Error = out.Err.Error()
	return out
}

// checkDownlink accepts application ports 1..223 and needs a payload.
func checkDownlink(op string, d *models.Downlink) error {
	if d == nil {
		return protocol.NewValidationError(op, "downlink is required")
	}
	if d.FPort == 0 || d.FPort > 223 {
		return protocol.NewValidationError(op, fmt.Sprintf("fPort %d out of range 1..223", d.FPort))
	}
	if d.Data == "" && len(d.JSONObject) == 0 {
		return protocol.NewValidationError(op, "data or jsonObject is required")
	}
	return nil
}

func (r *Relay) record(ctx context.Context, ev *models.EventLog) {
	if err := r.store.CreateEventLog(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to store event")
	}
}

func storeError(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.NewNotFoundError(op, err.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}
