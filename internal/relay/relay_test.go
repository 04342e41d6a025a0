package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/events"
	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/session"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
)

type fakeHandler struct {
	protocol.Handler

	mu     sync.Mutex
	pushed map[string]models.Variables
}

func (h *fakeHandler) Metadata() protocol.Metadata {
	return protocol.Metadata{
		ProtocolHandlerName: "Fake",
		Version:             protocol.Version{VersionText: "1", VersionValue: "1.0"},
	}
}

func (h *fakeHandler) Schema() mapper.Schema { return mapper.SchemaChirpStackV2 }

func (h *fakeHandler) Authenticate(context.Context, *models.Network) (*protocol.Token, error) {
	return &protocol.Token{AccessToken: "token"}, nil
}

func (h *fakeHandler) DecodeUplink(p models.Variables) (models.Variables, error) {
	return mapper.FromRemote(mapper.SchemaChirpStackV2, mapper.KindUplink, p)
}

func (h *fakeHandler) PushDownlink(ctx context.Context, s *protocol.Session, id string, p models.Variables) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushed[id] = p
	return nil
}

type fakeForwarder struct {
	mu   sync.Mutex
	got  []*models.Uplink
	fail error
}

func (f *fakeForwarder) Forward(ctx context.Context, app *models.Application, up *models.Uplink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, up)
	return f.fail
}

type fixture struct {
	ctx       context.Context
	store     *storage.MemoryStore
	relay     *Relay
	handler   *fakeHandler
	forwarder *fakeForwarder
	recorder  *events.Recorder
	network   *models.Network
	app       *models.Application
	device    *models.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	h := &fakeHandler{pushed: make(map[string]models.Variables)}
	registry, err := protocol.NewRegistry(h)
	require.NoError(t, err)

	nt := &models.NetworkType{Name: "LoRa"}
	require.NoError(t, store.CreateNetworkType(ctx, nt))
	n := &models.Network{Name: "cs", NetworkTypeID: nt.ID, ProtocolName: "Fake", ProtocolVersion: "1.0", BaseURL: "http://cs", Enabled: true}
	require.NoError(t, store.CreateNetwork(ctx, n))

	c := &models.Company{Name: "acme"}
	require.NoError(t, store.CreateCompany(ctx, c))
	app := &models.Application{Name: "meters", BaseURL: "http://app"}
	app.CompanyID = c.ID
	require.NoError(t, store.CreateApplication(ctx, app))
	d := &models.Device{ApplicationID: app.ID, Name: "meter-1"}
	require.NoError(t, store.CreateDevice(ctx, d))
	require.NoError(t, store.CreateLink(ctx, &models.NetworkTypeLink{
		Kind: models.KindDevice, EntityID: d.ID, NetworkTypeID: nt.ID,
		NetworkSettings: models.Variables{"devEUI": "0011223344556677"},
	}))

	fwd := &fakeForwarder{}
	rec := &events.Recorder{}
	r := New(store, registry, session.NewManager(registry, store), fwd, rec, Config{
		DefaultPollWait: time.Second,
		MaxPollWait:     2 * time.Second,
	})
	return &fixture{ctx: ctx, store: store, relay: r, handler: h, forwarder: fwd, recorder: rec, network: n, app: app, device: d}
}

func downlink(data string) *models.Downlink {
	return &models.Downlink{FPort: 10, Data: data}
}

func TestPollTiming(t *testing.T) {
	f := newFixture(t)

	t.Run("queued item returns immediately", func(t *testing.T) {
		_, err := f.relay.Enqueue(f.ctx, f.device.ID, downlink("AQ=="))
		require.NoError(t, err)

		start := time.Now()
		d, err := f.relay.Poll(f.ctx, f.device.ID, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, "AQ==", d.Data)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("empty after wait", func(t *testing.T) {
		wait := 80 * time.Millisecond
		start := time.Now()
		d, err := f.relay.Poll(f.ctx, f.device.ID, wait)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.GreaterOrEqual(t, time.Since(start), wait)
	})

	t.Run("enqueue during wait", func(t *testing.T) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			_, err := f.relay.Enqueue(f.ctx, f.device.ID, downlink("Ag=="))
			assert.NoError(t, err)
		}()

		start := time.Now()
		d, err := f.relay.Poll(f.ctx, f.device.ID, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, "Ag==", d.Data)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Zero(t, f.relay.Pending(f.device.ID))
	})

	t.Run("zero wait does not block", func(t *testing.T) {
		d, err := f.relay.Poll(f.ctx, f.device.ID, 0)
		require.NoError(t, err)
		assert.Nil(t, d)
	})
}

func TestPollCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)

	done := make(chan error, 1)
	go func() {
		_, err := f.relay.Poll(ctx, f.device.ID, 2*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.relay.queues.waiting(f.device.ID) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poll not released by cancellation")
	}
	assert.Zero(t, f.relay.queues.waiting(f.device.ID))

	// a later enqueue is kept for the next poll
	_, err := f.relay.Enqueue(f.ctx, f.device.ID, downlink("Aw=="))
	require.NoError(t, err)
	assert.Equal(t, 1, f.relay.Pending(f.device.ID))
}

func TestQueueHandOffIsNotLost(t *testing.T) {
	q := &queue{}
	_, ch := q.pop()
	require.NotNil(t, ch)

	q.push(&models.Downlink{Data: "x"})
	q.abandon(ch)

	d := q.tryPop()
	require.NotNil(t, d)
	assert.Equal(t, "x", d.Data)
}

func TestDrainedQueuesAreDropped(t *testing.T) {
	f := newFixture(t)
	qs := f.relay.queues

	assert.Zero(t, f.relay.Pending(uuid.New()))
	assert.Zero(t, qs.size())

	_, err := f.relay.Enqueue(f.ctx, f.device.ID, downlink("AQ=="))
	require.NoError(t, err)
	assert.Equal(t, 1, qs.size())

	d, err := f.relay.Poll(f.ctx, f.device.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Zero(t, qs.size())

	t.Run("timed out poll", func(t *testing.T) {
		d, err := qs.take(f.ctx, f.device.ID, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.Zero(t, qs.size())
	})

	t.Run("queue with a waiter is kept", func(t *testing.T) {
		got := make(chan *models.Downlink, 1)
		go func() {
			d, _ := qs.take(f.ctx, f.device.ID, time.Second)
			got <- d
		}()
		require.Eventually(t, func() bool {
			return qs.waiting(f.device.ID) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, qs.size())

		qs.push(f.device.ID, &models.Downlink{Data: "x"})
		select {
		case d := <-got:
			require.NotNil(t, d)
			assert.Equal(t, "x", d.Data)
		case <-time.After(time.Second):
			t.Fatal("waiter not served")
		}
		assert.Zero(t, qs.size())
	})
}

func TestFIFOAndAtMostOnce(t *testing.T) {
	f := newFixture(t)
	for _, data := range []string{"AQ==", "Ag==", "Aw=="} {
		_, err := f.relay.Enqueue(f.ctx, f.device.ID, downlink(data))
		require.NoError(t, err)
	}

	for _, want := range []string{"AQ==", "Ag==", "Aw=="} {
		d, err := f.relay.Poll(f.ctx, f.device.ID, 0)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, d.Data)
	}
	d, err := f.relay.Poll(f.ctx, f.device.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRequeueKeepsOrder(t *testing.T) {
	f := newFixture(t)
	for _, data := range []string{"AQ==", "Ag=="} {
		_, err := f.relay.Enqueue(f.ctx, f.device.ID, downlink(data))
		require.NoError(t, err)
	}

	d, err := f.relay.Poll(f.ctx, f.device.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	f.relay.Requeue(d)
	assert.Equal(t, 2, f.relay.Pending(f.device.ID))

	again, err := f.relay.Poll(f.ctx, f.device.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)

	f.relay.Requeue(nil)
	assert.Equal(t, 1, f.relay.Pending(f.device.ID))
}

func TestConcurrentPollersEachGetOne(t *testing.T) {
	f := newFixture(t)

	const pollers = 5
	results := make(chan *models.Downlink, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.relay.Poll(f.ctx, f.device.ID, time.Second)
			assert.NoError(t, err)
			results <- d
		}()
	}
	require.Eventually(t, func() bool {
		return f.relay.queues.waiting(f.device.ID) == pollers
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < pollers; i++ {
		_, err := f.relay.Enqueue(f.ctx, f.device.ID, downlink("AQ=="))
		require.NoError(t, err)
	}
	wg.Wait()
	close(results)

	seen := make(map[uuid.UUID]bool)
	for d := range results {
		require.NotNil(t, d)
		assert.False(t, seen[d.ID])
		seen[d.ID] = true
	}
	assert.Len(t, seen, pollers)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.relay.Enqueue(f.ctx, f.device.ID, &models.Downlink{FPort: 0, Data: "AQ=="})
	assert.ErrorIs(t, err, protocol.ErrValidation)

	_, err = f.relay.Enqueue(f.ctx, f.device.ID, &models.Downlink{FPort: 1})
	assert.ErrorIs(t, err, protocol.ErrValidation)

	_, err = f.relay.Enqueue(f.ctx, uuid.New(), downlink("AQ=="))
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	_, err = f.relay.Poll(f.ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestPollWaitBounds(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, time.Second, f.relay.PollWait(-1))
	assert.Equal(t, 2*time.Second, f.relay.PollWait(time.Minute))
	assert.Equal(t, 500*time.Millisecond, f.relay.PollWait(500*time.Millisecond))
}

func csUplink() models.Variables {
	return models.Variables{
		"deviceInfo": map[string]interface{}{
			"applicationId": "remote-app",
			"devEui":        "0011223344556677",
		},
		"fCnt":  float64(12),
		"fPort": float64(2),
		"data":  "AQI=",
	}
}

func TestIngest(t *testing.T) {
	f := newFixture(t)

	up, err := f.relay.Ingest(f.ctx, f.app.ID, f.network.ID, csUplink())
	require.NoError(t, err)

	assert.Equal(t, f.app.ID, up.ApplicationID)
	assert.Equal(t, "0011223344556677", up.DevEUI)
	assert.Equal(t, uint32(12), up.FCnt)
	assert.Equal(t, uint8(2), up.FPort)
	require.NotNil(t, up.DeviceID)
	assert.Equal(t, f.device.ID, *up.DeviceID)
	assert.Equal(t, "meter-1", up.DeviceName)

	require.Len(t, f.forwarder.got, 1)
	msgs := f.recorder.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, events.UplinkSubject(f.app.ID), msgs[0].Subject)

	typ := models.EventTypeUplink
	logs, _, err := f.store.ListEventLogs(f.ctx, storage.EventLogFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.EventLevelInfo, logs[0].Level)
}

func TestIngestFailures(t *testing.T) {
	f := newFixture(t)

	t.Run("delivery error", func(t *testing.T) {
		f.forwarder.fail = protocol.NewDeliveryError("forward uplink", errors.New("connection refused"))
		defer func() { f.forwarder.fail = nil }()

		_, err := f.relay.Ingest(f.ctx, f.app.ID, f.network.ID, csUplink())
		assert.ErrorIs(t, err, protocol.ErrDelivery)

		level := models.EventLevelError
		logs, _, err := f.store.ListEventLogs(f.ctx, storage.EventLogFilters{Level: &level}, 10, 0)
		require.NoError(t, err)
		assert.Len(t, logs, 1)
	})

	t.Run("unknown application", func(t *testing.T) {
		_, err := f.relay.Ingest(f.ctx, uuid.New(), f.network.ID, csUplink())
		assert.ErrorIs(t, err, protocol.ErrNotFound)
	})

	t.Run("unknown network", func(t *testing.T) {
		_, err := f.relay.Ingest(f.ctx, f.app.ID, uuid.New(), csUplink())
		assert.ErrorIs(t, err, protocol.ErrNotFound)
	})

	t.Run("fPort above 255", func(t *testing.T) {
		payload := csUplink()
		payload["fPort"] = float64(300)
		before := len(f.forwarder.got)

		_, err := f.relay.Ingest(f.ctx, f.app.ID, f.network.ID, payload)
		assert.ErrorIs(t, err, protocol.ErrValidation)
		assert.Len(t, f.forwarder.got, before)
	})
}

func TestPushToVendorQueues(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.relay.Push(f.ctx, f.device.ID, downlink("AQ=="))
	require.NoError(t, err)
	assert.Empty(t, outcomes, "device not synced anywhere")

	require.NoError(t, f.store.UpsertRemoteMapping(f.ctx, &models.RemoteMapping{
		Kind: models.KindDevice, EntityID: f.device.ID, NetworkID: f.network.ID,
		RemoteID: "0011223344556677", Status: models.SyncStatusSynced,
	}))

	confirmed := &models.Downlink{FPort: 3, Data: "Ag==", Confirmed: true}
	outcomes, err = f.relay.Push(f.ctx, f.device.ID, confirmed)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.SyncStatusSynced, outcomes[0].Status)

	item := f.handler.pushed["0011223344556677"].Map("queueItem")
	require.NotNil(t, item)
	assert.Equal(t, "Ag==", item.String("data"))
	assert.Equal(t, true, item["confirmed"])
	assert.Equal(t, 3, item["fPort"])
}
