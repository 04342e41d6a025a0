package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
)

func newTestForwarder() *Forwarder {
	return NewForwarder(Options{Attempts: 3, InitialInterval: time.Millisecond, Timeout: time.Second})
}

func TestForwardHTTP(t *testing.T) {
	var calls int32
	var got models.Uplink
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	app := &models.Application{Name: "meters", BaseURL: srv.URL}
	app.ID = uuid.New()
	up := &models.Uplink{ApplicationID: app.ID, DevEUI: "0011223344556677", FCnt: 7, FPort: 2, Data: "AQI="}

	require.NoError(t, newTestForwarder().Forward(context.Background(), app, up))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, uint32(7), got.FCnt)
	assert.Equal(t, "0011223344556677", got.DevEUI)
}

func TestForwardFailures(t *testing.T) {
	t.Run("retries are bounded", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		app := &models.Application{BaseURL: srv.URL}
		err := newTestForwarder().Forward(context.Background(), app, &models.Uplink{})
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrDelivery)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		app := &models.Application{BaseURL: srv.URL}
		err := newTestForwarder().Forward(context.Background(), app, &models.Uplink{})
		assert.ErrorIs(t, err, protocol.ErrDelivery)
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("unreachable callback", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		app := &models.Application{BaseURL: url}
		err := newTestForwarder().Forward(context.Background(), app, &models.Uplink{})
		assert.ErrorIs(t, err, protocol.ErrDelivery)
	})

	t.Run("mqtt without broker", func(t *testing.T) {
		app := &models.Application{MQTTIntegration: &models.Variables{"enabled": true}}
		err := newTestForwarder().Forward(context.Background(), app, &models.Uplink{})
		assert.ErrorIs(t, err, protocol.ErrDelivery)
		assert.Contains(t, err.Error(), "no MQTT broker configured")
	})
}

func TestMQTTConfigAndTopic(t *testing.T) {
	appID := uuid.MustParse("6f1d3c1e-6a7b-4b7e-9f4e-1b2c3d4e5f60")

	assert.Nil(t, MQTTConfigOf(&models.Application{}))

	cfg := MQTTConfigOf(&models.Application{MQTTIntegration: &models.Variables{
		"enabled":      true,
		"brokerUrl":    "tcp://broker:1883",
		"topicPattern": "apps/{app_id}/{dev_eui}",
		"qos":          1,
	}})
	require.NotNil(t, cfg)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, byte(1), cfg.QoS)

	assert.Equal(t, "apps/6f1d3c1e-6a7b-4b7e-9f4e-1b2c3d4e5f60/0011223344556677",
		Topic(cfg.TopicPattern, appID, "0011223344556677"))
	assert.Equal(t, "application/6f1d3c1e-6a7b-4b7e-9f4e-1b2c3d4e5f60/device/aa/up",
		Topic("", appID, "aa"))
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeMQTT stands in for a paho client. Methods it does not override panic
// through the nil embedded Client.
type fakeMQTT struct {
	mqtt.Client

	clientID    string
	hold        chan struct{}
	connected   atomic.Bool
	disconnects int32
	published   []string
}

func (c *fakeMQTT) Connect() mqtt.Token {
	if c.hold != nil {
		<-c.hold
	}
	c.connected.Store(true)
	return doneToken{}
}

func (c *fakeMQTT) IsConnected() bool { return c.connected.Load() }

func (c *fakeMQTT) Disconnect(uint) {
	atomic.AddInt32(&c.disconnects, 1)
	c.connected.Store(false)
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, topic)
	return doneToken{}
}

type fakeBroker struct {
	mu      sync.Mutex
	clients []*fakeMQTT
	hold    map[string]chan struct{}
}

func (b *fakeBroker) newClient(o *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeMQTT{clientID: o.ClientID, hold: b.hold[o.ClientID]}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) made() []*fakeMQTT {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeMQTT(nil), b.clients...)
}

func TestMQTTClientLifecycle(t *testing.T) {
	broker := &fakeBroker{}
	f := newTestForwarder()
	f.newClient = broker.newClient
	appID := uuid.New()
	cfg := &MQTTConfig{Enabled: true, BrokerURL: "tcp://broker:1883", Username: "u", Password: "p1"}

	first, err := f.mqttClient(appID, cfg)
	require.NoError(t, err)
	again, err := f.mqttClient(appID, cfg)
	require.NoError(t, err)
	assert.Same(t, first, again)
	require.Len(t, broker.made(), 1)

	t.Run("client that gave up is disconnected before replacement", func(t *testing.T) {
		old := broker.made()[0]
		old.connected.Store(false)

		_, err := f.mqttClient(appID, cfg)
		require.NoError(t, err)
		require.Len(t, broker.made(), 2)
		assert.Equal(t, int32(1), atomic.LoadInt32(&old.disconnects))
	})

	t.Run("changed settings replace the client", func(t *testing.T) {
		old := broker.made()[1]
		changed := *cfg
		changed.Password = "p2"

		_, err := f.mqttClient(appID, &changed)
		require.NoError(t, err)
		require.Len(t, broker.made(), 3)
		assert.Equal(t, int32(1), atomic.LoadInt32(&old.disconnects))
	})

	t.Run("close disconnects the rest", func(t *testing.T) {
		f.Close()
		assert.Equal(t, int32(1), atomic.LoadInt32(&broker.made()[2].disconnects))
	})

	_, err = f.mqttClient(appID, &MQTTConfig{Enabled: true})
	assert.Error(t, err, "no broker")
}

func TestMQTTConnectDoesNotBlockOtherApplications(t *testing.T) {
	slow, fast := uuid.New(), uuid.New()
	release := make(chan struct{})
	broker := &fakeBroker{hold: map[string]chan struct{}{
		"lpwan-bridge-" + slow.String(): release,
	}}
	f := newTestForwarder()
	f.newClient = broker.newClient
	cfg := &MQTTConfig{Enabled: true, BrokerURL: "tcp://broker:1883"}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mqttClient(slow, cfg)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return len(broker.made()) == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.mqttClient(fast, cfg)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("connect of another application waited for the slow one")
	}

	close(release)
	wg.Wait()
	// three callers for the slow application shared one connect
	assert.Len(t, broker.made(), 2)
}

func TestForwardPublishesToMQTT(t *testing.T) {
	broker := &fakeBroker{}
	f := newTestForwarder()
	f.newClient = broker.newClient

	app := &models.Application{MQTTIntegration: &models.Variables{
		"enabled":   true,
		"brokerUrl": "tcp://broker:1883",
	}}
	app.ID = uuid.New()
	require.NoError(t, f.Forward(context.Background(), app, &models.Uplink{DevEUI: "0011223344556677"}))

	clients := broker.made()
	require.Len(t, clients, 1)
	assert.Equal(t, []string{"application/" + app.ID.String() + "/device/0011223344556677/up"}, clients[0].published)
}
