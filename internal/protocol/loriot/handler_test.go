package loriot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
)

type call struct {
	method string
	path   string
	query  string
	auth   string
	body   models.Variables
}

func newServer(t *testing.T, routes map[string]interface{}) (*httptest.Server, func() []call) {
	var (
		mu    sync.Mutex
		calls []call
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body models.Variables
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		calls = append(calls, call{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), body})
		mu.Unlock()

		resp, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if status, ok := resp.(int); ok {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []call {
		mu.Lock()
		defer mu.Unlock()
		return append([]call(nil), calls...)
	}
}

func session(baseURL string) *protocol.Session {
	return &protocol.Session{
		Network: &models.Network{BaseModel: models.BaseModel{ID: uuid.New()}, BaseURL: baseURL},
		Token:   "key-1",
	}
}

func client() *rest.Client {
	return rest.NewClient(rest.Options{Timeout: 2 * time.Second, RetryAttempts: 1, InitialInterval: time.Millisecond})
}

func TestAuthenticate(t *testing.T) {
	srv, calls := newServer(t, map[string]interface{}{
		"GET /1/nwk/apps": map[string]interface{}{"apps": []interface{}{}},
	})

	n := &models.Network{BaseURL: srv.URL, SecurityData: models.Variables{"apiKey": "key-1"}}
	tok, err := New(client()).Authenticate(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "key-1", tok.AccessToken)

	c := calls()
	require.Len(t, c, 1)
	assert.Equal(t, "Bearer key-1", c[0].auth)
	assert.Equal(t, "page=1&perPage=1", c[0].query)

	srv2, _ := newServer(t, map[string]interface{}{"GET /1/nwk/apps": http.StatusForbidden})
	_, err = New(client()).Authenticate(context.Background(), &models.Network{BaseURL: srv2.URL})
	assert.True(t, protocol.IsAuth(err))
}

func TestUnsupportedConcepts(t *testing.T) {
	h := New(client())
	s := session("http://unused")
	ctx := context.Background()

	_, err := h.CreateCompany(ctx, s, models.Variables{})
	assert.True(t, protocol.IsNotSupported(err))
	_, err = h.CreateDeviceProfile(ctx, s, models.Variables{})
	assert.True(t, protocol.IsNotSupported(err))
	assert.True(t, protocol.IsNotSupported(h.SetDeviceKeys(ctx, s, "A/B", nil)))
	assert.True(t, protocol.IsNotSupported(h.ActivateDevice(ctx, s, "A/B", nil)))
}

func TestApplicationsAndDevices(t *testing.T) {
	srv, calls := newServer(t, map[string]interface{}{
		"POST /1/nwk/apps":                           map[string]interface{}{"_id": float64(3195666432), "title": "app"},
		"POST /1/nwk/app/BE7A0000/devices/abp":       map[string]interface{}{"_id": "0011223344556677"},
		"POST /1/nwk/app/BE7A0000/devices/otaa":      map[string]interface{}{"_id": "8899AABBCCDDEEFF"},
		"DELETE /1/nwk/app/BE7A0000/device/00112233": http.StatusNoContent,
		"GET /1/nwk/app/BE7A0000/devices": map[string]interface{}{
			"devices": []interface{}{map[string]interface{}{"_id": "0011223344556677"}},
		},
	})
	h := New(client())
	s := session(srv.URL)
	ctx := context.Background()

	app, err := h.CreateApplication(ctx, s, models.Variables{"title": "app", "capacity": 10})
	require.NoError(t, err)
	assert.Equal(t, "BE7A0000", app)

	id, err := h.CreateDevice(ctx, s, models.Variables{"appid": app, "deveui": "0011223344556677", "devaddr": "26011BDA"})
	require.NoError(t, err)
	assert.Equal(t, "BE7A0000/0011223344556677", id)

	_, err = h.CreateDevice(ctx, s, models.Variables{"appid": app, "deveui": "8899aabbccddeeff", "appkey": "00"})
	require.NoError(t, err)

	c := calls()
	require.Len(t, c, 3)
	assert.Equal(t, "/1/nwk/app/BE7A0000/devices/abp", c[1].path)
	assert.Nil(t, c[1].body["appid"])
	assert.Equal(t, "/1/nwk/app/BE7A0000/devices/otaa", c[2].path)

	list, err := h.ListDevices(ctx, s, protocol.ListOptions{ApplicationID: app, Limit: 50, Offset: 50})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "page=2&perPage=50", calls()[3].query)

	_, err = h.ListDevices(ctx, s, protocol.ListOptions{})
	assert.True(t, protocol.IsValidation(err))

	assert.True(t, protocol.IsNotFound(h.DeleteDevice(ctx, s, "BE7A0000/FFFF")))
	assert.True(t, protocol.IsValidation(h.DeleteDevice(ctx, s, "no-slash")))
}

func TestSetApplicationIntegration(t *testing.T) {
	ctx := context.Background()

	t.Run("creates output", func(t *testing.T) {
		srv, calls := newServer(t, map[string]interface{}{
			"GET /1/nwk/app/BE7A0000/outputs":  map[string]interface{}{"outputs": []interface{}{}},
			"POST /1/nwk/app/BE7A0000/outputs": map[string]interface{}{},
		})
		require.NoError(t, New(client()).SetApplicationIntegration(ctx, session(srv.URL), "BE7A0000", "http://bridge/up"))

		c := calls()
		require.Len(t, c, 2)
		assert.Equal(t, "httppush", c[1].body["output"])
	})

	t.Run("keeps matching output", func(t *testing.T) {
		srv, calls := newServer(t, map[string]interface{}{
			"GET /1/nwk/app/BE7A0000/outputs": map[string]interface{}{"outputs": []interface{}{
				map[string]interface{}{"output": "httppush", "osetup": map[string]interface{}{"url": "http://bridge/up"}},
			}},
		})
		require.NoError(t, New(client()).SetApplicationIntegration(ctx, session(srv.URL), "BE7A0000", "http://bridge/up"))
		assert.Len(t, calls(), 1)
	})

	t.Run("rewrites stale output", func(t *testing.T) {
		srv, calls := newServer(t, map[string]interface{}{
			"GET /1/nwk/app/BE7A0000/outputs": map[string]interface{}{"outputs": []interface{}{
				map[string]interface{}{"output": "websocket"},
				map[string]interface{}{"output": "httppush", "osetup": map[string]interface{}{"url": "http://old/up"}},
			}},
			"PUT /1/nwk/app/BE7A0000/outputs": map[string]interface{}{},
		})
		require.NoError(t, New(client()).SetApplicationIntegration(ctx, session(srv.URL), "BE7A0000", "http://bridge/up"))

		c := calls()
		require.Len(t, c, 2)
		outputs := c[1].body.Slice("outputs")
		require.Len(t, outputs, 2)
		assert.Equal(t, "http://bridge/up", outputs[1].Map("osetup")["url"])
	})
}

func TestDecodeUplink(t *testing.T) {
	h := New(client())

	out, err := h.DecodeUplink(models.Variables{"cmd": "rx", "EUI": "0011223344556677", "fcnt": float64(1), "port": float64(2), "data": "0102"})
	require.NoError(t, err)
	assert.Equal(t, "AQI=", out["data"])
	assert.Equal(t, "0011223344556677", out["devEUI"])

	_, err = h.DecodeUplink(models.Variables{"cmd": "gw"})
	assert.True(t, protocol.IsNotSupported(err))
}
