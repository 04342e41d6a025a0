// Package integration delivers canonical uplinks to applications: an HTTP
// POST to the application's callback URL and, when configured, an MQTT
// publish.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
)

// Options configures delivery.
type Options struct {
	Attempts        int
	InitialInterval time.Duration
	Timeout         time.Duration

	// DefaultBroker is used by MQTT integrations without their own broker.
	DefaultBroker string
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	Attempts:        3,
	InitialInterval: 500 * time.Millisecond,
	Timeout:         10 * time.Second,
}

// MQTTConfig is the per-application MQTT integration, stored in
// Application.MQTTIntegration.
type MQTTConfig struct {
	Enabled      bool   `json:"enabled"`
	BrokerURL    string `json:"brokerUrl"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	TopicPattern string `json:"topicPattern"`
	QoS          byte   `json:"qos"`
	TLS          bool   `json:"tls"`
}

const defaultTopicPattern = "application/{app_id}/device/{dev_eui}/up"

// Forwarder delivers uplinks. Safe for concurrent use.
type Forwarder struct {
	httpClient *http.Client
	opts       Options

	mqttClients map[uuid.UUID]*mqttConn
	clientsMu   sync.Mutex
	connecting  singleflight.Group
	newClient   func(*mqtt.ClientOptions) mqtt.Client
}

// mqttConn is a cached client and the settings it was built from.
type mqttConn struct {
	client mqtt.Client
	key    string
}

// NewForwarder creates a forwarder.
func NewForwarder(opts Options) *Forwarder {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultOptions.Attempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultOptions.InitialInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	return &Forwarder{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		opts:        opts,
		mqttClients: make(map[uuid.UUID]*mqttConn),
		newClient:   mqtt.NewClient,
	}
}

// Forward delivers up to the application's callback URL and MQTT
// integration. Failures of either come back as a DeliveryError.
func (f *Forwarder) Forward(ctx context.Context, app *models.Application, up *models.Uplink) error {
	body, err := json.Marshal(up)
	if err != nil {
		return protocol.NewDeliveryError("forward uplink", fmt.Errorf("encode uplink: %w", err))
	}

	var errs []error
	if app.BaseURL != "" {
		if err := f.post(ctx, app.BaseURL, body); err != nil {
			errs = append(errs, fmt.Errorf("http %s: %w", app.BaseURL, err))
		}
	}

	if cfg := MQTTConfigOf(app); cfg != nil && cfg.Enabled {
		if err := f.publish(app.ID, cfg, Topic(cfg.TopicPattern, app.ID, up.DevEUI), body); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}

	if len(errs) > 0 {
		return protocol.NewDeliveryError("forward uplink", errors.Join(errs...))
	}
	return nil
}

// post retries network errors and 5xx/429 answers with exponential backoff.
// Other statuses fail at once.
func (f *Forwarder) post(ctx context.Context, endpoint string, body []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.opts.InitialInterval
	bo.RandomizationFactor = 0.2

	var b backoff.BackOff = backoff.WithMaxRetries(bo, uint64(f.opts.Attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := f.postOnce(ctx, endpoint, body)
		if err == nil {
			return nil
		}
		if !protocol.IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.Debug().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Msg("Retrying uplink delivery")
		return err
	}, b)
}

func (f *Forwarder) postOnce(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return protocol.NewTransientError("post uplink", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return protocol.FromStatus("post uplink", resp.StatusCode, string(data))
}

func (f *Forwarder) publish(appID uuid.UUID, cfg *MQTTConfig, topic string, body []byte) error {
	client, err := f.mqttClient(appID, cfg)
	if err != nil {
		return err
	}

	token := client.Publish(topic, cfg.QoS, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	log.Debug().
		Str("application_id", appID.String()).
		Str("topic", topic).
		Msg("Uplink published to MQTT")
	return nil
}

// mqttClient returns the client of an application, connecting on first
// use. A client that is reconnecting on its own is kept. One that gave up,
// or was built for other settings, is disconnected before its replacement
// connects so two clients never share a client id. Connects run outside
// clientsMu and at most once per application at a time.
func (f *Forwarder) mqttClient(appID uuid.UUID, cfg *MQTTConfig) (mqtt.Client, error) {
	broker := cfg.BrokerURL
	if broker == "" {
		broker = f.opts.DefaultBroker
	}
	if broker == "" {
		return nil, errors.New("no MQTT broker configured")
	}
	key := fmt.Sprintf("%s|%s|%s|%t", broker, cfg.Username, cfg.Password, cfg.TLS)

	if client := f.cachedClient(appID, key); client != nil {
		return client, nil
	}

	v, err, _ := f.connecting.Do(appID.String(), func() (interface{}, error) {
		if client := f.cachedClient(appID, key); client != nil {
			return client, nil
		}

		f.clientsMu.Lock()
		stale := f.mqttClients[appID]
		delete(f.mqttClients, appID)
		f.clientsMu.Unlock()
		if stale != nil {
			stale.client.Disconnect(250)
			log.Debug().
				Str("application_id", appID.String()).
				Msg("Stale MQTT client disconnected")
		}

		client, err := f.connect(appID, broker, cfg)
		if err != nil {
			return nil, err
		}
		f.clientsMu.Lock()
		f.mqttClients[appID] = &mqttConn{client: client, key: key}
		f.clientsMu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(mqtt.Client), nil
}

// cachedClient returns the usable cached client for key, or nil.
func (f *Forwarder) cachedClient(appID uuid.UUID, key string) mqtt.Client {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	c, ok := f.mqttClients[appID]
	if !ok || c.key != key || !c.client.IsConnected() {
		return nil
	}
	return c.client
}

func (f *Forwarder) connect(appID uuid.UUID, broker string, cfg *MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("lpwan-bridge-%s", appID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().
			Err(err).
			Str("application_id", appID.String()).
			Msg("MQTT connection lost")
	})

	client := f.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", broker, err)
	}

	log.Info().
		Str("application_id", appID.String()).
		Str("broker", broker).
		Msg("MQTT client connected")
	return client, nil
}

// Close disconnects every MQTT client.
func (f *Forwarder) Close() {
	f.clientsMu.Lock()
	conns := f.mqttClients
	f.mqttClients = make(map[uuid.UUID]*mqttConn)
	f.clientsMu.Unlock()

	for _, c := range conns {
		c.client.Disconnect(250)
	}
}

// MQTTConfigOf decodes the MQTT integration of app, or returns nil.
func MQTTConfigOf(app *models.Application) *MQTTConfig {
	if app.MQTTIntegration == nil {
		return nil
	}
	data, err := json.Marshal(*app.MQTTIntegration)
	if err != nil {
		return nil
	}
	var cfg MQTTConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// Topic expands {app_id} and {dev_eui} in pattern. An empty pattern uses
// application/{app_id}/device/{dev_eui}/up.
func Topic(pattern string, appID uuid.UUID, devEUI string) string {
	if pattern == "" {
		pattern = defaultTopicPattern
	}
	r := strings.NewReplacer("{app_id}", appID.String(), "{dev_eui}", devEUI)
	return r.Replace(pattern)
}
