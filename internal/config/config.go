package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Web         WebConfig         `yaml:"web"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	JWT         JWTConfig         `yaml:"jwt"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         LogConfig         `yaml:"log"`
	Sync        SyncConfig        `yaml:"sync"`
	Relay       RelayConfig       `yaml:"relay"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicURL is how vendor networks reach the uplink ingestion endpoint.
	// Empty disables integration registration.
	PublicURL string `yaml:"public_url"`
}

// WebConfig represents CORS settings of the web UI
type WebConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// MQTTConfig is the default broker of application MQTT integrations
type MQTTConfig struct {
	Broker string `yaml:"broker"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// AdminConfig is the single operator account of the admin API
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig holds vendor call and fan-out tunables
type SyncConfig struct {
	RetryAttempts          int           `yaml:"retry_attempts"`
	RetryInitialInterval   time.Duration `yaml:"retry_initial_interval"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	DefaultNetworkServerID string        `yaml:"default_network_server_id"`
	ImportConcurrency      int           `yaml:"import_concurrency"`
}

// RelayConfig holds long-poll and uplink delivery tunables
type RelayConfig struct {
	DefaultPollWait  time.Duration `yaml:"default_poll_wait"`
	MaxPollWait      time.Duration `yaml:"max_poll_wait"`
	DeliveryAttempts int           `yaml:"delivery_attempts"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout"`
}

// CredentialsConfig configures encryption of network security data
type CredentialsConfig struct {
	// EncryptionKey is hex of 16, 24 or 32 bytes. Empty stores security data
	// in plain JSON.
	EncryptionKey string `yaml:"encryption_key"`
}

// Key decodes the encryption key, or returns nil when none is set.
func (c CredentialsConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credentials encryption key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("credentials encryption key: %d bytes, need 16, 24 or 32", len(key))
}

// Load loads configuration from file. An empty filename yields the
// defaults plus environment overrides.
func Load(filename string) (*Config, error) {
	var cfg Config

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if key := os.Getenv("CREDENTIALS_KEY"); key != "" {
		c.Credentials.EncryptionKey = key
	}

	if url := os.Getenv("PUBLIC_URL"); url != "" {
		c.API.PublicURL = url
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "lpwan-bridge"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if len(c.Web.AllowedOrigins) == 0 {
		c.Web.AllowedOrigins = []string{"*"}
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.NATS.ClientID == "" {
		c.NATS.ClientID = c.Server.Name
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "bridge"
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Sync.RetryAttempts == 0 {
		c.Sync.RetryAttempts = 3
	}
	if c.Sync.RetryInitialInterval == 0 {
		c.Sync.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 30 * time.Second
	}
	if c.Sync.ImportConcurrency == 0 {
		c.Sync.ImportConcurrency = 4
	}

	if c.Relay.DefaultPollWait == 0 {
		c.Relay.DefaultPollWait = 30 * time.Second
	}
	if c.Relay.MaxPollWait == 0 {
		c.Relay.MaxPollWait = 120 * time.Second
	}
	if c.Relay.DeliveryAttempts == 0 {
		c.Relay.DeliveryAttempts = 3
	}
	if c.Relay.DeliveryTimeout == 0 {
		c.Relay.DeliveryTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q: want console or json", c.Log.Format)
	}
	if c.Relay.MaxPollWait < c.Relay.DefaultPollWait {
		return fmt.Errorf("relay.max_poll_wait %s is below relay.default_poll_wait %s",
			c.Relay.MaxPollWait, c.Relay.DefaultPollWait)
	}
	if c.Sync.RetryAttempts < 1 {
		return fmt.Errorf("sync.retry_attempts must be at least 1")
	}
	if _, err := c.Credentials.Key(); err != nil {
		return err
	}
	return nil
}

// PrintConfigSummary prints the effective configuration without secrets
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== %s Configuration ===\n", c.Server.Name)
	fmt.Printf("API: %s:%d (public URL: %s)\n", c.API.Host, c.API.Port, orNone(c.API.PublicURL))
	fmt.Printf("Database: %s\n", redactDSN(c.Database.DSN))
	fmt.Printf("NATS: %s (prefix %s)\n", orNone(c.NATS.URL), c.NATS.SubjectPrefix)
	fmt.Printf("MQTT broker: %s\n", orNone(c.MQTT.Broker))
	fmt.Printf("Log: %s/%s\n", c.Log.Level, c.Log.Format)
	fmt.Printf("Sync: %d attempts from %s, timeout %s, import concurrency %d\n",
		c.Sync.RetryAttempts, c.Sync.RetryInitialInterval, c.Sync.RequestTimeout, c.Sync.ImportConcurrency)
	fmt.Printf("Relay: poll wait %s (max %s), delivery %d attempts, timeout %s\n",
		c.Relay.DefaultPollWait, c.Relay.MaxPollWait, c.Relay.DeliveryAttempts, c.Relay.DeliveryTimeout)
	fmt.Printf("Credentials encrypted: %v\n", c.Credentials.EncryptionKey != "")
	fmt.Printf("==========================================\n")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// redactDSN hides the password of a postgres URL DSN
func redactDSN(dsn string) string {
	if dsn == "" {
		return "(memory)"
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "(key/value dsn)"
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":***@" + host
}
