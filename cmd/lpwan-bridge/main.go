package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/api"
	"github.com/lorawan-server/lpwan-bridge/internal/config"
	"github.com/lorawan-server/lpwan-bridge/internal/events"
	"github.com/lorawan-server/lpwan-bridge/internal/integration"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/builtin"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
	"github.com/lorawan-server/lpwan-bridge/internal/relay"
	"github.com/lorawan-server/lpwan-bridge/internal/server"
	"github.com/lorawan-server/lpwan-bridge/internal/session"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
	"github.com/lorawan-server/lpwan-bridge/internal/syncer"
	"github.com/lorawan-server/lpwan-bridge/pkg/crypto"
)

func main() {
	// Command line flags
	var configFile string
	var memory, showConfig, genKey bool
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.BoolVar(&memory, "memory", false, "Keep all state in memory instead of PostgreSQL")
	flag.BoolVar(&showConfig, "show-config", false, "Print the configuration and exit")
	flag.BoolVar(&genKey, "gen-key", false, "Print a new credentials encryption key and exit")
	flag.Parse()

	if genKey {
		key, err := crypto.NewKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", configFile).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	if showConfig {
		cfg.PrintConfigSummary()
		return
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, memory)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	// Optional NATS bus for events and inbound device traffic
	var nc *nats.Conn
	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			publisher = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
			log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Protocol handlers and sessions
	client := rest.NewClient(rest.Options{
		Timeout:         cfg.Sync.RequestTimeout,
		RetryAttempts:   cfg.Sync.RetryAttempts,
		InitialInterval: cfg.Sync.RetryInitialInterval,
	})
	registry, err := builtin.NewRegistry(client, protocol.LoggingInterceptor())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register protocol handlers")
	}
	for _, md := range registry.ListHandlers() {
		log.Debug().Str("protocol", md.Key().String()).Msg("Protocol handler registered")
	}
	sessions := session.NewManager(registry, store)

	engine := syncer.New(store, registry, sessions, publisher, syncer.Config{
		CallbackBaseURL:        cfg.API.PublicURL,
		DefaultNetworkServerID: cfg.Sync.DefaultNetworkServerID,
		ImportConcurrency:      cfg.Sync.ImportConcurrency,
	})

	forwarder := integration.NewForwarder(integration.Options{
		Attempts:        cfg.Relay.DeliveryAttempts,
		InitialInterval: cfg.Sync.RetryInitialInterval,
		Timeout:         cfg.Relay.DeliveryTimeout,
		DefaultBroker:   cfg.MQTT.Broker,
	})
	defer forwarder.Close()

	rl := relay.New(store, registry, sessions, forwarder, publisher, relay.Config{
		DefaultPollWait: cfg.Relay.DefaultPollWait,
		MaxPollWait:     cfg.Relay.MaxPollWait,
	})

	apiServer := api.NewRESTServer(cfg, api.Services{
		Store:    store,
		Registry: registry,
		Sessions: sessions,
		Engine:   engine,
		Relay:    rl,
	})

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Start NATS subscriber
	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, rl, cfg.NATS.SubjectPrefix)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	if cfg.API.PublicURL == "" {
		log.Warn().Msg("api.public_url not set, vendor uplink integrations will not be registered")
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Bridge stopped")
}

func setupLogging(cfg config.LogConfig) {
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg *config.Config, memory bool) (storage.Store, error) {
	if memory || cfg.Database.DSN == "" {
		log.Warn().Msg("Using in-memory store, state is lost on restart")
		return storage.NewMemoryStore(), nil
	}

	key, err := cfg.Credentials.Key()
	if err != nil {
		return nil, err
	}
	opts := []storage.Option{
		storage.WithPool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime),
	}
	if key != nil {
		opts = append(opts, storage.WithEncryptionKey(key))
	} else {
		log.Warn().Msg("credentials.encryption_key not set, network security data is stored in plain JSON")
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN, opts...)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Msg("Connected to database")
	return store, nil
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	return nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	)
}
