package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/auth"
	"github.com/lorawan-server/lpwan-bridge/internal/config"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/relay"
	"github.com/lorawan-server/lpwan-bridge/internal/session"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
	"github.com/lorawan-server/lpwan-bridge/internal/syncer"
	"github.com/lorawan-server/lpwan-bridge/internal/validation"
)

// Services are the components the API drives.
type Services struct {
	Store    storage.Store
	Registry *protocol.Registry
	Sessions *session.Manager
	Engine   *syncer.Engine
	Relay    *relay.Relay
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	registry  *protocol.Registry
	sessions  *session.Manager
	engine    *syncer.Engine
	relay     *relay.Relay
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, svc Services) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     svc.Store,
		registry:  svc.Registry,
		sessions:  svc.Sessions,
		engine:    svc.Engine,
		relay:     svc.Relay,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	// downlink long polls hold the response open up to the max poll wait
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Relay.MaxPollWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.config.Relay.MaxPollWait + 10*time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.Web.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Vendor uplink callbacks, registered on each network per application
	s.router.Post("/api/uplinks/{applicationId}/{networkId}", s.HandleIngestUplink)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type ctxKey int

const claimsKey ctxKey = iota

// ClaimsFromContext returns the admin claims of an authenticated request
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
