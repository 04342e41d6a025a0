// Package session keeps one authenticated vendor session per network.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
)

// State of a network session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
	// StateRejected means the vendor refused the configured credentials.
	// The network needs reconfiguration; only an explicit login or a reset
	// leaves this state.
	StateRejected State = "rejected"
)

// securityData keys holding the cached token.
const (
	keyAccessToken = "accessToken"
	keyExpiresAt   = "accessTokenExpiresAt"
	keyTokenScope  = "accessTokenScope"
)

// defaultLoginTimeout bounds a login that no caller is waiting for anymore.
const defaultLoginTimeout = time.Minute

// expirySkew renews tokens slightly before the vendor rejects them.
const expirySkew = 30 * time.Second

// TokenStore persists refreshed tokens into a network's security data.
type TokenStore interface {
	UpdateNetworkSecurityData(ctx context.Context, networkID uuid.UUID, securityData models.Variables) error
}

// Status describes the session of one network.
type Status struct {
	NetworkID            uuid.UUID  `json:"networkId"`
	State                State      `json:"state"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
	NeedsReconfiguration bool       `json:"needsReconfiguration"`
	LastError            string     `json:"lastError,omitempty"`
}

type entry struct {
	state     State
	token     string
	expiresAt time.Time
	lastError string
}

// Manager authenticates networks and retries calls that hit an expired
// token. Safe for concurrent use.
type Manager struct {
	registry *protocol.Registry
	store    TokenStore

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	group   singleflight.Group

	now          func() time.Time
	loginTimeout time.Duration
}

// NewManager creates a manager. store may be nil, in which case tokens live
// only in memory.
func NewManager(registry *protocol.Registry, store TokenStore) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		entries:      make(map[uuid.UUID]*entry),
		now:          time.Now,
		loginTimeout: defaultLoginTimeout,
	}
}

// Authenticate logs in to the network. Required credential fields are
// checked before the vendor is contacted. Concurrent calls for the same
// network share one login, which outlives any single caller's ctx; each
// caller stops waiting when its own ctx ends.
func (m *Manager) Authenticate(ctx context.Context, n *models.Network) (*protocol.Session, error) {
	h, err := m.registry.HandlerFor(n)
	if err != nil {
		return nil, err
	}
	if err := h.Metadata().ValidateSecurityData(n.SecurityData); err != nil {
		return nil, err
	}

	ch := m.group.DoChan(n.ID.String(), func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loginTimeout)
		defer cancel()
		return m.login(lctx, h, n)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*protocol.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) login(ctx context.Context, h protocol.Handler, n *models.Network) (*protocol.Session, error) {
	m.setState(n.ID, StateAuthenticating)

	tok, err := h.Authenticate(ctx, n)
	if err != nil {
		if protocol.IsAuth(err) {
			m.reject(n.ID, err)
		} else {
			m.setState(n.ID, StateUnauthenticated)
		}
		log.Warn().
			Err(err).
			Str("network_id", n.ID.String()).
			Str("protocol", h.Metadata().Key().String()).
			Msg("Network authentication failed")
		return nil, err
	}

	expiresAt := tok.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = jwtExpiry(tok.AccessToken)
	}

	m.mu.Lock()
	m.entries[n.ID] = &entry{state: StateAuthenticated, token: tok.AccessToken, expiresAt: expiresAt}
	m.mu.Unlock()

	log.Info().
		Str("network_id", n.ID.String()).
		Str("protocol", h.Metadata().Key().String()).
		Time("expires_at", expiresAt).
		Msg("Network authenticated")

	m.persist(ctx, n, tok.AccessToken, expiresAt)
	return &protocol.Session{Network: n, Token: tok.AccessToken}, nil
}

// Session returns a valid session, logging in when there is none or the
// cached one expired. A network whose credentials were rejected fails
// without contacting the vendor.
func (m *Manager) Session(ctx context.Context, n *models.Network) (*protocol.Session, error) {
	now := m.now()

	m.mu.Lock()
	e := m.entries[n.ID]
	if e == nil {
		e = m.restore(n)
	}
	if e != nil && e.state == StateRejected {
		msg := e.lastError
		m.mu.Unlock()
		return nil, protocol.NewAuthError("session", "credentials rejected, network needs reconfiguration: "+msg, nil)
	}
	if e != nil && e.state == StateAuthenticated {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt.Add(-expirySkew)) {
			token := e.token
			m.mu.Unlock()
			return &protocol.Session{Network: n, Token: token}, nil
		}
		e.state = StateExpired
	}
	m.mu.Unlock()

	return m.Authenticate(ctx, n)
}

// restore picks up a token persisted by a previous process. The token is
// only reused against the endpoint and protocol it was issued for. Caller
// holds mu.
func (m *Manager) restore(n *models.Network) *entry {
	token := n.SecurityData.String(keyAccessToken)
	if token == "" || n.SecurityData.String(keyTokenScope) != tokenScope(n) {
		return nil
	}
	e := &entry{state: StateAuthenticated, token: token}
	if s := n.SecurityData.String(keyExpiresAt); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			e.expiresAt = t
		}
	}
	m.entries[n.ID] = e
	return e
}

// Do runs fn with an authenticated session. When the vendor rejects the
// token, the session is renewed once and fn retried once; a second
// rejection is returned as an AuthError.
func (m *Manager) Do(ctx context.Context, n *models.Network, fn func(ctx context.Context, h protocol.Handler, s *protocol.Session) error) error {
	h, err := m.registry.HandlerFor(n)
	if err != nil {
		return err
	}

	s, err := m.Session(ctx, n)
	if err != nil {
		return err
	}

	err = fn(ctx, h, s)
	if !protocol.IsAuth(err) {
		return err
	}

	m.expire(n.ID, s.Token)
	s, err = m.Session(ctx, n)
	if err != nil {
		return err
	}

	err = fn(ctx, h, s)
	if protocol.IsAuth(err) {
		m.reject(n.ID, err)
		log.Warn().
			Err(err).
			Str("network_id", n.ID.String()).
			Msg("Network rejected a fresh token, marking it for reconfiguration")
		return protocol.NewAuthError("session", "rejected after re-authentication", err)
	}
	return err
}

// reject records that the vendor refused the credentials.
func (m *Manager) reject(networkID uuid.UUID, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[networkID] = &entry{state: StateRejected, lastError: cause.Error()}
}

// expire marks the session expired unless another caller already replaced
// the token.
func (m *Manager) expire(networkID uuid.UUID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.entries[networkID]; e != nil && e.token == token {
		e.state = StateExpired
	}
}

// Logout drops the session and the persisted token.
func (m *Manager) Logout(ctx context.Context, n *models.Network) error {
	m.Reset(n.ID)
	if m.store == nil {
		return nil
	}
	sd := n.SecurityData.Clone()
	if sd == nil {
		return nil
	}
	return m.store.UpdateNetworkSecurityData(ctx, n.ID, StripToken(sd))
}

// StripToken removes the cached vendor token from security data in place
// and returns it.
func StripToken(sd models.Variables) models.Variables {
	delete(sd, keyAccessToken)
	delete(sd, keyExpiresAt)
	delete(sd, keyTokenScope)
	return sd
}

// tokenScope identifies the endpoint a token was issued by.
func tokenScope(n *models.Network) string {
	return n.ProtocolName + "/" + n.ProtocolVersion + "@" + n.BaseURL
}

// Reset forgets the in-memory session, e.g. after credentials changed.
func (m *Manager) Reset(networkID uuid.UUID) {
	m.mu.Lock()
	delete(m.entries, networkID)
	m.mu.Unlock()
}

// Status reports the session state of a network.
func (m *Manager) Status(networkID uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{NetworkID: networkID, State: StateUnauthenticated}
	e := m.entries[networkID]
	if e == nil {
		return st
	}
	st.State = e.state
	st.NeedsReconfiguration = e.state == StateRejected
	st.LastError = e.lastError
	if !e.expiresAt.IsZero() {
		t := e.expiresAt
		st.ExpiresAt = &t
		if e.state == StateAuthenticated && !m.now().Before(t) {
			st.State = StateExpired
		}
	}
	return st
}

func (m *Manager) setState(networkID uuid.UUID, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[networkID]
	if e == nil {
		e = &entry{}
		m.entries[networkID] = e
	}
	e.state = state
	if state == StateUnauthenticated {
		e.token = ""
		e.expiresAt = time.Time{}
	}
}

func (m *Manager) persist(ctx context.Context, n *models.Network, token string, expiresAt time.Time) {
	if m.store == nil {
		return
	}
	sd := n.SecurityData.Clone()
	if sd == nil {
		sd = models.Variables{}
	}
	sd[keyAccessToken] = token
	sd[keyTokenScope] = tokenScope(n)
	if expiresAt.IsZero() {
		delete(sd, keyExpiresAt)
	} else {
		sd[keyExpiresAt] = expiresAt.UTC().Format(time.RFC3339)
	}
	if err := m.store.UpdateNetworkSecurityData(ctx, n.ID, sd); err != nil {
		log.Error().Err(err).Str("network_id", n.ID.String()).Msg("Failed to persist network token")
	}
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// was issued to us by the vendor. Non-JWT tokens have no expiry.
func jwtExpiry(raw string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
