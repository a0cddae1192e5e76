// Package session owns the authenticated identity and the login, signup,
// logout and bootstrap state machine. Identity is replaced wholesale on
// every successful auth operation and mirrored into the credential store;
// the mirror is eventually consistent with memory and is only read back at
// bootstrap.
package session

//go:generate mockgen -source=manager.go -destination=mocks/auth_api_mock.go -package=mocks AuthAPI

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"medpass/internal/api"
	"medpass/internal/credstore"
	"medpass/internal/platform/circuit"
	"medpass/pkg/apierrors"
)

// AuthAPI is the slice of the API client the manager depends on.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*api.LoginResponse, error)
	Signup(ctx context.Context, req *api.SignupRequest) (*api.SignupResponse, error)
	Me(ctx context.Context) (*api.Identity, error)
	Logout(ctx context.Context) error
}

// TokenHolder is the slice of the token holder the manager depends on.
type TokenHolder interface {
	AccessToken() string
	SetTokens(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context)
	Bootstrap(ctx context.Context) (string, error)
}

// Manager is the session store. All operations may suspend on network or
// storage; between suspension points state transitions are atomic from the
// consumer's point of view.
type Manager struct {
	api      AuthAPI
	tokens   TokenHolder
	store    credstore.Store
	resolver CredentialResolver
	log      *slog.Logger
	breaker  *circuit.Breaker

	mu       sync.Mutex
	identity *api.Identity
	state    State
	// generation invalidates in-flight background validation: logout and
	// login bump it, and a validation result is discarded unless its
	// generation still matches at apply time.
	generation uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithResolver replaces the credential resolver (fixture flows).
func WithResolver(r CredentialResolver) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithValidationBreaker replaces the breaker guarding background
// validation calls.
func WithValidationBreaker(b *circuit.Breaker) ManagerOption {
	return func(m *Manager) {
		if b != nil {
			m.breaker = b
		}
	}
}

// NewManager creates a session manager.
func NewManager(authAPI AuthAPI, holder TokenHolder, store credstore.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		api:     authAPI,
		tokens:  holder,
		store:   store,
		log:     slog.Default(),
		breaker: circuit.New("session_validation"),
	}
	m.resolver = &apiResolver{api: authAPI}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns a consistent snapshot of the session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether a session is established.
func (m *Manager) IsAuthenticated() bool {
	return m.State().IsAuthenticated
}

// Identity returns a copy of the current identity, nil when anonymous.
func (m *Manager) Identity() *api.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	clone := *m.identity
	return &clone
}

// Login authenticates with the given credentials. A two-factor-required
// response is returned without establishing a session. On success both the
// token pair and identity are set; on any failure neither is.
func (m *Manager) Login(ctx context.Context, email, password string) (*api.LoginResponse, error) {
	m.setLoading(true)

	resp, err := m.resolver.Resolve(ctx, email, password)
	if err != nil {
		m.failOperation(err)
		return nil, err
	}

	if resp.RequiresTwoFactor {
		m.log.InfoContext(ctx, "second factor required", "email", email)
		m.setLoading(false)
		return resp, nil
	}

	access := resp.BearerToken()
	if access == "" || resp.User == nil {
		err := apierrors.New(apierrors.KindServerError, 0, "login response missing token or user")
		m.failOperation(err)
		return nil, err
	}

	if err := m.establishSession(ctx, access, resp.RefreshToken, resp.User); err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "login succeeded", "user_id", resp.User.ID, "suspended", resp.User.Suspended)
	return resp, nil
}

// Signup registers a new account. When the response carries no usable
// tokens (email verification pending) the session stays anonymous and the
// caller routes to the verification flow.
func (m *Manager) Signup(ctx context.Context, req *api.SignupRequest) (*api.SignupResponse, error) {
	m.setLoading(true)

	resp, err := m.api.Signup(ctx, req)
	if err != nil {
		m.failOperation(err)
		return nil, err
	}

	access := resp.BearerToken()
	if access == "" || resp.User == nil {
		m.log.InfoContext(ctx, "signup pending verification", "user_id", resp.UserID)
		m.setLoading(false)
		return resp, nil
	}

	if err := m.establishSession(ctx, access, resp.RefreshToken, resp.User); err != nil {
		return nil, err
	}
	return resp, nil
}

// Logout tears down the session. The remote call is fire-and-forget; local
// cleanup always proceeds. Safe to call repeatedly or when never logged in.
func (m *Manager) Logout(ctx context.Context) {
	if m.tokens.AccessToken() != "" {
		logoutCtx := context.WithoutCancel(ctx)
		go func() {
			if err := m.api.Logout(logoutCtx); err != nil {
				m.log.DebugContext(logoutCtx, "remote logout failed", "error", err)
			}
		}()
	}
	m.clearLocal(ctx)
}

// HandleAuthExpired is the pipeline's auth-expired hook: the server has
// already invalidated the session, so only local state is reset.
func (m *Manager) HandleAuthExpired(ctx context.Context) {
	m.clearLocal(ctx)
	m.mu.Lock()
	m.state.Error = apierrors.UserMessage(apierrors.New(apierrors.KindAuthExpired, http.StatusUnauthorized, ""))
	m.mu.Unlock()
}

// CheckAuth restores a persisted session at process start. With no
// persisted access token it resolves to anonymous without any network
// call. Otherwise the cached identity is applied optimistically and a
// background who-am-I call reconciles it; an indefinite network failure
// keeps the cached session, since the pipeline's own 401 handling is the
// backstop for a truly invalid token.
func (m *Manager) CheckAuth(ctx context.Context) error {
	access, err := m.tokens.Bootstrap(ctx)
	if err != nil {
		m.log.WarnContext(ctx, "token bootstrap failed", "error", err)
		return err
	}
	if access == "" {
		return nil
	}

	cached := m.loadCachedIdentity(ctx)

	m.mu.Lock()
	gen := m.generation
	if cached != nil {
		m.applyIdentityLocked(ctx, cached)
	}
	m.state.IsAuthenticated = true
	m.mu.Unlock()

	go m.validate(context.WithoutCancel(ctx), gen)
	return nil
}

// SetUser replaces the identity and re-derives all persisted session
// facts. A nil identity performs the local logout reset without the
// network call.
func (m *Manager) SetUser(ctx context.Context, identity *api.Identity) {
	if identity == nil {
		m.clearLocal(ctx)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyIdentityLocked(ctx, identity)
	m.state.IsAuthenticated = m.tokens.AccessToken() != ""
}

// establishSession persists tokens then identity; failure of either leaves
// the store anonymous rather than half-authenticated.
func (m *Manager) establishSession(ctx context.Context, access, refresh string, identity *api.Identity) error {
	// Drop any previous session's tokens first so a response without a
	// refresh token cannot inherit a stale one.
	m.tokens.Clear(ctx)
	if err := m.tokens.SetTokens(ctx, access, refresh); err != nil {
		m.tokens.Clear(ctx)
		m.failOperation(err)
		return err
	}

	m.mu.Lock()
	m.generation++
	m.applyIdentityLocked(ctx, identity)
	m.state.IsLoading = false
	m.state.Error = ""
	m.state.IsAuthenticated = true
	m.mu.Unlock()
	return nil
}

// validate reconciles the optimistic session with the server. Results are
// discarded when the generation moved on (user logged out or back in while
// the call was in flight).
func (m *Manager) validate(ctx context.Context, gen uint64) {
	if !m.breaker.Allow() {
		m.log.DebugContext(ctx, "skipping session validation, breaker open",
			"breaker", m.breaker.Name())
		return
	}

	identity, err := m.api.Me(ctx)
	if err != nil {
		if apierrors.HasKind(err, apierrors.KindAuthExpired) {
			// Definitive: the token (and its refresh) is gone.
			if m.currentGeneration() == gen {
				m.log.InfoContext(ctx, "cached session rejected by server, logging out")
				m.Logout(ctx)
			}
			return
		}
		// No definitive answer: keep the cached session.
		if opened := m.breaker.RecordFailure(); opened {
			m.log.WarnContext(ctx, "session validation breaker opened",
				"breaker", m.breaker.Name(), "error", err)
		} else {
			m.log.DebugContext(ctx, "session validation inconclusive", "error", err)
		}
		return
	}

	if identity == nil {
		// Contract violation from the API; inconclusive, keep the cache.
		m.log.WarnContext(ctx, "session validation returned no identity, keeping cached session")
		return
	}

	m.breaker.RecordSuccess()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		m.log.DebugContext(ctx, "discarding stale session validation result")
		return
	}
	m.applyIdentityLocked(ctx, identity)
	m.state.IsAuthenticated = m.tokens.AccessToken() != ""
}

// applyIdentityLocked is the single point deriving and persisting account
// facts from an identity. Callers hold m.mu.
func (m *Manager) applyIdentityLocked(ctx context.Context, identity *api.Identity) {
	clone := *identity
	m.identity = &clone

	accountType := clone.AccountType
	if accountType == "" {
		accountType = AccountTypeIndividual
	}
	m.state.AccountType = accountType
	m.state.OrganizationID = clone.OrganizationID
	m.state.IsOrgAdmin = clone.Role == "admin" && accountType != AccountTypeIndividual
	m.state.Suspended = clone.Suspended

	raw, err := json.Marshal(&clone)
	if err != nil {
		m.log.WarnContext(ctx, "could not serialize identity", "error", err)
		return
	}
	m.persist(ctx, credstore.KeyUser, string(raw))
	m.persist(ctx, credstore.KeyAccountType, accountType)
	m.persist(ctx, credstore.KeyOrganizationID, clone.OrganizationID)
}

func (m *Manager) persist(ctx context.Context, key, value string) {
	if err := m.store.Set(ctx, key, value); err != nil {
		m.log.WarnContext(ctx, "could not persist session fact", "key", key, "error", err)
	}
}

func (m *Manager) loadCachedIdentity(ctx context.Context) *api.Identity {
	raw, err := m.store.Get(ctx, credstore.KeyUser)
	if err != nil {
		return nil
	}
	var identity api.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		m.log.WarnContext(ctx, "discarding corrupt cached identity", "error", err)
		return nil
	}
	return &identity
}

// clearLocal resets memory and storage to the anonymous state.
func (m *Manager) clearLocal(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	m.identity = nil
	m.state = State{}
	m.mu.Unlock()

	m.tokens.Clear(ctx)
	for _, key := range credstore.SessionKeys {
		if err := m.store.Delete(ctx, key); err != nil {
			m.log.WarnContext(ctx, "could not clear session fact", "key", key, "error", err)
		}
	}
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *Manager) setLoading(loading bool) {
	m.mu.Lock()
	m.state.IsLoading = loading
	if loading {
		m.state.Error = ""
	}
	m.mu.Unlock()
}

func (m *Manager) failOperation(err error) {
	m.mu.Lock()
	m.state.IsLoading = false
	m.state.Error = apierrors.UserMessage(err)
	m.mu.Unlock()
}
