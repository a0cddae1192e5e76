// Package main runs a local stub of the medpass REST service so the client
// can be exercised without the real backend. Accounts are canned; tokens
// are real JWTs so expiry and refresh behave like production.
package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"medpass/internal/api"
	"medpass/internal/platform/logger"
)

const (
	defaultAddr    = ":8089"
	accessTokenTTL = 15 * time.Minute
	signingKey     = "stub-signing-key-local-only"
)

type account struct {
	identity     api.Identity
	passwordHash []byte
	twoFactor    bool
}

type server struct {
	log *slog.Logger

	mu       sync.Mutex
	accounts map[string]*account // keyed by email
	refresh  map[string]string   // refresh token -> user id
}

func main() {
	log := logger.New(os.Getenv("STUB_LOG_LEVEL"))
	addr := os.Getenv("STUB_ADDR")
	if addr == "" {
		addr = defaultAddr
	}

	s := &server{
		log:      log,
		accounts: cannedAccounts(),
		refresh:  map[string]string{},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/v1/auth/login", s.handleLogin)
	r.Post("/v1/auth/refresh", s.handleRefresh)
	r.Post("/v1/auth/signup", s.handleSignup)
	r.Post("/v1/auth/logout", s.handleLogout)
	r.Get("/v1/users/me", s.handleMe)

	log.Info("stub server listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("stub server failed", "error", err)
		os.Exit(1)
	}
}

// cannedAccounts seeds the magic users local flows rely on: a plain
// individual, an org admin, a suspended account and a two-factor account.
// Every password is "demo-password".
func cannedAccounts() map[string]*account {
	hash, _ := bcrypt.GenerateFromPassword([]byte("demo-password"), bcrypt.DefaultCost)
	now := time.Now().UTC()
	mk := func(id, email, first, last, acctType, orgID, role string, suspended, twoFactor bool) *account {
		return &account{
			passwordHash: hash,
			twoFactor:    twoFactor,
			identity: api.Identity{
				ID: id, Email: email, FirstName: first, LastName: last,
				EmailVerified: true, TwoFactorEnabled: twoFactor,
				AccountType: acctType, OrganizationID: orgID, Role: role,
				Suspended: suspended, CreatedAt: now, UpdatedAt: now,
			},
		}
	}
	return map[string]*account{
		"amina@example.org":     mk("usr_amina", "amina@example.org", "Amina", "Diallo", "individual", "", "", false, false),
		"admin@clinic.example":  mk("usr_admin", "admin@clinic.example", "Tove", "Berg", "organization", "org_clinic", "admin", false, false),
		"frozen@example.org":    mk("usr_frozen", "frozen@example.org", "Sam", "Frost", "individual", "", "", true, false),
		"twofactor@example.org": mk("usr_2fa", "twofactor@example.org", "Jo", "Tan", "individual", "", "", false, true),
	}
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[strings.ToLower(req.Email)]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if acct.twoFactor {
		writeJSON(w, http.StatusOK, map[string]any{"requiresTwoFactor": true})
		return
	}

	access, err := s.mintAccessToken(acct.identity.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	refresh := s.mintRefreshToken(acct.identity.ID)

	s.log.Info("login", "user_id", acct.identity.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        access,
		"refreshToken": refresh,
		"user":         acct.identity,
	})
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.mu.Lock()
	userID, ok := s.refresh[req.RefreshToken]
	if ok {
		// Rotation: the presented token is consumed.
		delete(s.refresh, req.RefreshToken)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	access, err := s.mintAccessToken(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  access,
		"refreshToken": s.mintRefreshToken(userID),
	})
}

func (s *server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req api.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "validation failed",
			"errors": map[string][]string{
				"email": {"email and password are required"},
			},
		})
		return
	}

	email := strings.ToLower(req.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[email]; exists {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not store credentials")
		return
	}
	now := time.Now().UTC()
	id := "usr_" + uuid.NewString()[:8]
	s.accounts[email] = &account{
		passwordHash: hash,
		identity: api.Identity{
			ID: id, Email: email,
			FirstName: req.FirstName, LastName: req.LastName,
			PhoneNumber: req.PhoneNumber,
			AccountType: req.AccountType,
			CreatedAt:   now, UpdatedAt: now,
		},
	}

	// No tokens until the email is verified, matching the common path.
	writeJSON(w, http.StatusCreated, map[string]any{
		"userId":  id,
		"email":   email,
		"message": "verification email sent",
	})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "token invalid")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token invalid or expired")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.identity.ID == userID {
			writeJSON(w, http.StatusOK, map[string]any{"user": acct.identity})
			return
		}
	}
	writeError(w, http.StatusUnauthorized, "account no longer exists")
}

func (s *server) mintAccessToken(userID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "medpass-stub",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

func (s *server) mintRefreshToken(userID string) string {
	token := "ref_" + uuid.NewString()
	s.mu.Lock()
	s.refresh[token] = userID
	s.mu.Unlock()
	return token
}

func (s *server) authenticate(r *http.Request) (string, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", errors.New("missing bearer token")
	}
	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(signingKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	return parsed.Claims.GetSubject()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
