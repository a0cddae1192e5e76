package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medpass/internal/credstore"
	"medpass/internal/tokens"
	"medpass/pkg/apierrors"
)

func newTestClient(t *testing.T, serverURL string, opts ...Option) (*Client, *tokens.Holder) {
	t.Helper()
	holder := tokens.New(credstore.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(serverURL, holder, opts...), holder
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestClient_AttachesBearerToken(t *testing.T) {
	ctx := context.Background()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		writeJSON(t, w, http.StatusOK, meResponse{User: &Identity{ID: "u1"}})
	}))
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	require.NoError(t, holder.SetTokens(ctx, "tok_live", "ref_live"))

	user, err := client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "Bearer tok_live", gotAuth)
}

func TestClient_LoginCarriesNoBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var req LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "amina@example.org", req.Email)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"token":        "tok_new",
			"refreshToken": "ref_new",
			"user":         Identity{ID: "u1", Email: req.Email},
		})
	}))
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	// A stale token in the holder must not leak into the login request.
	require.NoError(t, holder.SetTokens(context.Background(), "tok_stale", ""))

	resp, err := client.Login(context.Background(), "amina@example.org", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "tok_new", resp.BearerToken())
	assert.Equal(t, "ref_new", resp.RefreshToken)
	assert.Equal(t, "u1", resp.User.ID)
}

func TestClient_BadCredentialsIsClientError(t *testing.T) {
	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == refreshPath {
			refreshCalls.Add(1)
		}
		writeJSON(t, w, http.StatusUnauthorized, errorBody{Error: "invalid credentials"})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Login(context.Background(), "amina@example.org", "wrong")

	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindClientError),
		"a 401 without a bearer token is a credentials failure, not an expired session")
	assert.Zero(t, refreshCalls.Load(), "login 401 must never trigger a refresh")
	assert.Equal(t, "The email or password you entered is incorrect.", apierrors.UserMessage(err))
}

// Scenario: a request 401s, refresh succeeds, and the original request is
// replayed exactly once with the new bearer; the replay's 200 is final.
func TestClient_RefreshAndReplay(t *testing.T) {
	ctx := context.Background()
	var meCalls, refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(mePath, func(w http.ResponseWriter, r *http.Request) {
		meCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok_fresh" {
			writeJSON(t, w, http.StatusUnauthorized, errorBody{Error: "token expired"})
			return
		}
		writeJSON(t, w, http.StatusOK, meResponse{User: &Identity{ID: "u1", AccountType: "individual"}})
	})
	mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		var req RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ref_old", req.RefreshToken)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"accessToken":  "tok_fresh",
			"refreshToken": "ref_rotated",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	require.NoError(t, holder.SetTokens(ctx, "tok_stale", "ref_old"))

	user, err := client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	assert.Equal(t, int32(2), meCalls.Load(), "original send plus one replay")
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, "tok_fresh", holder.AccessToken())

	rt, err := holder.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ref_rotated", rt, "rotated refresh token persisted")
}

// Scenario: refresh itself fails; the caller receives the refresh failure
// and the token holder is emptied.
func TestClient_RefreshFailureEndsSession(t *testing.T) {
	ctx := context.Background()
	var hookFired atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc(mePath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, errorBody{Error: "token expired"})
	})
	mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, errorBody{Error: "invalid refresh token"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	client.OnAuthExpired(func(context.Context) { hookFired.Store(true) })
	require.NoError(t, holder.SetTokens(ctx, "tok_stale", "ref_revoked"))

	_, err := client.Me(ctx)
	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindAuthExpired))
	assert.Empty(t, holder.AccessToken())
	assert.True(t, hookFired.Load())
}

func TestClient_MissingRefreshTokenEndsSession(t *testing.T) {
	ctx := context.Background()
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(mePath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, errorBody{Error: "token expired"})
	})
	mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	// Access token present, refresh token never persisted.
	require.NoError(t, holder.SetTokens(ctx, "tok_stale", ""))

	_, err := client.Me(ctx)
	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindAuthExpired))
	assert.Zero(t, refreshCalls.Load(), "no refresh endpoint call without a refresh token")
	assert.Empty(t, holder.AccessToken())
}

// With no refresh token to exchange, the original 401 is what the caller
// sees: its status and server message survive into the displayed copy.
func TestClient_MissingRefreshTokenPreservesServerMessage(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, errorBody{Error: "account suspended"})
	}))
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	require.NoError(t, holder.SetTokens(ctx, "tok_stale", ""))

	_, err := client.Me(ctx)
	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindAuthExpired))
	assert.Equal(t, http.StatusUnauthorized, apierrors.StatusOf(err))
	assert.Equal(t, "This account has been suspended. Contact support for assistance.",
		apierrors.UserMessage(err))
}

func TestClient_MeWithoutUserIsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	user, err := client.Me(context.Background())

	require.Error(t, err)
	assert.Nil(t, user)
	assert.True(t, apierrors.HasKind(err, apierrors.KindServerError))
}

// The replay returning 401 again must not start a second refresh cycle.
func TestClient_NoInfiniteRetryLoop(t *testing.T) {
	ctx := context.Background()
	var meCalls, refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(mePath, func(w http.ResponseWriter, r *http.Request) {
		meCalls.Add(1)
		// Account revoked server-side: every token is rejected.
		writeJSON(t, w, http.StatusUnauthorized, errorBody{Error: "account revoked"})
	})
	mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]any{"token": "tok_fresh"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	require.NoError(t, holder.SetTokens(ctx, "tok_stale", "ref_old"))

	_, err := client.Me(ctx)
	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindAuthExpired))
	assert.Equal(t, int32(2), meCalls.Load(), "at most one replay")
	assert.Equal(t, int32(1), refreshCalls.Load(), "at most one refresh")
}

// Concurrent 401s must share a single upstream refresh call.
func TestClient_SingleFlightRefresh(t *testing.T) {
	ctx := context.Background()
	const workers = 5

	var refreshCalls atomic.Int32
	var pending atomic.Int32
	allStale := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc(mePath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok_fresh" {
			// Hold every stale request until all workers have arrived so
			// their refresh attempts overlap.
			if pending.Add(1) == workers {
				close(allStale)
			}
			<-allStale
			writeJSON(t, w, http.StatusUnauthorized, errorBody{Error: "token expired"})
			return
		}
		writeJSON(t, w, http.StatusOK, meResponse{User: &Identity{ID: "u1"}})
	})
	mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(100 * time.Millisecond) // widen the coalescing window
		writeJSON(t, w, http.StatusOK, map[string]any{"token": "tok_fresh"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, holder := newTestClient(t, srv.URL)
	require.NoError(t, holder.SetTokens(ctx, "tok_stale", "ref_old"))

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Me(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, int32(1), refreshCalls.Load(), "refreshes must coalesce")
}

func TestClient_TimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, WithTimeout(30*time.Millisecond))
	_, err := client.Me(context.Background())

	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindTimeout))
	assert.Equal(t, "The request timed out. Check your connection and try again.",
		apierrors.UserMessage(err))
}

func TestClient_CancelledClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client, _ := newTestClient(t, srv.URL)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.Me(ctx)

	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindCancelled))
}

func TestClient_NetworkUnreachableClassification(t *testing.T) {
	// Reserve a port, then close the listener so nothing is there.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, _ := newTestClient(t, url)
	_, err := client.Me(context.Background())

	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindNetworkUnreachable))
}

func TestClient_ValidationErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnprocessableEntity, errorBody{
			Message: "validation failed",
			Errors:  map[string][]string{"email": {"is not a valid email address"}},
		})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Signup(context.Background(), &SignupRequest{Email: "nope"})

	require.Error(t, err)
	var apiErr *apierrors.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierrors.KindValidationFailed, apiErr.Kind)
	assert.Contains(t, apiErr.Fields, "email")
}

func TestClient_ServerErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusServiceUnavailable, errorBody{Error: "upstream down"})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Me(context.Background())

	require.Error(t, err)
	assert.True(t, apierrors.HasKind(err, apierrors.KindServerError))
	assert.Equal(t, 503, apierrors.StatusOf(err))
}
