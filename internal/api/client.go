// Package api implements the authenticated request pipeline: bearer-token
// injection, response normalization into the apierrors taxonomy, and the
// refresh-and-replay protocol on authorization failure. Concurrent 401s
// share one refresh call through a single-flight group.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"medpass/internal/api/metrics"
	"medpass/pkg/apierrors"
)

const defaultTimeout = 15 * time.Second

// TokenSource supplies and receives bearer tokens. The in-memory access
// token is read synchronously when building a request; the refresh token is
// read from storage only on the refresh path.
type TokenSource interface {
	AccessToken() string
	RefreshToken(ctx context.Context) (string, error)
	SetTokens(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context)
}

// Client wraps the HTTP transport for the medpass API.
type Client struct {
	baseURL       string
	http          *http.Client
	tokens        TokenSource
	log           *slog.Logger
	tracer        trace.Tracer
	userAgent     string
	refreshGroup  singleflight.Group
	onAuthExpired func(ctx context.Context)
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the fixed per-request timeout. Default 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying transport, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// New creates an API client rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: defaultTimeout},
		tokens:    tokens,
		log:       slog.Default(),
		tracer:    otel.Tracer("medpass/api"),
		userAgent: "medpass-client/1.0",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// OnAuthExpired registers the hook invoked when the session is proven
// invalid (refresh token absent or rejected). The session manager uses it
// to reset local state; the hook must not issue authenticated requests.
// Set once at wiring time, before the client is shared across goroutines.
func (c *Client) OnAuthExpired(fn func(ctx context.Context)) {
	c.onAuthExpired = fn
}

// call describes one logical request.
type call struct {
	method string
	path   string
	body   any
	out    any
	// noAuth marks endpoints that never carry a bearer token (login,
	// signup, refresh); their 401s are ordinary client errors.
	noAuth bool
}

// do runs a logical request. On a 401 from a bearer-carrying request it
// performs at most one refresh and one replay; the replay's outcome is
// final even if it is another 401.
func (c *Client) do(ctx context.Context, cl call) error {
	sentBearer, err := c.send(ctx, cl)
	if err == nil {
		return nil
	}
	if !sentBearer || apierrors.StatusOf(err) != http.StatusUnauthorized {
		return err
	}

	if _, rerr := c.refreshAccessToken(ctx, err); rerr != nil {
		// The session is gone; the refresh error supersedes the 401.
		return rerr
	}

	_, err = c.send(ctx, cl)
	if err != nil {
		metrics.Replays.WithLabelValues("failure").Inc()
		return err
	}
	metrics.Replays.WithLabelValues("success").Inc()
	return nil
}

// send issues the request once and normalizes the outcome. It reports
// whether a bearer token was attached, which gates the refresh path.
func (c *Client) send(ctx context.Context, cl call) (sentBearer bool, err error) {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("api.%s %s", cl.method, cl.path),
		trace.WithAttributes(
			attribute.String("http.request.method", cl.method),
			attribute.String("url.path", cl.path),
		))
	defer span.End()

	var reqBody io.Reader
	if cl.body != nil {
		raw, merr := json.Marshal(cl.body)
		if merr != nil {
			return false, apierrors.Wrap(merr, apierrors.KindClientError, "could not encode request")
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, reqBody)
	if err != nil {
		return false, apierrors.Wrap(err, apierrors.KindClientError, "could not build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !cl.noAuth {
		if tok := c.tokens.AccessToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
			sentBearer = true
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RequestDuration.WithLabelValues(cl.method, cl.path).
		Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		norm := classifyTransportError(ctx, err)
		metrics.RequestsTotal.WithLabelValues(cl.method, cl.path, string(apierrors.KindOf(norm))).Inc()
		span.RecordError(norm)
		span.SetStatus(codes.Error, string(apierrors.KindOf(norm)))
		return sentBearer, norm
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		norm := apierrors.Wrap(err, apierrors.KindNetworkUnreachable, "response read failed")
		span.RecordError(norm)
		span.SetStatus(codes.Error, string(apierrors.KindNetworkUnreachable))
		return sentBearer, norm
	}

	metrics.RequestsTotal.WithLabelValues(cl.method, cl.path, strconv.Itoa(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if cl.out != nil && len(raw) > 0 {
			if uerr := json.Unmarshal(raw, cl.out); uerr != nil {
				return sentBearer, apierrors.Wrap(uerr, apierrors.KindServerError, "invalid server response")
			}
		}
		return sentBearer, nil
	}

	norm := classifyStatus(resp.StatusCode, raw, sentBearer)
	span.RecordError(norm)
	span.SetStatus(codes.Error, string(apierrors.KindOf(norm)))
	return sentBearer, norm
}

// refreshAccessToken exchanges the stored refresh token for a new access
// token. All concurrent callers share one upstream call; a failure clears
// the token holder and fires the auth-expired hook before returning. cause
// is the 401 that triggered the refresh.
func (c *Client) refreshAccessToken(ctx context.Context, cause error) (string, error) {
	v, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		// The refresh outcome is shared across requests, so it must not
		// die with the first caller's context.
		ctx := context.WithoutCancel(ctx)

		refresh, err := c.tokens.RefreshToken(ctx)
		if err != nil || refresh == "" {
			c.expireSession(ctx, err)
			// With nothing to exchange, the original 401 stands as the
			// visible cause and keeps the server's message.
			return nil, apierrors.Wrap(cause, apierrors.KindAuthExpired,
				"no refresh token available")
		}

		metrics.RefreshAttempts.Inc()
		var out RefreshResponse
		_, err = c.send(ctx, call{
			method: http.MethodPost,
			path:   refreshPath,
			body:   RefreshRequest{RefreshToken: refresh},
			out:    &out,
			noAuth: true,
		})
		if err != nil {
			metrics.RefreshFailures.Inc()
			c.expireSession(ctx, err)
			return nil, apierrors.Wrap(err, apierrors.KindAuthExpired, "token refresh failed")
		}

		access := out.BearerToken()
		if access == "" {
			metrics.RefreshFailures.Inc()
			c.expireSession(ctx, nil)
			return nil, apierrors.New(apierrors.KindAuthExpired, http.StatusUnauthorized,
				"refresh response carried no access token")
		}
		if err := c.tokens.SetTokens(ctx, access, out.RefreshToken); err != nil {
			c.log.ErrorContext(ctx, "failed to persist refreshed tokens", "error", err)
			c.expireSession(ctx, err)
			return nil, apierrors.Wrap(err, apierrors.KindAuthExpired, "could not store refreshed tokens")
		}

		c.log.InfoContext(ctx, "access token refreshed",
			"rotated", out.RefreshToken != "" && out.RefreshToken != refresh)
		return access, nil
	})
	if shared {
		metrics.RefreshShared.Inc()
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// expireSession clears local tokens and notifies the session manager. The
// remote logout endpoint is deliberately not called: the server already
// considers the session invalid.
func (c *Client) expireSession(ctx context.Context, cause error) {
	c.log.WarnContext(ctx, "session expired", "cause", cause)
	c.tokens.Clear(ctx)
	if c.onAuthExpired != nil {
		c.onAuthExpired(ctx)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return apierrors.Wrap(err, apierrors.KindCancelled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.Wrap(err, apierrors.KindTimeout, "request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierrors.Wrap(err, apierrors.KindTimeout, "request timed out")
	}
	return apierrors.Wrap(err, apierrors.KindNetworkUnreachable, "network unreachable")
}

func classifyStatus(status int, raw []byte, sentBearer bool) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	switch {
	case status == http.StatusUnauthorized && sentBearer:
		return apierrors.New(apierrors.KindAuthExpired, status, body.text())
	case len(body.Errors) > 0 && (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity):
		e := apierrors.New(apierrors.KindValidationFailed, status, body.text())
		e.Fields = body.Errors
		return e
	case status >= 500:
		return apierrors.New(apierrors.KindServerError, status, body.text())
	default:
		return apierrors.New(apierrors.KindClientError, status, body.text())
	}
}
