package api

import (
	"context"
	"net/http"

	"medpass/pkg/apierrors"
)

const (
	loginPath   = "/v1/auth/login"
	refreshPath = "/v1/auth/refresh"
	signupPath  = "/v1/auth/signup"
	logoutPath  = "/v1/auth/logout"
	mePath      = "/v1/users/me"
)

// Login exchanges credentials for a token pair and identity. A 401 here is
// a credentials failure, not an expired session; no refresh is attempted.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   loginPath,
		body:   LoginRequest{Email: email, Password: password},
		out:    &out,
		noAuth: true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Signup registers a new account. Tokens are present in the response only
// when the server does not require email verification.
func (c *Client) Signup(ctx context.Context, req *SignupRequest) (*SignupResponse, error) {
	var out SignupResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   signupPath,
		body:   req,
		out:    &out,
		noAuth: true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Me fetches the authenticated identity from the server. A 2xx response
// without a user object is a server contract violation, never a nil identity.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var out meResponse
	err := c.do(ctx, call{
		method: http.MethodGet,
		path:   mePath,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, apierrors.New(apierrors.KindServerError, 0, "identity response carried no user")
	}
	return out.User, nil
}

// Logout invalidates the session server-side. Callers treat failures as
// advisory; local cleanup proceeds regardless.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, call{
		method: http.MethodPost,
		path:   logoutPath,
	})
}
