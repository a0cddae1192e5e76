package session

import (
	"context"
	"net/http"

	"medpass/internal/api"
	"medpass/pkg/apierrors"
)

// CredentialResolver turns credentials into a login response. The
// production resolver goes through the API; the fixture resolver serves
// canned accounts so demo and test flows never branch inside the manager.
type CredentialResolver interface {
	Resolve(ctx context.Context, email, password string) (*api.LoginResponse, error)
}

type apiResolver struct {
	api AuthAPI
}

func (r *apiResolver) Resolve(ctx context.Context, email, password string) (*api.LoginResponse, error) {
	return r.api.Login(ctx, email, password)
}

// FixtureAccount is one canned login outcome.
type FixtureAccount struct {
	Password string
	Response *api.LoginResponse
}

// FixtureResolver resolves credentials against a fixed account table.
type FixtureResolver struct {
	accounts map[string]FixtureAccount
}

// NewFixtureResolver creates a resolver over the given accounts, keyed by
// email.
func NewFixtureResolver(accounts map[string]FixtureAccount) *FixtureResolver {
	if accounts == nil {
		accounts = map[string]FixtureAccount{}
	}
	return &FixtureResolver{accounts: accounts}
}

// Resolve matches email and password against the fixture table.
func (r *FixtureResolver) Resolve(_ context.Context, email, password string) (*api.LoginResponse, error) {
	acct, ok := r.accounts[email]
	if !ok || acct.Password != password {
		return nil, apierrors.New(apierrors.KindClientError, http.StatusUnauthorized, "invalid credentials")
	}
	return acct.Response, nil
}
