package api

import "time"

// Identity is the server's representation of the authenticated user. It is
// replaced wholesale on every successful login, refresh and bootstrap; it
// is never partially mutated in place.
type Identity struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	FirstName        string    `json:"firstName"`
	LastName         string    `json:"lastName"`
	PhoneNumber      string    `json:"phoneNumber,omitempty"`
	EmailVerified    bool      `json:"emailVerified"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled"`
	AccountType      string    `json:"accountType,omitempty"`
	OrganizationID   string    `json:"organizationId,omitempty"`
	Role             string    `json:"role,omitempty"`
	Suspended        bool      `json:"suspended,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// tokenEnvelope tolerates both token field spellings the server has used.
type tokenEnvelope struct {
	Token        string `json:"token,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// BearerToken returns whichever access token field the server populated.
func (e tokenEnvelope) BearerToken() string {
	if e.Token != "" {
		return e.Token
	}
	return e.AccessToken
}

// LoginRequest is the credentials payload for the login endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the login endpoint contract. RequiresTwoFactor means no
// session was established and the caller must complete a second factor.
type LoginResponse struct {
	tokenEnvelope
	User              *Identity `json:"user,omitempty"`
	RequiresTwoFactor bool      `json:"requiresTwoFactor,omitempty"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse carries the new token pair. RefreshToken is set only when
// the server rotated it.
type RefreshResponse struct {
	tokenEnvelope
}

// meResponse wraps the who-am-I payload.
type meResponse struct {
	User *Identity `json:"user"`
}

// SignupRequest is the registration payload.
type SignupRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	PhoneNumber      string `json:"phoneNumber,omitempty"`
	AccountType      string `json:"accountType,omitempty"`
	OrganizationName string `json:"organizationName,omitempty"`
}

// SignupResponse is the registration endpoint contract. In the common path
// no tokens are issued until the email is verified.
type SignupResponse struct {
	tokenEnvelope
	UserID  string    `json:"userId"`
	Email   string    `json:"email"`
	Message string    `json:"message,omitempty"`
	User    *Identity `json:"user,omitempty"`
}

// errorBody is the server's error payload shape.
type errorBody struct {
	Error   string              `json:"error,omitempty"`
	Message string              `json:"message,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (b errorBody) text() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Error
}
