// Package apierrors normalizes transport and server failures into a small
// client-side taxonomy. Every error leaving the request pipeline is exactly
// one Kind plus a humanized message suitable for direct display.
package apierrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a request failure independent of transport details.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindNetworkUnreachable Kind = "network_unreachable"
	KindServerError        Kind = "server_error"
	KindClientError        Kind = "client_error"
	KindAuthExpired        Kind = "auth_expired"
	KindValidationFailed   Kind = "validation_failed"
)

// Error is the single error type surfaced by the request pipeline.
// Status is the HTTP status when one was received, zero otherwise.
// Fields carries structured validation errors keyed by field name.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Fields  map[string][]string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Kind, e.Status)
	}
	return string(e.Kind)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error with the given kind, status and raw server message.
func New(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Message: msg}
}

// Wrap creates an error wrapping an underlying cause. If the cause is
// already a taxonomy error its status and fields are carried forward.
func Wrap(err error, kind Kind, msg string) *Error {
	e := &Error{Kind: kind, Message: msg, Err: err}
	var existing *Error
	if errors.As(err, &existing) {
		e.Status = existing.Status
		e.Fields = existing.Fields
	}
	return e
}

// KindOf returns the kind of err, or an empty Kind for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasKind reports whether err is a taxonomy error with the given kind.
func HasKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// StatusOf returns the HTTP status recorded on err, zero if none.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Generic fallbacks per kind, used when no server phrase matches.
var kindMessages = map[Kind]string{
	KindTimeout:            "The request timed out. Check your connection and try again.",
	KindCancelled:          "The request was cancelled.",
	KindNetworkUnreachable: "Unable to reach the server. Check your internet connection and try again.",
	KindServerError:        "The server ran into a problem. Please try again in a moment.",
	KindAuthExpired:        "Your session has expired. Please log in again.",
	KindValidationFailed:   "Some of the information you entered is invalid.",
}

// phrasePattern maps known server message fragments to user-facing copy.
type phrasePattern struct {
	fragments []string
	message   string
}

var phrasePatterns = []phrasePattern{
	{[]string{"invalid credentials", "incorrect password", "invalid email or password"},
		"The email or password you entered is incorrect."},
	{[]string{"already registered", "already exists", "already in use"},
		"An account with this email already exists."},
	{[]string{"not verified", "verify your email", "unverified"},
		"Please verify your email address before signing in."},
	{[]string{"suspended"},
		"This account has been suspended. Contact support for assistance."},
	{[]string{"too many", "rate limit"},
		"Too many attempts. Please wait a moment and try again."},
	{[]string{"two-factor", "2fa"},
		"A two-factor authentication code is required."},
}

const genericMessage = "Something went wrong. Please try again."

// UserMessage derives display copy for err. Known server phrases win over
// per-kind fallbacks; anything unrecognized degrades to a generic retry
// hint. Phrase matching scans the whole chain, so a wrapped server message
// still selects its specific copy.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return genericMessage
	}
	raw := strings.ToLower(e.Message)
	if e.Err != nil {
		raw += " " + strings.ToLower(e.Err.Error())
	}
	for _, p := range phrasePatterns {
		for _, frag := range p.fragments {
			if strings.Contains(raw, frag) {
				return p.message
			}
		}
	}
	if msg, ok := kindMessages[e.Kind]; ok {
		return msg
	}
	return genericMessage
}
