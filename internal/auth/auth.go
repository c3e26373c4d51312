package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/triage-ai/accesswatch/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

const (
	RoleAdmin   = store.RoleAdmin
	RoleMonitor = store.RoleMonitor
)

// Principal is the authenticated caller of an API request.
type Principal struct {
	OperatorID string
	Name       string
	Role       string
}

// IsAdmin reports whether p may use admin-only routes.
func (p *Principal) IsAdmin() bool { return p != nil && p.Role == RoleAdmin }

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAPIKey
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", ErrMissingAPIKey
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", ErrMissingAPIKey
	}
	return token, nil
}

// StaticAuthenticator accepts a single bootstrap admin key, configured as a
// bcrypt hash so the plain key never sits in the environment.
type StaticAuthenticator struct {
	hash []byte
}

// NewStaticAuthenticator returns an authenticator for the key behind hash.
// An empty hash rejects every token.
func NewStaticAuthenticator(hash string) *StaticAuthenticator {
	return &StaticAuthenticator{hash: []byte(hash)}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if len(a.hash) == 0 || token == "" {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{OperatorID: "bootstrap", Name: "bootstrap admin", Role: RoleAdmin}, nil
}

// Chain tries each authenticator in order. A rejection falls through to the
// next one; the first backend failure is returned if nobody accepts.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (*Principal, error) {
	var unavailable error
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrInvalidAPIKey) && unavailable == nil {
			unavailable = err
		}
	}
	if unavailable != nil {
		return nil, fmt.Errorf("Chain.Authenticate: %w", unavailable)
	}
	return nil, ErrInvalidAPIKey
}
