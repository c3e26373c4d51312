package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every operator API key.
const KeyPrefix = "awk_"

// OperatorLookup abstracts the operators table for testability. A missing
// prefix is (nil, nil).
type OperatorLookup interface {
	LookupByPrefix(ctx context.Context, prefix string) (*store.Operator, error)
}

// PostgresAuthenticator validates operator API keys against the operators
// table, with an AuthCache in front so the hot path skips the database and
// bcrypt.
type PostgresAuthenticator struct {
	store  OperatorLookup
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	Operators OperatorLookup
	CacheTTL  time.Duration // Default: 30s
	Logger    *zap.Logger
}

// NewPostgresAuthenticator creates an authenticator backed by the operators table.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return newPostgresAuthenticatorWithCache(cfg.Operators, NewAuthCache(ttl), cfg.Logger)
}

func newPostgresAuthenticatorWithCache(ops OperatorLookup, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{store: ops, cache: cache, logger: logger}
}

// Forget drops cached keys of an operator.
func (a *PostgresAuthenticator) Forget(operatorID string) {
	a.cache.Purge(operatorID)
}

// Authenticate validates the API key.
//
//   - Fresh hit: return immediately
//   - Stale hit: return the stale principal and refresh in the background
//   - Miss: prefix lookup and bcrypt verification inline
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if len(apiKey) < 8 || !strings.HasPrefix(apiKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return a.handleLookupError(err)
	}
	a.cache.Set(apiKey, p)
	return p, nil
}

// backgroundRefresh re-verifies a stale key. On failure the entry is dropped
// so the next request verifies inline.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background cache refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, p)
}

func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	op, err := a.store.LookupByPrefix(ctx, apiKey[:8])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if op == nil {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{OperatorID: op.ID, Name: op.Name, Role: op.Role}, nil
}

func (a *PostgresAuthenticator) handleLookupError(lookupErr error) (*Principal, error) {
	if errors.Is(lookupErr, ErrInvalidAPIKey) {
		return nil, ErrInvalidAPIKey
	}
	a.logger.Warn("auth DB unreachable", zap.Error(lookupErr))
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
