package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// testAPIKey is the raw API key used in tests.
const testAPIKey = "awk_test_valid_key_1234567890abcdef"

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

// mockLookup implements OperatorLookup for testing.
type mockLookup struct {
	op        *store.Operator
	err       error
	callCount atomic.Int32
}

func (m *mockLookup) LookupByPrefix(_ context.Context, _ string) (*store.Operator, error) {
	m.callCount.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.op, nil
}

func newTestAuth(lookup OperatorLookup, ttl time.Duration) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithCache(lookup, NewAuthCache(ttl), zap.NewNop())
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	lookup := &mockLookup{op: &store.Operator{ID: "op_abc", Name: "Ana", Role: store.RoleMonitor, APIKeyHash: testHash(t)}}
	auth := newTestAuth(lookup, time.Minute)

	p, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.OperatorID != "op_abc" || p.Role != RoleMonitor {
		t.Errorf("unexpected principal %+v", p)
	}
	if lookup.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", lookup.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	lookup := &mockLookup{op: &store.Operator{ID: "op_abc", Role: store.RoleAdmin, APIKeyHash: testHash(t)}}
	auth := newTestAuth(lookup, time.Minute)

	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	p, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if lookup.callCount.Load() != 1 {
		t.Errorf("expected still 1 DB call (cache hit), got %d", lookup.callCount.Load())
	}
	if p.OperatorID != "op_abc" {
		t.Errorf("expected op_abc from cache, got %s", p.OperatorID)
	}
}

func TestPostgresAuth_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		lookup    *mockLookup
		key       string
		wantCalls int32
	}{
		{"bcrypt mismatch", &mockLookup{op: &store.Operator{ID: "op_abc", APIKeyHash: testHash(t)}}, "awk_wrong_key_doesnt_match_hash", 1},
		{"operator not found", &mockLookup{}, testAPIKey, 1},
		{"wrong prefix", &mockLookup{}, "tsk_test_valid_key_1234567890", 0},
		{"too short", &mockLookup{}, "awk_", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestAuth(tt.lookup, time.Minute).Authenticate(context.Background(), tt.key)
			if !errors.Is(err, ErrInvalidAPIKey) {
				t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
			}
			if got := tt.lookup.callCount.Load(); got != tt.wantCalls {
				t.Errorf("expected %d DB calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	auth := newTestAuth(&mockLookup{err: errors.New("connection refused")}, time.Minute)

	_, err := auth.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_StaleHit_RefreshesInBackground(t *testing.T) {
	lookup := &mockLookup{op: &store.Operator{ID: "op_abc", Role: store.RoleAdmin, APIKeyHash: testHash(t)}}
	auth := newTestAuth(lookup, 1*time.Millisecond)

	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Stale read returns immediately with the cached principal.
	p, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("stale call failed: %v", err)
	}
	if p.OperatorID != "op_abc" {
		t.Errorf("expected stale op_abc, got %s", p.OperatorID)
	}

	deadline := time.Now().Add(time.Second)
	for lookup.callCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if lookup.callCount.Load() != 2 {
		t.Errorf("expected a background refresh, got %d DB calls", lookup.callCount.Load())
	}
}

func TestPostgresAuth_ForgetDropsCachedKey(t *testing.T) {
	lookup := &mockLookup{op: &store.Operator{ID: "op_abc", Role: store.RoleAdmin, APIKeyHash: testHash(t)}}
	auth := newTestAuth(lookup, time.Minute)

	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	auth.Forget("op_abc")
	lookup.op = nil

	if _, err := auth.Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected rotated key to be rejected, got: %v", err)
	}
}

func TestPostgresAuth_MemoryStoreOperators(t *testing.T) {
	mem := store.NewMemoryStore()
	op, key, err := mem.CreateOperator(context.Background(), "Ana", "ana@corp.test", store.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}
	auth := NewPostgresAuthenticator(PostgresAuthConfig{Operators: mem, Logger: zap.NewNop()})

	p, err := auth.Authenticate(context.Background(), key)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.OperatorID != op.ID || !p.IsAdmin() {
		t.Errorf("unexpected principal %+v", p)
	}
}
