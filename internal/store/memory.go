package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/accesswatch/internal/engine"
)

// MemoryStore is an in-process implementation of the Store methods. It backs
// the server when POSTGRES_DSN is unset and is used by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]*EventRecord
	operators map[string]*Operator
	codes     map[string]map[string]int
	now       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*EventRecord),
		operators: make(map[string]*Operator),
		codes:     make(map[string]map[string]int),
		now:       time.Now,
	}
}

func (m *MemoryStore) ListWindow(_ context.Context, since time.Time) ([]engine.AccessEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.AccessEvent
	for _, r := range m.events {
		if !r.Timestamp.Before(since) {
			out = append(out, r.AccessEvent)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (m *MemoryStore) ResetWindow(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.events {
		if r.Timestamp.Before(since) {
			continue
		}
		r.IsAnomaly = false
		r.AnomalyScore = 0
		r.DecisionValue = 0
		r.Severity = engine.SeverityLow.String()
		r.UpdatedAt = m.now()
		n++
	}
	return n, nil
}

func (m *MemoryStore) WriteScore(_ context.Context, sc engine.ScoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.events[sc.EventID]
	if !ok {
		return fmt.Errorf("WriteScore: %s: %w", sc.EventID, ErrEventNotFound)
	}
	r.IsAnomaly = sc.IsAnomaly
	r.AnomalyScore = sc.AnomalyScore
	r.DecisionValue = sc.DecisionValue
	r.Severity = sc.Severity.String()
	r.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpsertEvent(_ context.Context, e engine.AccessEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.Timestamp = e.Timestamp.UTC()
	now := m.now()
	if r, ok := m.events[e.EventID]; ok {
		raw := r.RawDetails
		r.AccessEvent = e
		if len(e.RawDetails) == 0 {
			r.RawDetails = raw
		}
		r.UpdatedAt = now
		return false, nil
	}
	m.events[e.EventID] = &EventRecord{
		AccessEvent: e,
		Severity:    engine.SeverityLow.String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.events[eventID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, params ListAnomaliesParams) ([]*EventRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*EventRecord
	for _, r := range m.events {
		if !r.IsAnomaly {
			continue
		}
		if params.Severity != nil && r.Severity != *params.Severity {
			continue
		}
		if params.UserEmail != nil && r.UserEmail != *params.UserEmail {
			continue
		}
		if params.Since != nil && r.Timestamp.Before(*params.Since) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].AnomalyScore != matched[j].AnomalyScore {
			return matched[i].AnomalyScore > matched[j].AnomalyScore
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := (params.Page - 1) * params.PageSize
	if start < 0 || start >= total {
		return nil, total, nil
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) MarkAlerted(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("MarkAlerted: %s: %w", eventID, ErrEventNotFound)
	}
	at = at.UTC()
	r.AlertedAt = &at
	return nil
}

func (m *MemoryStore) LoadCodes(_ context.Context, column string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.codes[column]))
	for k, v := range m.codes[column] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) AppendCodes(_ context.Context, column string, codes map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.codes[column]
	if !ok {
		col = make(map[string]int)
		m.codes[column] = col
	}
	for k, v := range codes {
		if _, exists := col[k]; !exists {
			col[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) CreateOperator(_ context.Context, name, email, role string) (*Operator, string, error) {
	if !ValidRole(role) {
		return nil, "", fmt.Errorf("CreateOperator: unknown role %q", role)
	}
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateOperator: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	o := &Operator{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		Role:         role,
		APIKeyHash:   keyHash,
		APIKeyPrefix: keyPrefix,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.operators[o.ID] = o
	cp := *o
	return &cp, fullKey, nil
}

func (m *MemoryStore) ListOperators(_ context.Context) ([]*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Operator, 0, len(m.operators))
	for _, o := range m.operators {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetOperator(_ context.Context, id string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.operators[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOperator(_ context.Context, id string, params UpdateOperatorParams) (*Operator, error) {
	if params.Role != nil && !ValidRole(*params.Role) {
		return nil, fmt.Errorf("UpdateOperator: unknown role %q", *params.Role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.operators[id]
	if !ok {
		return nil, nil
	}
	if params.Name != nil {
		o.Name = *params.Name
	}
	if params.Email != nil {
		o.Email = *params.Email
	}
	if params.Role != nil {
		o.Role = *params.Role
	}
	o.UpdatedAt = m.now()
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) DeleteOperator(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.operators[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.operators, id)
	return nil
}

func (m *MemoryStore) RotateAPIKey(_ context.Context, id string) (*Operator, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.operators[id]
	if !ok {
		return nil, "", sql.ErrNoRows
	}
	o.APIKeyHash = keyHash
	o.APIKeyPrefix = keyPrefix
	o.UpdatedAt = m.now()
	cp := *o
	return &cp, fullKey, nil
}

func (m *MemoryStore) LookupByPrefix(_ context.Context, prefix string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.operators {
		if o.APIKeyPrefix == prefix {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}
