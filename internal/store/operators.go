package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Operator roles.
const (
	RoleAdmin   = "admin"
	RoleMonitor = "monitor"
)

// Operator represents a row in the operators table: a person or system
// holding an API key for the dashboard API.
type Operator struct {
	ID           string
	Name         string
	Email        string
	Role         string // "admin" or "monitor"
	APIKeyHash   string
	APIKeyPrefix string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpdateOperatorParams holds optional fields for partial operator updates.
type UpdateOperatorParams struct {
	Name  *string
	Email *string
	Role  *string
}

// ValidRole reports whether r is an operator role.
func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleMonitor
}

// GenerateAPIKey creates a new awk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "awk_" + hex.EncodeToString(raw)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8] // "awk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

const operatorColumns = `id, name, email, role, api_key_hash, api_key_prefix, created_at, updated_at`

func scanOperator(row rowScanner) (*Operator, error) {
	var o Operator
	if err := row.Scan(&o.ID, &o.Name, &o.Email, &o.Role, &o.APIKeyHash, &o.APIKeyPrefix,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOperator inserts a new operator.
// Returns the operator and the plaintext API key (shown once).
func (s *Store) CreateOperator(ctx context.Context, name, email, role string) (*Operator, string, error) {
	if !ValidRole(role) {
		return nil, "", fmt.Errorf("CreateOperator: unknown role %q", role)
	}
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateOperator: %w", err)
	}

	o, err := scanOperator(s.db.QueryRowContext(ctx, `
		INSERT INTO operators (name, email, role, api_key_hash, api_key_prefix)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+operatorColumns,
		name, email, role, keyHash, keyPrefix,
	))
	if err != nil {
		return nil, "", fmt.Errorf("CreateOperator: %w", err)
	}
	return o, fullKey, nil
}

// ListOperators returns all operators ordered by created_at DESC.
func (s *Store) ListOperators(ctx context.Context) ([]*Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operatorColumns+` FROM operators ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListOperators: %w", err)
	}
	defer rows.Close()

	var ops []*Operator
	for rows.Next() {
		o, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOperators: %w", err)
		}
		ops = append(ops, o)
	}
	return ops, rows.Err()
}

// GetOperator returns an operator by ID, or nil if not found.
func (s *Store) GetOperator(ctx context.Context, id string) (*Operator, error) {
	o, err := scanOperator(s.db.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetOperator: %w", err)
	}
	return o, nil
}

// UpdateOperator applies a partial update. Only non-nil fields are changed.
func (s *Store) UpdateOperator(ctx context.Context, id string, params UpdateOperatorParams) (*Operator, error) {
	if params.Role != nil && !ValidRole(*params.Role) {
		return nil, fmt.Errorf("UpdateOperator: unknown role %q", *params.Role)
	}
	o, err := scanOperator(s.db.QueryRowContext(ctx, `
		UPDATE operators SET
			name       = COALESCE($2, name),
			email      = COALESCE($3, email),
			role       = COALESCE($4, role),
			updated_at = now()
		WHERE id = $1
		RETURNING `+operatorColumns,
		id, params.Name, params.Email, params.Role,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateOperator: %w", err)
	}
	return o, nil
}

// DeleteOperator deletes an operator by ID.
func (s *Store) DeleteOperator(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM operators WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteOperator: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RotateAPIKey generates a new API key for an operator.
// Returns the updated operator and the plaintext key (shown once).
func (s *Store) RotateAPIKey(ctx context.Context, id string) (*Operator, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	o, err := scanOperator(s.db.QueryRowContext(ctx, `
		UPDATE operators SET
			api_key_hash   = $2,
			api_key_prefix = $3,
			updated_at     = now()
		WHERE id = $1
		RETURNING `+operatorColumns,
		id, keyHash, keyPrefix,
	))
	if err == sql.ErrNoRows {
		return nil, "", sql.ErrNoRows
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}
	return o, fullKey, nil
}

// LookupByPrefix finds an operator by API key prefix (first 8 chars), or nil.
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Operator, error) {
	o, err := scanOperator(s.db.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE api_key_prefix = $1`, prefix))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return o, nil
}
