package store

import (
	"context"
	"fmt"
)

// LoadCodes returns the persisted value->code dictionary for one feature column.
func (s *Store) LoadCodes(ctx context.Context, column string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, code FROM category_codes WHERE column_name = $1`, column)
	if err != nil {
		return nil, fmt.Errorf("LoadCodes: %w", err)
	}
	defer rows.Close()

	codes := make(map[string]int)
	for rows.Next() {
		var value string
		var code int
		if err := rows.Scan(&value, &code); err != nil {
			return nil, fmt.Errorf("LoadCodes: %w", err)
		}
		codes[value] = code
	}
	return codes, rows.Err()
}

// AppendCodes persists newly assigned codes. Existing (column, value) pairs
// are left untouched so a code, once handed out, never changes.
func (s *Store) AppendCodes(ctx context.Context, column string, codes map[string]int) error {
	if len(codes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AppendCodes: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO category_codes (column_name, value, code)
		VALUES ($1, $2, $3)
		ON CONFLICT (column_name, value) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("AppendCodes: %w", err)
	}
	defer stmt.Close()

	for value, code := range codes {
		if _, err := stmt.ExecContext(ctx, column, value, code); err != nil {
			return fmt.Errorf("AppendCodes: %s=%q: %w", column, value, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AppendCodes: %w", err)
	}
	return nil
}
