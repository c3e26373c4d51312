package engine

import (
	"context"
	"fmt"
	"slices"
)

// Codebook maps raw categorical values to integer codes.
type Codebook interface {
	Encode(ctx context.Context, column string, values []string) ([]float64, error)
}

// CodeStore persists an append-only value → code dictionary per column.
type CodeStore interface {
	LoadCodes(ctx context.Context, column string) (map[string]int, error)
	AppendCodes(ctx context.Context, column string, codes map[string]int) error
}

// LocalCodebook fits a fresh encoding on every call: distinct values sorted
// lexically get codes 0..k-1. Codes are only meaningful within one run.
type LocalCodebook struct{}

// NewLocalCodebook returns the run-local encoder.
func NewLocalCodebook() LocalCodebook { return LocalCodebook{} }

// Encode implements Codebook.
func (LocalCodebook) Encode(_ context.Context, _ string, values []string) ([]float64, error) {
	classes := distinctSorted(values)
	index := make(map[string]int, len(classes))
	for i, v := range classes {
		index[v] = i
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(index[v])
	}
	return out, nil
}

// StableCodebook keeps codes fixed across runs. A value keeps the code it
// was given on first sight; unseen values get max+1 onward in lexical order.
type StableCodebook struct {
	store CodeStore
}

// NewStableCodebook returns an encoder backed by store.
func NewStableCodebook(store CodeStore) *StableCodebook {
	return &StableCodebook{store: store}
}

// Encode implements Codebook.
func (b *StableCodebook) Encode(ctx context.Context, column string, values []string) ([]float64, error) {
	known, err := b.store.LoadCodes(ctx, column)
	if err != nil {
		return nil, fmt.Errorf("StableCodebook.Encode: %w", err)
	}
	if known == nil {
		known = make(map[string]int)
	}

	next := 0
	for _, c := range known {
		if c >= next {
			next = c + 1
		}
	}

	added := make(map[string]int)
	for _, v := range distinctSorted(values) {
		if _, ok := known[v]; ok {
			continue
		}
		known[v] = next
		added[v] = next
		next++
	}

	if len(added) > 0 {
		if err := b.store.AppendCodes(ctx, column, added); err != nil {
			return nil, fmt.Errorf("StableCodebook.Encode: %w", err)
		}
	}

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(known[v])
	}
	return out, nil
}

func distinctSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
