package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/accesswatch/internal/engine"
)

// openTestDB connects to the database named by ACCESSWATCH_TEST_POSTGRES_DSN
// and applies migrations. Tests using it are skipped when the variable is unset.
func openTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ACCESSWATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ACCESSWATCH_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return NewStore(db)
}

func TestStore_EventRoundTrip(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	id := uuid.NewString()
	ts := time.Now().UTC().Truncate(time.Second)
	ev := engine.AccessEvent{
		EventID: id, UserEmail: "ana@corp.test", SourceIP: "10.0.0.1", Timestamp: ts,
		FileID: "f1", FileName: "plan.xlsx", EventType: "view",
	}

	inserted, err := s.UpsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.UpsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, s.WriteScore(ctx, engine.ScoredEvent{
		EventID: id, IsAnomaly: true, AnomalyScore: 0.8, DecisionValue: -0.3, Severity: engine.SeverityCritical,
	}))

	rec, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsAnomaly)
	assert.Equal(t, "CRITICAL", rec.Severity)
	assert.True(t, rec.Timestamp.Equal(ts))

	window, err := s.ListWindow(ctx, ts)
	require.NoError(t, err)
	var seen bool
	for _, e := range window {
		if e.EventID == id {
			seen = true
		}
	}
	assert.True(t, seen)

	_, err = s.ResetWindow(ctx, ts)
	require.NoError(t, err)
	rec, _ = s.GetEvent(ctx, id)
	assert.False(t, rec.IsAnomaly)

	assert.ErrorIs(t, s.WriteScore(ctx, engine.ScoredEvent{EventID: uuid.NewString()}), ErrEventNotFound)

	missing, err := s.GetEvent(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_Codes(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	col := "test_" + uuid.NewString()[:8]

	require.NoError(t, s.AppendCodes(ctx, col, map[string]int{"a": 0, "b": 1}))
	require.NoError(t, s.AppendCodes(ctx, col, map[string]int{"a": 5}))

	codes, err := s.LoadCodes(ctx, col)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 1}, codes)
}
