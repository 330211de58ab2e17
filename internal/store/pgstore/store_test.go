package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/intensity/internal/behavior"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("INTENSITY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INTENSITY_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func aggregate(agentID string, profiles []behavior.Profile, now time.Time) behavior.ProgressionState {
	state := behavior.ProgressionState{AgentID: agentID, CurrentIntensities: map[behavior.Type]float64{}, UpdatedAt: now}
	for _, p := range profiles {
		if p.Tracked() {
			state.CurrentIntensities[p.BehaviorType] = p.CurrentIntensity
		}
	}
	return state
}

func TestProfileLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := "pg-" + uuid.NewString()
	now := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

	_, err := s.GetProfile(ctx, agent, behavior.BorderlinePD)
	assert.ErrorIs(t, err, behavior.ErrNotFound)

	p, err := s.GetOrCreate(ctx, agent, behavior.BorderlinePD, behavior.DefaultParams(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)
	assert.True(t, p.LastUpdated.Equal(now), "nanosecond timestamps survive")

	again, err := s.GetOrCreate(ctx, agent, behavior.BorderlinePD, behavior.DefaultParams(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	stale := p.Clone()
	p.CurrentIntensity = 0.25
	p.TriggerCount = 1
	p.AppliedKeys = []string{"escalating|1|first", "escalating|2|second"}
	entry := behavior.TriggerLogEntry{
		ID: uuid.NewString(), ProfileID: p.ID, AgentID: agent, BehaviorType: behavior.BorderlinePD,
		TriggerType: behavior.TriggerEscalating, Weight: 1, CreatedAt: now, ResultingIntensity: 0.25,
	}
	state, err := s.CommitTrigger(ctx, p, entry, aggregate)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, 0.25, state.CurrentIntensities[behavior.BorderlinePD])

	_, err = s.Commit(ctx, stale, aggregate)
	assert.True(t, errors.Is(err, behavior.ErrVersionConflict), "stale commit: %v", err)

	log, err := s.QueryByBehavior(ctx, agent, behavior.BorderlinePD, behavior.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, entry.ID, log[0].ID)
	assert.Positive(t, log[0].Seq)

	reread, err := s.GetProfile(ctx, agent, behavior.BorderlinePD)
	require.NoError(t, err)
	assert.Equal(t, p.AppliedKeys, reread.AppliedKeys)

	stored, err := s.GetProgression(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 0.25, stored.CurrentIntensities[behavior.BorderlinePD])

	// A second entry on the same tick is reachable from the first's cursor.
	p.TriggerCount = 2
	second := entry
	second.ID = uuid.NewString()
	_, err = s.CommitTrigger(ctx, p, second, aggregate)
	require.NoError(t, err)
	page, err := s.QueryByBehavior(ctx, agent, behavior.BorderlinePD, behavior.HistoryQuery{Limit: 1}.After(log[0]))
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID)

	require.NoError(t, s.Delete(ctx, agent, behavior.BorderlinePD))
	require.NoError(t, s.DeleteProgression(ctx, agent))
	_, err = s.GetProfile(ctx, agent, behavior.BorderlinePD)
	assert.ErrorIs(t, err, behavior.ErrNotFound)
}
