package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

// GetProgression returns the stored progression state for an agent.
func (db *DB) GetProgression(ctx context.Context, agentID string) (behavior.ProgressionState, error) {
	var raw string
	var updatedAt int64
	err := db.QueryRowContext(ctx, `
		SELECT current_intensities, updated_at
		FROM behavior_progression_states WHERE agent_id = ?
	`, agentID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return behavior.ProgressionState{}, fmt.Errorf("%w: no progression state for agent %s", behavior.ErrNotFound, agentID)
	}
	if err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("get progression: %w", err)
	}

	state := behavior.ProgressionState{
		AgentID:            agentID,
		CurrentIntensities: make(map[behavior.Type]float64),
		UpdatedAt:          time.Unix(0, updatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(raw), &state.CurrentIntensities); err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("decode progression for %s: %w", agentID, err)
	}
	return state, nil
}

// SaveProgression upserts an agent's progression state.
func (db *DB) SaveProgression(ctx context.Context, state behavior.ProgressionState) error {
	return saveProgression(ctx, db.DB, state)
}

func saveProgression(ctx context.Context, q queryer, state behavior.ProgressionState) error {
	intensities := state.CurrentIntensities
	if intensities == nil {
		intensities = map[behavior.Type]float64{}
	}
	raw, err := json.Marshal(intensities)
	if err != nil {
		return fmt.Errorf("encode progression: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO behavior_progression_states (agent_id, current_intensities, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			current_intensities = excluded.current_intensities,
			updated_at = excluded.updated_at
	`, state.AgentID, string(raw), state.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save progression: %w", err)
	}
	return nil
}

// DeleteProgression drops an agent's progression state if present.
func (db *DB) DeleteProgression(ctx context.Context, agentID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM behavior_progression_states WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete progression: %w", err)
	}
	return nil
}
