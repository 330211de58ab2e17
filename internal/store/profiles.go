package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const profileColumns = `id, agent_id, behavior_type,
	base_intensity, volatility, escalation_rate, de_escalation_rate, threshold_for_display,
	current_intensity, current_phase, phase_history, trigger_count, applied_keys,
	version, created_at, last_updated`

func scanProfile(row rowScanner) (*behavior.Profile, error) {
	var p behavior.Profile
	var bt, history, keys string
	var createdAt, lastUpdated int64
	err := row.Scan(&p.ID, &p.AgentID, &bt,
		&p.BaseIntensity, &p.Volatility, &p.EscalationRate, &p.DeEscalationRate, &p.ThresholdForDisplay,
		&p.CurrentIntensity, &p.CurrentPhase, &history, &p.TriggerCount, &keys,
		&p.Version, &createdAt, &lastUpdated)
	if err != nil {
		return nil, err
	}
	p.BehaviorType = behavior.Type(bt)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.LastUpdated = time.Unix(0, lastUpdated).UTC()
	if err := json.Unmarshal([]byte(history), &p.PhaseHistory); err != nil {
		return nil, fmt.Errorf("decode phase history for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(keys), &p.AppliedKeys); err != nil {
		return nil, fmt.Errorf("decode applied keys for %s: %w", p.ID, err)
	}
	return &p, nil
}

// encodeProfileJSON renders the JSON-encoded columns of p.
func encodeProfileJSON(p *behavior.Profile) (history, keys string, err error) {
	h, err := json.Marshal(p.PhaseHistory)
	if err != nil {
		return "", "", fmt.Errorf("encode phase history: %w", err)
	}
	applied := p.AppliedKeys
	if applied == nil {
		applied = []string{}
	}
	k, err := json.Marshal(applied)
	if err != nil {
		return "", "", fmt.Errorf("encode applied keys: %w", err)
	}
	return string(h), string(k), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetProfile returns the profile for (agentID, behaviorType) or ErrNotFound.
func (db *DB) GetProfile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	return getProfile(ctx, db.DB, agentID, t)
}

func getProfile(ctx context.Context, q queryer, agentID string, t behavior.Type) (*behavior.Profile, error) {
	p, err := scanProfile(q.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM behavior_profiles WHERE agent_id = ? AND behavior_type = ?
	`, agentID, string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s/%s", behavior.ErrNotFound, agentID, t)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// GetOrCreate returns the existing profile or creates one seeded with
// defaults. Concurrent callers for the same key all observe the single
// stored row.
func (db *DB) GetOrCreate(ctx context.Context, agentID string, t behavior.Type, defaults behavior.Params, now time.Time) (*behavior.Profile, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin get-or-create: %w", err)
	}
	defer tx.Rollback()

	fresh := behavior.NewProfile(agentID, t, defaults, now)
	fresh.Version = 1
	history, keys, err := encodeProfileJSON(fresh)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO behavior_profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, behavior_type) DO NOTHING
	`, profileArgs(fresh, history, keys)...); err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}

	p, err := getProfile(ctx, tx, agentID, t)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit get-or-create: %w", err)
	}
	return p, nil
}

func profileArgs(p *behavior.Profile, history, keys string) []any {
	return []any{
		p.ID, p.AgentID, string(p.BehaviorType),
		p.BaseIntensity, p.Volatility, p.EscalationRate, p.DeEscalationRate, p.ThresholdForDisplay,
		p.CurrentIntensity, p.CurrentPhase, history, p.TriggerCount, keys,
		p.Version, p.CreatedAt.UnixNano(), p.LastUpdated.UnixNano(),
	}
}

// ListProfiles returns every profile for an agent, ordered by behavior type.
func (db *DB) ListProfiles(ctx context.Context, agentID string) ([]behavior.Profile, error) {
	return listProfiles(ctx, db.DB, `WHERE agent_id = ? ORDER BY behavior_type`, agentID)
}

// ListAllProfiles returns every stored profile, ordered by agent then behavior.
func (db *DB) ListAllProfiles(ctx context.Context) ([]behavior.Profile, error) {
	return listProfiles(ctx, db.DB, `ORDER BY agent_id, behavior_type`)
}

func listProfiles(ctx context.Context, q queryer, where string, args ...any) ([]behavior.Profile, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+profileColumns+` FROM behavior_profiles `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []behavior.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// UpdateParameters replaces a profile's tunables. The version is bumped so
// in-flight trigger commits against the old parameters lose and re-read.
func (db *DB) UpdateParameters(ctx context.Context, agentID string, t behavior.Type, params behavior.Params) (*behavior.Profile, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	result, err := db.ExecContext(ctx, `
		UPDATE behavior_profiles SET base_intensity = ?, volatility = ?, escalation_rate = ?,
			de_escalation_rate = ?, threshold_for_display = ?, version = version + 1
		WHERE agent_id = ? AND behavior_type = ?
	`, params.BaseIntensity, params.Volatility, params.EscalationRate,
		params.DeEscalationRate, params.ThresholdForDisplay, agentID, string(t))
	if err != nil {
		return nil, fmt.Errorf("update parameters: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("%w: profile %s/%s", behavior.ErrNotFound, agentID, t)
	}
	return db.GetProfile(ctx, agentID, t)
}

// saveProfile writes p under optimistic concurrency and returns the new
// version. Version 0 inserts.
func saveProfile(ctx context.Context, q queryer, p *behavior.Profile) (int64, error) {
	history, keys, err := encodeProfileJSON(p)
	if err != nil {
		return 0, err
	}

	if p.Version == 0 {
		fresh := *p
		fresh.Version = 1
		if _, err := q.ExecContext(ctx, `
			INSERT INTO behavior_profiles (`+profileColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, profileArgs(&fresh, history, keys)...); err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("%w: profile %s/%s created concurrently", behavior.ErrVersionConflict, p.AgentID, p.BehaviorType)
			}
			return 0, fmt.Errorf("insert profile: %w", err)
		}
		return 1, nil
	}

	result, err := q.ExecContext(ctx, `
		UPDATE behavior_profiles SET current_intensity = ?, current_phase = ?, phase_history = ?,
			trigger_count = ?, applied_keys = ?, last_updated = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, p.CurrentIntensity, p.CurrentPhase, history,
		p.TriggerCount, keys, p.LastUpdated.UnixNano(), p.ID, p.Version)
	if err != nil {
		return 0, fmt.Errorf("update profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update profile rows: %w", err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("%w: profile %s at version %d", behavior.ErrVersionConflict, p.ID, p.Version)
	}
	return p.Version + 1, nil
}

// CommitTrigger atomically saves the profile, appends its trigger log entry
// and rebuilds the agent's progression state. On any error nothing is written
// and p is left unchanged.
func (db *DB) CommitTrigger(ctx context.Context, p *behavior.Profile, entry behavior.TriggerLogEntry, aggregate behavior.AggregateFunc) (behavior.ProgressionState, error) {
	return db.commit(ctx, p, &entry, aggregate, entry.CreatedAt)
}

// Commit saves a profile mutated outside the trigger path (reset) and rebuilds
// the agent's progression state in the same transaction. A stale version
// returns ErrVersionConflict.
func (db *DB) Commit(ctx context.Context, p *behavior.Profile, aggregate behavior.AggregateFunc) (behavior.ProgressionState, error) {
	return db.commit(ctx, p, nil, aggregate, p.LastUpdated)
}

func (db *DB) commit(ctx context.Context, p *behavior.Profile, entry *behavior.TriggerLogEntry, aggregate behavior.AggregateFunc, now time.Time) (behavior.ProgressionState, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	next, err := saveProfile(ctx, tx, p)
	if err != nil {
		return behavior.ProgressionState{}, err
	}
	if entry != nil {
		if err := appendEntry(ctx, tx, *entry); err != nil {
			return behavior.ProgressionState{}, err
		}
	}

	profiles, err := listProfiles(ctx, tx, `WHERE agent_id = ? ORDER BY behavior_type`, p.AgentID)
	if err != nil {
		return behavior.ProgressionState{}, err
	}
	state := aggregate(p.AgentID, profiles, now)
	if err := saveProgression(ctx, tx, state); err != nil {
		return behavior.ProgressionState{}, err
	}

	if err := tx.Commit(); err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("commit: %w", err)
	}
	p.Version = next
	return state, nil
}

// Delete removes a profile and its trigger log. Used by agent deletion only.
func (db *DB) Delete(ctx context.Context, agentID string, t behavior.Type) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM behavior_trigger_log WHERE profile_id IN (
			SELECT id FROM behavior_profiles WHERE agent_id = ? AND behavior_type = ?)
	`, agentID, string(t)); err != nil {
		return fmt.Errorf("delete trigger log: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM behavior_profiles WHERE agent_id = ? AND behavior_type = ?
	`, agentID, string(t))
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: profile %s/%s", behavior.ErrNotFound, agentID, t)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
