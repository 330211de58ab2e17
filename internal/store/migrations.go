package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "behavior_profiles: per-agent behavior state",
		SQL: `
CREATE TABLE behavior_profiles (
    id                    TEXT PRIMARY KEY,
    agent_id              TEXT NOT NULL,
    behavior_type         TEXT NOT NULL CHECK (behavior_type IN (
        'ANXIOUS_ATTACHMENT', 'AVOIDANT_ATTACHMENT', 'DISORGANIZED_ATTACHMENT',
        'YANDERE_OBSESSIVE', 'BORDERLINE_PD', 'NARCISSISTIC_PD', 'CODEPENDENCY')),

    -- Tunables
    base_intensity        REAL NOT NULL CHECK (base_intensity BETWEEN 0 AND 1),
    volatility            REAL NOT NULL CHECK (volatility BETWEEN 0 AND 1),
    escalation_rate       REAL NOT NULL CHECK (escalation_rate BETWEEN 0 AND 1),
    de_escalation_rate    REAL NOT NULL CHECK (de_escalation_rate BETWEEN 0 AND 1),
    threshold_for_display REAL NOT NULL CHECK (threshold_for_display BETWEEN 0 AND 1),

    -- State
    current_intensity     REAL NOT NULL CHECK (current_intensity BETWEEN 0 AND 1),
    current_phase         INTEGER NOT NULL CHECK (current_phase BETWEEN 1 AND 8),
    phase_history         TEXT NOT NULL DEFAULT '[]',
    trigger_count         INTEGER NOT NULL DEFAULT 0,
    last_trigger_key      TEXT NOT NULL DEFAULT '',

    -- Concurrency + timestamps (unix nanoseconds)
    version               INTEGER NOT NULL DEFAULT 1,
    created_at            INTEGER NOT NULL,
    last_updated          INTEGER NOT NULL,

    UNIQUE (agent_id, behavior_type)
);

CREATE INDEX idx_profiles_agent ON behavior_profiles(agent_id);
`,
	},
	{
		Version:     2,
		Description: "behavior_trigger_log: append-only trigger audit trail",
		SQL: `
CREATE TABLE behavior_trigger_log (
    seq                 INTEGER PRIMARY KEY,
    id                  TEXT NOT NULL UNIQUE,
    profile_id          TEXT NOT NULL,
    agent_id            TEXT NOT NULL,
    behavior_type       TEXT NOT NULL,
    trigger_type        TEXT NOT NULL CHECK (trigger_type IN ('escalating', 'reassuring', 'neutral')),
    weight              REAL NOT NULL,
    detected_text       TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,
    resulting_intensity REAL NOT NULL,

    FOREIGN KEY (profile_id) REFERENCES behavior_profiles(id) ON DELETE CASCADE
);

CREATE INDEX idx_trigger_log_profile ON behavior_trigger_log(profile_id, created_at);
CREATE INDEX idx_trigger_log_agent   ON behavior_trigger_log(agent_id, behavior_type, created_at);
`,
	},
	{
		Version:     3,
		Description: "behavior_progression_states: per-agent aggregate cache",
		SQL: `
CREATE TABLE behavior_progression_states (
    agent_id            TEXT PRIMARY KEY,
    current_intensities TEXT NOT NULL DEFAULT '{}',
    updated_at          INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "behavior_profiles: every trigger key applied on the last tick",
		SQL: `
ALTER TABLE behavior_profiles ADD COLUMN applied_keys TEXT NOT NULL DEFAULT '[]';
UPDATE behavior_profiles SET applied_keys = json_array(last_trigger_key) WHERE last_trigger_key != '';
ALTER TABLE behavior_profiles DROP COLUMN last_trigger_key;
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
