package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

func appendEntry(ctx context.Context, q queryer, e behavior.TriggerLogEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO behavior_trigger_log (id, profile_id, agent_id, behavior_type, trigger_type,
			weight, detected_text, created_at, resulting_intensity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProfileID, e.AgentID, string(e.BehaviorType), string(e.TriggerType),
		e.Weight, e.DetectedText, e.CreatedAt.UnixNano(), e.ResultingIntensity)
	if err != nil {
		return fmt.Errorf("append trigger log: %w", err)
	}
	return nil
}

// QueryByBehavior returns the trigger log of one behavior, oldest first.
// Entries are ordered by (created_at, seq), which is also the cursor order.
func (db *DB) QueryByBehavior(ctx context.Context, agentID string, t behavior.Type, q behavior.HistoryQuery) ([]behavior.TriggerLogEntry, error) {
	query := `
		SELECT id, profile_id, agent_id, behavior_type, trigger_type,
			weight, detected_text, created_at, resulting_intensity, seq
		FROM behavior_trigger_log
		WHERE agent_id = ? AND behavior_type = ?`
	args := []any{agentID, string(t)}
	switch {
	case q.Since.IsZero():
	case q.AfterSeq > 0:
		since := q.Since.UnixNano()
		query += ` AND (created_at > ? OR (created_at = ? AND seq > ?))`
		args = append(args, since, since, q.AfterSeq)
	default:
		query += ` AND created_at > ?`
		args = append(args, q.Since.UnixNano())
	}
	query += ` ORDER BY created_at, seq`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trigger log: %w", err)
	}
	defer rows.Close()

	entries := []behavior.TriggerLogEntry{}
	for rows.Next() {
		var e behavior.TriggerLogEntry
		var bt, tt string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.AgentID, &bt, &tt,
			&e.Weight, &e.DetectedText, &createdAt, &e.ResultingIntensity, &e.Seq); err != nil {
			return nil, fmt.Errorf("scan trigger log: %w", err)
		}
		e.BehaviorType = behavior.Type(bt)
		e.TriggerType = behavior.TriggerType(tt)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TriggerStats counts logged triggers per trigger type across all agents.
func (db *DB) TriggerStats(ctx context.Context) ([]behavior.TriggerStat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT trigger_type, COUNT(*), AVG(weight)
		FROM behavior_trigger_log
		GROUP BY trigger_type
		ORDER BY COUNT(*) DESC, trigger_type
	`)
	if err != nil {
		return nil, fmt.Errorf("trigger stats: %w", err)
	}
	defer rows.Close()

	var stats []behavior.TriggerStat
	for rows.Next() {
		var s behavior.TriggerStat
		var tt string
		if err := rows.Scan(&tt, &s.Count, &s.AvgWeight); err != nil {
			return nil, fmt.Errorf("scan trigger stat: %w", err)
		}
		s.TriggerType = behavior.TriggerType(tt)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
