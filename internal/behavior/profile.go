package behavior

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewProfile seeds an unpersisted profile at its base intensity with one
// open phase entry starting at now.
func NewProfile(agentID string, t Type, params Params, now time.Time) *Profile {
	intensity := Clamp(params.BaseIntensity)
	phase := PhaseFor(intensity)
	return &Profile{
		ID:               uuid.NewString(),
		AgentID:          agentID,
		BehaviorType:     t,
		Params:           params,
		CurrentIntensity: intensity,
		CurrentPhase:     phase,
		PhaseHistory: []PhaseEntry{{
			Phase:     phase,
			StartedAt: now,
		}},
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// OpenPhase returns the current open phase entry, or nil if the history is empty.
func (p *Profile) OpenPhase() *PhaseEntry {
	if len(p.PhaseHistory) == 0 {
		return nil
	}
	return &p.PhaseHistory[len(p.PhaseHistory)-1]
}

// HistoryQuery bounds a trigger log read. A zero Since returns from the
// beginning; entries strictly after Since are returned otherwise. When
// AfterSeq is set, entries at exactly Since with a larger Seq are returned
// too, so a page boundary inside one tick loses nothing. Limit <= 0 means
// unbounded.
type HistoryQuery struct {
	Since    time.Time
	AfterSeq int64
	Limit    int
}

// After returns q resumed after e.
func (q HistoryQuery) After(e TriggerLogEntry) HistoryQuery {
	q.Since = e.CreatedAt
	q.AfterSeq = e.Seq
	return q
}

// SinceParam renders Since and AfterSeq in the form ParseSince accepts.
// It returns "" for a zero Since.
func (q HistoryQuery) SinceParam() string {
	if q.Since.IsZero() {
		return ""
	}
	s := q.Since.UTC().Format(time.RFC3339Nano)
	if q.AfterSeq > 0 {
		s += "," + strconv.FormatInt(q.AfterSeq, 10)
	}
	return s
}

// ParseSince parses a history cursor: an RFC 3339 time, optionally followed
// by ",<seq>" as produced by TriggerLogEntry.Cursor.
func ParseSince(s string) (time.Time, int64, error) {
	ts, seqStr, hasSeq := strings.Cut(s, ",")
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: since: %v", ErrInvalidArgument, err)
	}
	if !hasSeq {
		return at, 0, nil
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq < 0 {
		return time.Time{}, 0, fmt.Errorf("%w: since: bad sequence %q", ErrInvalidArgument, seqStr)
	}
	return at, seq, nil
}

// TriggerStat aggregates logged triggers of one type.
type TriggerStat struct {
	TriggerType TriggerType `json:"type"`
	Count       int         `json:"count"`
	AvgWeight   float64     `json:"avg_weight"`
}

// AggregateFunc rebuilds an agent's progression state from all of its
// profiles. Stores call it inside the trigger commit transaction.
type AggregateFunc func(agentID string, profiles []Profile, now time.Time) ProgressionState
