package pgstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

// Timestamps are unix nanoseconds, matching the SQLite store. Postgres
// timestamps stop at microseconds, which would break same-tick stale checks.

type profileModel struct {
	ID                  string `gorm:"primaryKey"`
	AgentID             string `gorm:"not null;uniqueIndex:idx_profiles_agent_behavior,priority:1"`
	BehaviorType        string `gorm:"not null;uniqueIndex:idx_profiles_agent_behavior,priority:2"`
	BaseIntensity       float64
	Volatility          float64
	EscalationRate      float64
	DeEscalationRate    float64 `gorm:"column:de_escalation_rate"`
	ThresholdForDisplay float64
	CurrentIntensity    float64
	CurrentPhase        int
	TriggerCount        int

	// JSONB. AppliedKeys holds the trigger fingerprints applied at LastUpdated.
	PhaseHistory json.RawMessage `gorm:"type:jsonb;not null"`
	AppliedKeys  json.RawMessage `gorm:"type:jsonb;not null;default:'[]'"`

	Version     int64 `gorm:"not null;default:1"`
	CreatedAt   int64 `gorm:"autoCreateTime:false"`
	LastUpdated int64
}

func (profileModel) TableName() string {
	return "behavior_profiles"
}

type triggerModel struct {
	Seq                int64  `gorm:"primaryKey;autoIncrement"`
	EntryID            string `gorm:"column:entry_id;uniqueIndex;not null"`
	ProfileID          string `gorm:"index;not null"`
	AgentID            string `gorm:"index:idx_trigger_log_agent,priority:1;not null"`
	BehaviorType       string `gorm:"index:idx_trigger_log_agent,priority:2;not null"`
	TriggerType        string `gorm:"not null"`
	Weight             float64
	DetectedText       string
	CreatedAt          int64 `gorm:"index:idx_trigger_log_agent,priority:3;autoCreateTime:false"`
	ResultingIntensity float64
}

func (triggerModel) TableName() string {
	return "behavior_trigger_log"
}

type progressionModel struct {
	AgentID            string          `gorm:"primaryKey"`
	CurrentIntensities json.RawMessage `gorm:"type:jsonb;not null"`
	UpdatedAt          int64           `gorm:"autoUpdateTime:false"`
}

func (progressionModel) TableName() string {
	return "behavior_progression_states"
}

func profileToModel(p *behavior.Profile) (profileModel, error) {
	history, err := json.Marshal(p.PhaseHistory)
	if err != nil {
		return profileModel{}, fmt.Errorf("encode phase history: %w", err)
	}
	applied := p.AppliedKeys
	if applied == nil {
		applied = []string{}
	}
	keys, err := json.Marshal(applied)
	if err != nil {
		return profileModel{}, fmt.Errorf("encode applied keys: %w", err)
	}
	return profileModel{
		ID:                  p.ID,
		AgentID:             p.AgentID,
		BehaviorType:        string(p.BehaviorType),
		BaseIntensity:       p.BaseIntensity,
		Volatility:          p.Volatility,
		EscalationRate:      p.EscalationRate,
		DeEscalationRate:    p.DeEscalationRate,
		ThresholdForDisplay: p.ThresholdForDisplay,
		CurrentIntensity:    p.CurrentIntensity,
		CurrentPhase:        p.CurrentPhase,
		PhaseHistory:        history,
		TriggerCount:        p.TriggerCount,
		AppliedKeys:         keys,
		Version:             p.Version,
		CreatedAt:           p.CreatedAt.UnixNano(),
		LastUpdated:         p.LastUpdated.UnixNano(),
	}, nil
}

func profileFromModel(m profileModel) (behavior.Profile, error) {
	p := behavior.Profile{
		ID:           m.ID,
		AgentID:      m.AgentID,
		BehaviorType: behavior.Type(m.BehaviorType),
		Params: behavior.Params{
			BaseIntensity:       m.BaseIntensity,
			Volatility:          m.Volatility,
			EscalationRate:      m.EscalationRate,
			DeEscalationRate:    m.DeEscalationRate,
			ThresholdForDisplay: m.ThresholdForDisplay,
		},
		CurrentIntensity: m.CurrentIntensity,
		CurrentPhase:     m.CurrentPhase,
		TriggerCount:     m.TriggerCount,
		Version:          m.Version,
		CreatedAt:        time.Unix(0, m.CreatedAt).UTC(),
		LastUpdated:      time.Unix(0, m.LastUpdated).UTC(),
	}
	if err := json.Unmarshal(m.PhaseHistory, &p.PhaseHistory); err != nil {
		return behavior.Profile{}, fmt.Errorf("decode phase history for %s: %w", m.ID, err)
	}
	if len(m.AppliedKeys) > 0 {
		if err := json.Unmarshal(m.AppliedKeys, &p.AppliedKeys); err != nil {
			return behavior.Profile{}, fmt.Errorf("decode applied keys for %s: %w", m.ID, err)
		}
	}
	return p, nil
}

func triggerToModel(e behavior.TriggerLogEntry) triggerModel {
	return triggerModel{
		EntryID:            e.ID,
		ProfileID:          e.ProfileID,
		AgentID:            e.AgentID,
		BehaviorType:       string(e.BehaviorType),
		TriggerType:        string(e.TriggerType),
		Weight:             e.Weight,
		DetectedText:       e.DetectedText,
		CreatedAt:          e.CreatedAt.UnixNano(),
		ResultingIntensity: e.ResultingIntensity,
	}
}

func triggerFromModel(m triggerModel) behavior.TriggerLogEntry {
	return behavior.TriggerLogEntry{
		ID:                 m.EntryID,
		ProfileID:          m.ProfileID,
		AgentID:            m.AgentID,
		BehaviorType:       behavior.Type(m.BehaviorType),
		TriggerType:        behavior.TriggerType(m.TriggerType),
		Weight:             m.Weight,
		DetectedText:       m.DetectedText,
		CreatedAt:          time.Unix(0, m.CreatedAt).UTC(),
		ResultingIntensity: m.ResultingIntensity,
		Seq:                m.Seq,
	}
}
