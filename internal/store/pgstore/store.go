// Package pgstore is the PostgreSQL profile store, for deployments that share
// one database across several intensity servers.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lazypower/intensity/internal/behavior"
)

// Store holds the gorm pool.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres, verifies the connection and migrates the schema.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&profileModel{}, &triggerModel{}, &progressionModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("postgres store ready")
	return &Store{db: db, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PingContext checks the connection, for health reporting.
func (s *Store) PingContext(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(agentID string, t behavior.Type) error {
	return fmt.Errorf("%w: profile %s/%s", behavior.ErrNotFound, agentID, t)
}

// GetProfile returns the profile for (agentID, behaviorType) or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	return getProfile(s.db.WithContext(ctx), agentID, t)
}

func getProfile(db *gorm.DB, agentID string, t behavior.Type) (*behavior.Profile, error) {
	var m profileModel
	err := db.Where("agent_id = ? AND behavior_type = ?", agentID, string(t)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(agentID, t)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p, err := profileFromModel(m)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrCreate returns the existing profile or creates one seeded with defaults.
func (s *Store) GetOrCreate(ctx context.Context, agentID string, t behavior.Type, defaults behavior.Params, now time.Time) (*behavior.Profile, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	fresh := behavior.NewProfile(agentID, t, defaults, now)
	fresh.Version = 1
	m, err := profileToModel(fresh)
	if err != nil {
		return nil, err
	}

	var out *behavior.Profile
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		p, err := getProfile(tx, agentID, t)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListProfiles returns every profile for an agent, ordered by behavior type.
func (s *Store) ListProfiles(ctx context.Context, agentID string) ([]behavior.Profile, error) {
	return listProfiles(s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("behavior_type"))
}

// ListAllProfiles returns every stored profile, ordered by agent then behavior.
func (s *Store) ListAllProfiles(ctx context.Context) ([]behavior.Profile, error) {
	return listProfiles(s.db.WithContext(ctx).Order("agent_id, behavior_type"))
}

func listProfiles(query *gorm.DB) ([]behavior.Profile, error) {
	var records []profileModel
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	profiles := make([]behavior.Profile, 0, len(records))
	for _, m := range records {
		p, err := profileFromModel(m)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// UpdateParameters replaces a profile's tunables and bumps its version.
func (s *Store) UpdateParameters(ctx context.Context, agentID string, t behavior.Type, params behavior.Params) (*behavior.Profile, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&profileModel{}).
		Where("agent_id = ? AND behavior_type = ?", agentID, string(t)).
		Updates(map[string]any{
			"base_intensity":        params.BaseIntensity,
			"volatility":            params.Volatility,
			"escalation_rate":       params.EscalationRate,
			"de_escalation_rate":    params.DeEscalationRate,
			"threshold_for_display": params.ThresholdForDisplay,
			"version":               gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update parameters: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notFound(agentID, t)
	}
	return s.GetProfile(ctx, agentID, t)
}

func saveProfile(db *gorm.DB, p *behavior.Profile) (int64, error) {
	m, err := profileToModel(p)
	if err != nil {
		return 0, err
	}
	if p.Version == 0 {
		m.Version = 1
		if err := db.Create(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return 0, fmt.Errorf("%w: profile %s/%s created concurrently", behavior.ErrVersionConflict, p.AgentID, p.BehaviorType)
			}
			return 0, fmt.Errorf("insert profile: %w", err)
		}
		return 1, nil
	}

	res := db.Model(&profileModel{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"current_intensity": m.CurrentIntensity,
			"current_phase":     m.CurrentPhase,
			"phase_history":     m.PhaseHistory,
			"trigger_count":     m.TriggerCount,
			"applied_keys":      m.AppliedKeys,
			"last_updated":      m.LastUpdated,
			"version":           gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("update profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: profile %s at version %d", behavior.ErrVersionConflict, p.ID, p.Version)
	}
	return p.Version + 1, nil
}

// CommitTrigger saves the profile, appends the log entry and rebuilds the
// agent's progression state in one transaction.
func (s *Store) CommitTrigger(ctx context.Context, p *behavior.Profile, entry behavior.TriggerLogEntry, aggregate behavior.AggregateFunc) (behavior.ProgressionState, error) {
	return s.commit(ctx, p, &entry, aggregate, entry.CreatedAt)
}

// Commit saves a profile mutated outside the trigger path and rebuilds the
// agent's progression state in one transaction.
func (s *Store) Commit(ctx context.Context, p *behavior.Profile, aggregate behavior.AggregateFunc) (behavior.ProgressionState, error) {
	return s.commit(ctx, p, nil, aggregate, p.LastUpdated)
}

func (s *Store) commit(ctx context.Context, p *behavior.Profile, entry *behavior.TriggerLogEntry, aggregate behavior.AggregateFunc, now time.Time) (behavior.ProgressionState, error) {
	var (
		next  int64
		state behavior.ProgressionState
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := saveProfile(tx, p)
		if err != nil {
			return err
		}
		if entry != nil {
			record := triggerToModel(*entry)
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("append trigger log: %w", err)
			}
		}
		profiles, err := listProfiles(tx.Where("agent_id = ?", p.AgentID).Order("behavior_type"))
		if err != nil {
			return err
		}
		state = aggregate(p.AgentID, profiles, now)
		if err := saveProgression(tx, state); err != nil {
			return err
		}
		next = v
		return nil
	})
	if err != nil {
		return behavior.ProgressionState{}, err
	}
	p.Version = next
	s.logger.Debug("profile committed",
		zap.String("agent", p.AgentID),
		zap.String("behavior", string(p.BehaviorType)),
		zap.Int64("version", next))
	return state, nil
}

// Delete removes a profile and its trigger log.
func (s *Store) Delete(ctx context.Context, agentID string, t behavior.Type) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ? AND behavior_type = ?", agentID, string(t)).
			Delete(&triggerModel{}).Error; err != nil {
			return fmt.Errorf("delete trigger log: %w", err)
		}
		res := tx.Where("agent_id = ? AND behavior_type = ?", agentID, string(t)).Delete(&profileModel{})
		if res.Error != nil {
			return fmt.Errorf("delete profile: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return notFound(agentID, t)
		}
		return nil
	})
}

// QueryByBehavior returns the trigger log of one behavior, oldest first.
func (s *Store) QueryByBehavior(ctx context.Context, agentID string, t behavior.Type, q behavior.HistoryQuery) ([]behavior.TriggerLogEntry, error) {
	query := s.db.WithContext(ctx).
		Where("agent_id = ? AND behavior_type = ?", agentID, string(t)).
		Order("created_at, seq")
	switch {
	case q.Since.IsZero():
	case q.AfterSeq > 0:
		since := q.Since.UnixNano()
		query = query.Where("(created_at > ? OR (created_at = ? AND seq > ?))", since, since, q.AfterSeq)
	default:
		query = query.Where("created_at > ?", q.Since.UnixNano())
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var records []triggerModel
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query trigger log: %w", err)
	}
	entries := make([]behavior.TriggerLogEntry, 0, len(records))
	for _, m := range records {
		entries = append(entries, triggerFromModel(m))
	}
	return entries, nil
}

// TriggerStats counts logged triggers per trigger type across all agents.
func (s *Store) TriggerStats(ctx context.Context) ([]behavior.TriggerStat, error) {
	var rows []struct {
		TriggerType string
		Count       int
		AvgWeight   float64
	}
	err := s.db.WithContext(ctx).Model(&triggerModel{}).
		Select("trigger_type, COUNT(*) AS count, AVG(weight) AS avg_weight").
		Group("trigger_type").
		Order("count DESC, trigger_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("trigger stats: %w", err)
	}
	stats := make([]behavior.TriggerStat, 0, len(rows))
	for _, r := range rows {
		stats = append(stats, behavior.TriggerStat{
			TriggerType: behavior.TriggerType(r.TriggerType),
			Count:       r.Count,
			AvgWeight:   r.AvgWeight,
		})
	}
	return stats, nil
}

// GetProgression returns the stored progression state for an agent.
func (s *Store) GetProgression(ctx context.Context, agentID string) (behavior.ProgressionState, error) {
	var m progressionModel
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return behavior.ProgressionState{}, fmt.Errorf("%w: no progression state for agent %s", behavior.ErrNotFound, agentID)
	}
	if err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("get progression: %w", err)
	}
	state := behavior.ProgressionState{
		AgentID:            m.AgentID,
		CurrentIntensities: make(map[behavior.Type]float64),
		UpdatedAt:          time.Unix(0, m.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal(m.CurrentIntensities, &state.CurrentIntensities); err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("decode progression for %s: %w", agentID, err)
	}
	return state, nil
}

// SaveProgression upserts an agent's progression state.
func (s *Store) SaveProgression(ctx context.Context, state behavior.ProgressionState) error {
	return saveProgression(s.db.WithContext(ctx), state)
}

func saveProgression(db *gorm.DB, state behavior.ProgressionState) error {
	intensities := state.CurrentIntensities
	if intensities == nil {
		intensities = map[behavior.Type]float64{}
	}
	raw, err := json.Marshal(intensities)
	if err != nil {
		return fmt.Errorf("encode progression: %w", err)
	}
	record := progressionModel{
		AgentID:            state.AgentID,
		CurrentIntensities: raw,
		UpdatedAt:          state.UpdatedAt.UnixNano(),
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_intensities", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("save progression: %w", err)
	}
	return nil
}

// DeleteProgression drops an agent's progression state if present.
func (s *Store) DeleteProgression(ctx context.Context, agentID string) error {
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&progressionModel{}).Error; err != nil {
		return fmt.Errorf("delete progression: %w", err)
	}
	return nil
}
