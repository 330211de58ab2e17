package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lazypower/intensity/internal/behavior"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testAggregate(agentID string, profiles []behavior.Profile, now time.Time) behavior.ProgressionState {
	state := behavior.ProgressionState{AgentID: agentID, CurrentIntensities: map[behavior.Type]float64{}, UpdatedAt: now}
	for _, p := range profiles {
		if p.Tracked() {
			state.CurrentIntensities[p.BehaviorType] = p.CurrentIntensity
		}
	}
	return state
}

func TestGetProfileNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetProfile(context.Background(), "nobody", behavior.Codependency)
	if !errors.Is(err, behavior.ErrNotFound) {
		t.Errorf("GetProfile err = %v, want ErrNotFound", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, err := db.GetOrCreate(ctx, "a1", behavior.AnxiousAttachment, behavior.DefaultParams(), t0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("Version = %d, want 1", p.Version)
	}
	if p.CurrentIntensity != 0.2 || p.CurrentPhase != 3 {
		t.Errorf("seeded state = (%v, %d), want (0.2, 3)", p.CurrentIntensity, p.CurrentPhase)
	}
	if len(p.PhaseHistory) != 1 || p.PhaseHistory[0].EndedAt != nil {
		t.Errorf("PhaseHistory = %+v, want one open entry", p.PhaseHistory)
	}
	if !p.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", p.CreatedAt, t0)
	}

	// Different defaults on the second call are ignored.
	other := behavior.DefaultParams()
	other.BaseIntensity = 0.9
	again, err := db.GetOrCreate(ctx, "a1", behavior.AnxiousAttachment, other, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if diff := cmp.Diff(p, again); diff != "" {
		t.Errorf("second GetOrCreate mismatch (-want +got):\n%s", diff)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := db.GetOrCreate(ctx, "a1", behavior.YandereObsessive, behavior.DefaultParams(), t0)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent GetOrCreate returned ids %v, want a single profile", ids)
		}
	}
	profiles, err := db.ListProfiles(ctx, "a1")
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(profiles) != 1 {
		t.Errorf("len(profiles) = %d, want 1", len(profiles))
	}
}

func TestGetOrCreateRejectsInvalidDefaults(t *testing.T) {
	db := openTestDB(t)

	bad := behavior.DefaultParams()
	bad.Volatility = 2
	_, err := db.GetOrCreate(context.Background(), "a1", behavior.BorderlinePD, bad, t0)
	if !errors.Is(err, behavior.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestCommitVersionConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, err := db.GetOrCreate(ctx, "a1", behavior.BorderlinePD, behavior.DefaultParams(), t0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	stale := p.Clone()

	p.CurrentIntensity = 0.45
	p.CurrentPhase = 5
	if _, err := db.Commit(ctx, p, testAggregate); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if p.Version != 2 {
		t.Errorf("Version after commit = %d, want 2", p.Version)
	}

	stale.CurrentIntensity = 0.1
	stale.CurrentPhase = 2
	if _, err := db.Commit(ctx, stale, testAggregate); !errors.Is(err, behavior.ErrVersionConflict) {
		t.Fatalf("stale Commit err = %v, want ErrVersionConflict", err)
	}

	got, err := db.GetProfile(ctx, "a1", behavior.BorderlinePD)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.CurrentIntensity != 0.45 {
		t.Errorf("CurrentIntensity = %v, want 0.45 (winner's write)", got.CurrentIntensity)
	}
}

func TestCommitTrigger(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p := behavior.NewProfile("a1", behavior.Codependency, behavior.DefaultParams(), t0)
	p.CurrentIntensity = 0.25
	p.TriggerCount = 1
	p.AppliedKeys = []string{"escalating|1|please don't go", "neutral|0|ok"}
	entry := behavior.TriggerLogEntry{
		ID:                 "trig-1",
		ProfileID:          p.ID,
		AgentID:            "a1",
		BehaviorType:       behavior.Codependency,
		TriggerType:        behavior.TriggerEscalating,
		Weight:             1,
		DetectedText:       "please don't go",
		CreatedAt:          t0,
		ResultingIntensity: 0.25,
	}

	state, err := db.CommitTrigger(ctx, p, entry, testAggregate)
	if err != nil {
		t.Fatalf("CommitTrigger: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("Version = %d, want 1 after insert", p.Version)
	}
	if got := state.CurrentIntensities[behavior.Codependency]; got != 0.25 {
		t.Errorf("aggregate intensity = %v, want 0.25", got)
	}

	stored, err := db.GetProgression(ctx, "a1")
	if err != nil {
		t.Fatalf("GetProgression: %v", err)
	}
	if diff := cmp.Diff(state, stored); diff != "" {
		t.Errorf("stored progression mismatch (-want +got):\n%s", diff)
	}

	log, err := db.QueryByBehavior(ctx, "a1", behavior.Codependency, behavior.HistoryQuery{})
	if err != nil {
		t.Fatalf("QueryByBehavior: %v", err)
	}
	want := entry
	want.Seq = 1
	if diff := cmp.Diff([]behavior.TriggerLogEntry{want}, log); diff != "" {
		t.Errorf("trigger log mismatch (-want +got):\n%s", diff)
	}

	got, err := db.GetProfile(ctx, "a1", behavior.Codependency)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if diff := cmp.Diff(p.AppliedKeys, got.AppliedKeys); diff != "" {
		t.Errorf("applied keys mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitTriggerRollsBackOnConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, err := db.GetOrCreate(ctx, "a1", behavior.Codependency, behavior.DefaultParams(), t0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	winner := p.Clone()
	winner.CurrentIntensity = 0.3
	if _, err := db.Commit(ctx, winner, testAggregate); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	p.CurrentIntensity = 0.9
	entry := behavior.TriggerLogEntry{
		ID: "trig-1", ProfileID: p.ID, AgentID: "a1", BehaviorType: behavior.Codependency,
		TriggerType: behavior.TriggerEscalating, Weight: 1, CreatedAt: t0, ResultingIntensity: 0.9,
	}
	_, err = db.CommitTrigger(ctx, p, entry, testAggregate)
	if !errors.Is(err, behavior.ErrVersionConflict) {
		t.Fatalf("CommitTrigger err = %v, want ErrVersionConflict", err)
	}
	if p.Version != 1 {
		t.Errorf("Version = %d, want unchanged 1", p.Version)
	}

	log, err := db.QueryByBehavior(ctx, "a1", behavior.Codependency, behavior.HistoryQuery{})
	if err != nil {
		t.Fatalf("QueryByBehavior: %v", err)
	}
	if len(log) != 0 {
		t.Errorf("len(log) = %d, want 0 after rollback", len(log))
	}
	state, err := db.GetProgression(ctx, "a1")
	if err != nil {
		t.Fatalf("GetProgression: %v", err)
	}
	if got := state.CurrentIntensities[behavior.Codependency]; got != 0.3 {
		t.Errorf("aggregate intensity = %v, want winner's 0.3", got)
	}
}

func TestCommitTriggerInsertRace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetOrCreate(ctx, "a1", behavior.Codependency, behavior.DefaultParams(), t0); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	// A second in-memory profile for the same key loses on insert.
	p := behavior.NewProfile("a1", behavior.Codependency, behavior.DefaultParams(), t0)
	entry := behavior.TriggerLogEntry{
		ID: "trig-1", ProfileID: p.ID, AgentID: "a1", BehaviorType: behavior.Codependency,
		TriggerType: behavior.TriggerNeutral, CreatedAt: t0, ResultingIntensity: 0.2,
	}
	if _, err := db.CommitTrigger(ctx, p, entry, testAggregate); !errors.Is(err, behavior.ErrVersionConflict) {
		t.Errorf("CommitTrigger err = %v, want ErrVersionConflict", err)
	}
}

func TestUpdateParameters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpdateParameters(ctx, "a1", behavior.NarcissisticPD, behavior.DefaultParams()); !errors.Is(err, behavior.ErrNotFound) {
		t.Errorf("missing profile err = %v, want ErrNotFound", err)
	}

	p, err := db.GetOrCreate(ctx, "a1", behavior.NarcissisticPD, behavior.DefaultParams(), t0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	params := behavior.Params{BaseIntensity: 0.1, Volatility: 0.9, EscalationRate: 0.2, DeEscalationRate: 0.3, ThresholdForDisplay: 0.5}
	got, err := db.UpdateParameters(ctx, "a1", behavior.NarcissisticPD, params)
	if err != nil {
		t.Fatalf("UpdateParameters: %v", err)
	}
	if got.Params != params {
		t.Errorf("Params = %+v, want %+v", got.Params, params)
	}
	if got.Version != p.Version+1 {
		t.Errorf("Version = %d, want %d", got.Version, p.Version+1)
	}
	if got.CurrentIntensity != p.CurrentIntensity {
		t.Errorf("CurrentIntensity changed to %v", got.CurrentIntensity)
	}

	bad := params
	bad.DeEscalationRate = -1
	if _, err := db.UpdateParameters(ctx, "a1", behavior.NarcissisticPD, bad); !errors.Is(err, behavior.ErrInvalidArgument) {
		t.Errorf("invalid params err = %v, want ErrInvalidArgument", err)
	}
}

func TestDeleteProfile(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, err := db.GetOrCreate(ctx, "a1", behavior.Codependency, behavior.DefaultParams(), t0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	p.CurrentIntensity = 0.3
	entry := behavior.TriggerLogEntry{
		ID: "trig-1", ProfileID: p.ID, AgentID: "a1", BehaviorType: behavior.Codependency,
		TriggerType: behavior.TriggerEscalating, Weight: 2, CreatedAt: t0, ResultingIntensity: 0.3,
	}
	if _, err := db.CommitTrigger(ctx, p, entry, testAggregate); err != nil {
		t.Fatalf("CommitTrigger: %v", err)
	}

	if err := db.Delete(ctx, "a1", behavior.Codependency); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.GetProfile(ctx, "a1", behavior.Codependency); !errors.Is(err, behavior.ErrNotFound) {
		t.Errorf("GetProfile after delete err = %v, want ErrNotFound", err)
	}
	log, err := db.QueryByBehavior(ctx, "a1", behavior.Codependency, behavior.HistoryQuery{})
	if err != nil {
		t.Fatalf("QueryByBehavior: %v", err)
	}
	if len(log) != 0 {
		t.Errorf("len(log) = %d, want 0", len(log))
	}
	if err := db.Delete(ctx, "a1", behavior.Codependency); !errors.Is(err, behavior.ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestListAllProfilesOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, k := range []struct {
		agent string
		bt    behavior.Type
	}{
		{"b", behavior.Codependency},
		{"a", behavior.YandereObsessive},
		{"a", behavior.AnxiousAttachment},
	} {
		if _, err := db.GetOrCreate(ctx, k.agent, k.bt, behavior.DefaultParams(), t0); err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}

	all, err := db.ListAllProfiles(ctx)
	if err != nil {
		t.Fatalf("ListAllProfiles: %v", err)
	}
	var got []string
	for _, p := range all {
		got = append(got, p.AgentID+"/"+string(p.BehaviorType))
	}
	want := []string{"a/ANXIOUS_ATTACHMENT", "a/YANDERE_OBSESSIVE", "b/CODEPENDENCY"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListAllProfiles order (-want +got):\n%s", diff)
	}
}
