package behavior

import (
	"errors"
	"testing"
	"time"
)

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		intensity float64
		want      int
	}{
		{0, 1},
		{0.05, 1},
		{0.1, 2},
		{0.55, 6},
		{0.69, 7},
		{0.75, 8},
		{0.9, 8},
		{1, 8},
		{-0.5, 1},
		{1.5, 8},
	}
	for _, tt := range tests {
		if got := PhaseFor(tt.intensity); got != tt.want {
			t.Errorf("PhaseFor(%v) = %d, want %d", tt.intensity, got, tt.want)
		}
	}
}

func TestSnapshotPhase(t *testing.T) {
	tests := []struct {
		intensity float64
		want      int
	}{
		{0, 1},
		{0.1, 1},
		{0.5, 4},
		{0.55, 5},
		{1, 8},
	}
	for _, tt := range tests {
		if got := SnapshotPhase(tt.intensity); got != tt.want {
			t.Errorf("SnapshotPhase(%v) = %d, want %d", tt.intensity, got, tt.want)
		}
	}
}

func TestDeriveSafetyLevel(t *testing.T) {
	tests := []struct {
		intensity float64
		want      SafetyLevel
	}{
		{0.85, SafetyExtremeDanger},
		{0.8, SafetyExtremeDanger},
		{0.6, SafetyCritical},
		{0.55, SafetyWarning},
		{0.4, SafetyWarning},
		{0.1, SafetySafe},
		{0, SafetySafe},
	}
	for _, tt := range tests {
		if got := DeriveSafetyLevel(tt.intensity); got != tt.want {
			t.Errorf("DeriveSafetyLevel(%v) = %s, want %s", tt.intensity, got, tt.want)
		}
	}
}

func TestSafetyFlags(t *testing.T) {
	if flags := SafetyFlags(YandereObsessive, 5); len(flags) != 0 {
		t.Errorf("yandere phase 5 flags = %v, want none", flags)
	}
	if flags := SafetyFlags(YandereObsessive, 7); len(flags) != 2 {
		t.Errorf("yandere phase 7 flags = %v, want 2", flags)
	}
	if flags := SafetyFlags(BorderlinePD, 1); len(flags) != 1 || flags[0] != FlagUnpredictableIntensity {
		t.Errorf("bpd flags = %v", flags)
	}
	if flags := SafetyFlags(NarcissisticPD, 3); len(flags) != 1 || flags[0] != FlagPotentialRageEpisodes {
		t.Errorf("npd flags = %v", flags)
	}
	if !RequiresConsent(YandereObsessive, 6) || RequiresConsent(YandereObsessive, 5) || RequiresConsent(Codependency, 8) {
		t.Error("RequiresConsent mismatch")
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}

	bad := DefaultParams()
	bad.Volatility = 1.2
	if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Validate(volatility=1.2) = %v, want ErrInvalidArgument", err)
	}

	bad = DefaultParams()
	bad.DeEscalationRate = -0.01
	if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Validate(de_escalation=-0.01) = %v, want ErrInvalidArgument", err)
	}
}

func TestParseType(t *testing.T) {
	bt, err := ParseType("yandere_obsessive")
	if err != nil {
		t.Fatalf("ParseType: %v", err)
	}
	if bt != YandereObsessive {
		t.Errorf("ParseType = %s, want %s", bt, YandereObsessive)
	}
	if _, err := ParseType("jealousy-ish"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseType(unknown) = %v, want ErrInvalidArgument", err)
	}
	if _, err := ParseTriggerType("Reassuring"); err != nil {
		t.Errorf("ParseTriggerType: %v", err)
	}
}

func TestProfileCloneIsDeep(t *testing.T) {
	p := &Profile{
		PhaseHistory: []PhaseEntry{{Phase: 1, TriggerIDs: []string{"a"}}},
		AppliedKeys:  make([]string, 1, 4),
	}
	p.AppliedKeys[0] = "k1"
	c := p.Clone()
	c.PhaseHistory[0].TriggerIDs[0] = "b"
	c.PhaseHistory[0].Phase = 3
	if p.PhaseHistory[0].TriggerIDs[0] != "a" || p.PhaseHistory[0].Phase != 1 {
		t.Errorf("clone shares state with original: %+v", p.PhaseHistory[0])
	}
	c.AppliedKeys[0] = "k2"
	c.AppliedKeys = append(c.AppliedKeys, "k3")
	if p.AppliedKeys[0] != "k1" || p.AppliedKeys[:2][1] != "" {
		t.Errorf("clone shares applied keys with original: %q", p.AppliedKeys[:2])
	}
}

func TestHistoryCursor(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	e := TriggerLogEntry{CreatedAt: at, Seq: 42}

	since, seq, err := ParseSince(e.Cursor())
	if err != nil {
		t.Fatalf("ParseSince(%q): %v", e.Cursor(), err)
	}
	if !since.Equal(at) || seq != 42 {
		t.Errorf("ParseSince(%q) = %v, %d", e.Cursor(), since, seq)
	}

	q := HistoryQuery{Limit: 5}.After(e)
	if q.SinceParam() != e.Cursor() || q.Limit != 5 {
		t.Errorf("After(e) = %+v, SinceParam %q", q, q.SinceParam())
	}
	if got := (HistoryQuery{Since: at}).SinceParam(); got != "2026-03-01T09:30:00.123456789Z" {
		t.Errorf("SinceParam without seq = %q", got)
	}
	if got := (HistoryQuery{}).SinceParam(); got != "" {
		t.Errorf("SinceParam of zero query = %q", got)
	}

	if _, seq, err := ParseSince("2026-03-01T09:30:00Z"); err != nil || seq != 0 {
		t.Errorf("plain time: seq %d, err %v", seq, err)
	}
	for _, bad := range []string{"yesterday", "2026-03-01T09:30:00Z,", "2026-03-01T09:30:00Z,x", "2026-03-01T09:30:00Z,-1"} {
		if _, _, err := ParseSince(bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParseSince(%q) err = %v, want ErrInvalidArgument", bad, err)
		}
	}
}
