package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/lazypower/intensity/internal/behavior"
	"github.com/lazypower/intensity/internal/engine"
	"github.com/lazypower/intensity/internal/progression"
)

var jsonOut bool

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

func levelColor(l behavior.SafetyLevel) *color.Color {
	switch l {
	case behavior.SafetyExtremeDanger:
		return color.New(color.FgRed, color.Bold)
	case behavior.SafetyCritical:
		return color.New(color.FgRed)
	case behavior.SafetyWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

// bar draws intensity as a fixed-width gauge.
func bar(intensity float64) string {
	const width = 20
	n := int(behavior.Clamp(intensity)*width + 0.5)
	return strings.Repeat("█", n) + strings.Repeat("·", width-n)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, r engine.Result) {
	lvl := levelColor(r.SafetyLevel)
	fmt.Fprintf(w, "%s/%s  %.3f  %s  phase %d", r.AgentID, r.BehaviorType, r.Intensity, bar(r.Intensity), r.Phase)
	if r.Phase != r.PreviousPhase {
		fmt.Fprintf(w, " (was %d)", r.PreviousPhase)
	}
	fmt.Fprintf(w, "  %s\n", lvl.Sprint(r.SafetyLevel))
}

func printState(w io.Writer, s behavior.ProgressionState) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "## %s\n", s.AgentID)
	if len(s.CurrentIntensities) == 0 {
		fmt.Fprintln(w, "No tracked behaviors.")
		return
	}
	types := make([]behavior.Type, 0, len(s.CurrentIntensities))
	for t := range s.CurrentIntensities {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		v := s.CurrentIntensities[t]
		lvl := behavior.DeriveSafetyLevel(v)
		fmt.Fprintf(w, "  %-24s %.3f  %s  %s\n", t, v, bar(v), levelColor(lvl).Sprint(lvl))
	}
	fmt.Fprintf(w, "updated %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func printSnapshot(w io.Writer, s behavior.SafetySnapshot) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "## %s  ", s.AgentID)
	levelColor(s.SafetyLevel).Fprintf(w, "%s", s.SafetyLevel)
	fmt.Fprintf(w, "  phase %d\n", s.Phase)
	if len(s.ActiveBehaviors) == 0 {
		fmt.Fprintln(w, "No active behaviors.")
		return
	}
	for _, ab := range s.ActiveBehaviors {
		fmt.Fprintf(w, "  %-24s %.3f  phase %d  %s", ab.BehaviorType, ab.Intensity, ab.Phase, levelColor(ab.SafetyLevel).Sprint(ab.SafetyLevel))
		if len(ab.Flags) > 0 {
			fmt.Fprintf(w, "  [%s]", strings.Join(ab.Flags, ", "))
		}
		if ab.RequiresConsent {
			color.New(color.FgMagenta).Fprint(w, "  consent required")
		}
		fmt.Fprintln(w)
	}
}

func printProfile(w io.Writer, p *behavior.Profile) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%s/%s\n", p.AgentID, p.BehaviorType)
	lvl := behavior.DeriveSafetyLevel(p.CurrentIntensity)
	fmt.Fprintf(w, "  intensity  %.3f  %s  %s\n", p.CurrentIntensity, bar(p.CurrentIntensity), levelColor(lvl).Sprint(lvl))
	fmt.Fprintf(w, "  phase      %d  (%d phase entries)\n", p.CurrentPhase, len(p.PhaseHistory))
	fmt.Fprintf(w, "  triggers   %d\n", p.TriggerCount)
	fmt.Fprintf(w, "  params     base %.2f  volatility %.2f  escalation %.2f  de-escalation %.2f  threshold %.2f\n",
		p.BaseIntensity, p.Volatility, p.EscalationRate, p.DeEscalationRate, p.ThresholdForDisplay)
}

func printHistory(w io.Writer, entries []behavior.TriggerLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No triggers recorded.")
		return
	}
	for _, e := range entries {
		text := e.DetectedText
		if len(text) > 60 {
			text = text[:60] + "..."
		}
		fmt.Fprintf(w, "%s  %-10s %+6.2f  -> %.3f  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.TriggerType, e.Weight, e.ResultingIntensity, text)
	}
}

func printCurve(w io.Writer, points []engine.CurvePoint) {
	for _, p := range points {
		fmt.Fprintf(w, "%s  %.3f  %s  phase %d\n", p.At.Format("2006-01-02 15:04:05"), p.Intensity, bar(p.Intensity), p.Phase)
	}
}

func printSummary(w io.Writer, s progression.Summary) {
	bold := color.New(color.Bold)
	bold.Fprintln(w, "## Behavior analytics")
	fmt.Fprintf(w, "agents %d  behaviors %d  triggers %d\n\n", s.TotalAgents, s.TotalBehaviors, s.TotalTriggers)

	for _, lvl := range behavior.SafetyLevels() {
		fmt.Fprintf(w, "  %s %d\n", levelColor(lvl).Sprintf("%-15s", lvl), s.SafetyLevelStats[lvl])
	}
	if len(s.TopTriggers) > 0 {
		fmt.Fprintln(w)
		for _, t := range s.TopTriggers {
			fmt.Fprintf(w, "  %-10s %5d  avg weight %+.2f\n", t.TriggerType, t.Count, t.AvgWeight)
		}
	}
	if len(s.Agents) > 0 {
		fmt.Fprintln(w)
		for _, a := range s.Agents {
			fmt.Fprintf(w, "  %-20s %-24s %.3f  %s\n", a.AgentID, a.Dominant, a.HighestIntensity, levelColor(a.SafetyLevel).Sprint(a.SafetyLevel))
		}
	}
}
