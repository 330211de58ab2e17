package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/intensity/internal/behavior"
)

const commandTimeout = 30 * time.Second

// withBackend opens the backend for one command run.
func withBackend(fn func(ctx context.Context, b backend) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	b, closeFn, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, b)
}

func agentBehaviorArgs(args []string) (string, behavior.Type, error) {
	t, err := behavior.ParseType(args[1])
	if err != nil {
		return "", "", err
	}
	return args[0], t, nil
}

// --- submit ---

var (
	submitWeight float64
	submitType   string
	submitText   string
	submitAt     string
)

var submitCmd = &cobra.Command{
	Use:   "submit <agent> <behavior>",
	Short: "Apply a trigger to an agent's behavior",
	Long: `Apply one classified trigger. The trigger type defaults from the sign of
the weight: escalating when positive, reassuring when negative.`,
	Example: "  intensity submit luna ANXIOUS_ATTACHMENT --weight 3 --text \"you didn't text back\"",
	Args:    cobra.ExactArgs(2),
	RunE:    runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	agentID, bt, err := agentBehaviorArgs(args)
	if err != nil {
		return err
	}

	tt := behavior.TriggerNeutral
	switch {
	case submitType != "":
		if tt, err = behavior.ParseTriggerType(submitType); err != nil {
			return err
		}
	case submitWeight > 0:
		tt = behavior.TriggerEscalating
	case submitWeight < 0:
		tt = behavior.TriggerReassuring
	}

	at := time.Now().UTC()
	if submitAt != "" {
		if at, err = time.Parse(time.RFC3339Nano, submitAt); err != nil {
			return fmt.Errorf("%w: --at: %v", behavior.ErrInvalidArgument, err)
		}
	}

	ev := behavior.TriggerEvent{
		AgentID:      agentID,
		BehaviorType: bt,
		TriggerType:  tt,
		Weight:       submitWeight,
		DetectedText: submitText,
		OccurredAt:   at,
	}
	return withBackend(func(ctx context.Context, b backend) error {
		res, err := b.SubmitTrigger(ctx, ev)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	})
}

// --- state / snapshot ---

var stateCmd = &cobra.Command{
	Use:   "state <agent>",
	Short: "Show an agent's tracked behavior intensities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(func(ctx context.Context, b backend) error {
			s, err := b.GetAgentState(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printState(cmd.OutOrStdout(), s)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <agent>",
	Short: "Show an agent's safety classification as of now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(func(ctx context.Context, b backend) error {
			s, err := b.GetSafetySnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printSnapshot(cmd.OutOrStdout(), s)
			return nil
		})
	},
}

// --- history ---

var (
	historySince string
	historyLimit int
	historyCurve bool
)

var historyCmd = &cobra.Command{
	Use:   "history <agent> <behavior>",
	Short: "Show a behavior's trigger log, or its replayed intensity curve",
	Args:  cobra.ExactArgs(2),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	agentID, bt, err := agentBehaviorArgs(args)
	if err != nil {
		return err
	}
	q := behavior.HistoryQuery{Limit: historyLimit}
	if historySince != "" {
		if q.Since, q.AfterSeq, err = behavior.ParseSince(historySince); err != nil {
			return err
		}
	}

	return withBackend(func(ctx context.Context, b backend) error {
		if historyCurve {
			points, err := b.Curve(ctx, agentID, bt)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), points)
			}
			printCurve(cmd.OutOrStdout(), points)
			return nil
		}

		entries, err := b.History(ctx, agentID, bt, q)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		printHistory(cmd.OutOrStdout(), entries)
		if historyLimit > 0 && len(entries) == historyLimit {
			fmt.Fprintf(cmd.OutOrStdout(), "more: --since %s\n", entries[len(entries)-1].Cursor())
		}
		return nil
	})
}

// --- seed / tune / reset / forget ---

var seedCmd = &cobra.Command{
	Use:   "seed <agent> <behavior>...",
	Short: "Create behavior profiles from the configured defaults",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID := args[0]
		var types []behavior.Type
		for _, a := range args[1:] {
			t, err := behavior.ParseType(a)
			if err != nil {
				return err
			}
			types = append(types, t)
		}
		return withBackend(func(ctx context.Context, b backend) error {
			for _, t := range types {
				p, err := b.EnsureProfile(ctx, agentID, t)
				if err != nil {
					return fmt.Errorf("seed %s: %w", t, err)
				}
				if !jsonOut {
					printProfile(cmd.OutOrStdout(), p)
					continue
				}
				if err := printJSON(cmd.OutOrStdout(), p); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var tuneFlags struct {
	base, volatility, escalation, deEscalation, threshold float64
}

var tuneCmd = &cobra.Command{
	Use:   "tune <agent> <behavior>",
	Short: "Change a behavior's rate parameters",
	Long:  "Only the flags given are changed; the rest keep their current values.",
	Args:  cobra.ExactArgs(2),
	RunE:  runTune,
}

func runTune(cmd *cobra.Command, args []string) error {
	agentID, bt, err := agentBehaviorArgs(args)
	if err != nil {
		return err
	}
	return withBackend(func(ctx context.Context, b backend) error {
		cur, err := b.Profile(ctx, agentID, bt)
		if err != nil {
			return err
		}
		params := cur.Params
		flags := cmd.Flags()
		if flags.Changed("base") {
			params.BaseIntensity = tuneFlags.base
		}
		if flags.Changed("volatility") {
			params.Volatility = tuneFlags.volatility
		}
		if flags.Changed("escalation") {
			params.EscalationRate = tuneFlags.escalation
		}
		if flags.Changed("de-escalation") {
			params.DeEscalationRate = tuneFlags.deEscalation
		}
		if flags.Changed("threshold") {
			params.ThresholdForDisplay = tuneFlags.threshold
		}

		p, err := b.UpdateParameters(ctx, agentID, bt, params)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), p)
		}
		printProfile(cmd.OutOrStdout(), p)
		return nil
	})
}

var resetCmd = &cobra.Command{
	Use:   "reset <agent> <behavior>",
	Short: "Return a behavior to its base intensity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, bt, err := agentBehaviorArgs(args)
		if err != nil {
			return err
		}
		return withBackend(func(ctx context.Context, b backend) error {
			p, err := b.ResetBehavior(ctx, agentID, bt)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), p)
			}
			printProfile(cmd.OutOrStdout(), p)
			return nil
		})
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <agent> <behavior>",
	Short: "Delete a behavior profile and its trigger log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, bt, err := agentBehaviorArgs(args)
		if err != nil {
			return err
		}
		return withBackend(func(ctx context.Context, b backend) error {
			if err := b.DeleteBehavior(ctx, agentID, bt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s/%s\n", agentID, bt)
			return nil
		})
	},
}

// --- analytics ---

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Summarize behaviors across all agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(func(ctx context.Context, b backend) error {
			s, err := b.Analytics(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printSummary(cmd.OutOrStdout(), s)
			return nil
		})
	},
}

func init() {
	submitCmd.Flags().Float64VarP(&submitWeight, "weight", "w", 0, "Trigger weight; negative soothes")
	submitCmd.Flags().StringVarP(&submitType, "type", "t", "", "Trigger type: escalating, reassuring or neutral")
	submitCmd.Flags().StringVar(&submitText, "text", "", "Detected text, kept in the trigger log")
	submitCmd.Flags().StringVar(&submitAt, "at", "", "Occurrence time (RFC 3339), default now")

	historyCmd.Flags().StringVar(&historySince, "since", "", "Only entries after this time (RFC 3339), or a \"<time>,<seq>\" cursor")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of entries")
	historyCmd.Flags().BoolVar(&historyCurve, "curve", false, "Show the replayed intensity curve instead")

	tuneCmd.Flags().Float64Var(&tuneFlags.base, "base", 0, "Base intensity")
	tuneCmd.Flags().Float64Var(&tuneFlags.volatility, "volatility", 0, "Volatility")
	tuneCmd.Flags().Float64Var(&tuneFlags.escalation, "escalation", 0, "Escalation rate")
	tuneCmd.Flags().Float64Var(&tuneFlags.deEscalation, "de-escalation", 0, "De-escalation rate per hour")
	tuneCmd.Flags().Float64Var(&tuneFlags.threshold, "threshold", 0, "Display threshold")

	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output")
}
