package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tally/analyzer"
)

var diffOutput string

// diffCmd compares two stored snapshots
var diffCmd = &cobra.Command{
	Use:   "diff [OLD [NEW]]",
	Short: "Compare two stored snapshots",
	Long: `Compare two stored snapshots and print the classified changes.

With no arguments the two most recent snapshots are compared. With one
argument that snapshot is compared against the most recent one.`,
	Example: `  tally diff
  tally diff 20260101T000000.000000000Z
  tally diff OLD_ID NEW_ID --output json`,
	Args: cobra.MaximumNArgs(2),
	RunE: runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().StringVarP(&diffOutput, "output", "o", formatText, "Output format: text, json")
}

func runDiff(cmd *cobra.Command, args []string) error {
	if err := checkFormat(diffOutput); err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	oldID, newID, err := resolvePair(cmd, a, args)
	if err != nil {
		return err
	}

	oldSnap, err := a.store.Load(ctx, oldID)
	if err != nil {
		return fmt.Errorf("load %s: %w", oldID, err)
	}
	newSnap, err := a.store.Load(ctx, newID)
	if err != nil {
		return fmt.Errorf("load %s: %w", newID, err)
	}

	report := analyzer.Detect(oldSnap.Resources, newSnap.Resources, oldSnap.Metadata.ID, newSnap.Metadata.ID)

	out := cmd.OutOrStdout()
	if diffOutput == formatJSON {
		return writeJSON(out, report)
	}
	printDelta(out, report)
	return nil
}

func resolvePair(cmd *cobra.Command, a *app, args []string) (oldID, newID string, err error) {
	switch len(args) {
	case 2:
		return args[0], args[1], nil
	case 1:
		latest, err := a.store.List(cmd.Context(), 1)
		if err != nil {
			return "", "", err
		}
		if len(latest) == 0 {
			return "", "", errors.New("no snapshots stored")
		}
		return args[0], latest[0].ID, nil
	default:
		latest, err := a.store.List(cmd.Context(), 2)
		if err != nil {
			return "", "", err
		}
		if len(latest) < 2 {
			return "", "", fmt.Errorf("need two snapshots to compare, have %d", len(latest))
		}
		return latest[1].ID, latest[0].ID, nil
	}
}
