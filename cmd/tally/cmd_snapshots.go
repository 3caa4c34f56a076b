package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tally/pkg/resource"
	"github.com/yairfalse/tally/storage"
)

var (
	snapshotsLimit  int
	snapshotsOutput string
	pruneMaxAge     time.Duration
	pruneMaxCount   int
	verifyRemove    bool
)

// snapshotsCmd groups snapshot store maintenance
var snapshotsCmd = &cobra.Command{
	Use:     "snapshots",
	Aliases: []string{"snap"},
	Short:   "Inspect and maintain stored snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsList,
}

var snapshotsShowCmd = &cobra.Command{
	Use:   "show [ID]",
	Short: "Show one snapshot (default: the most recent)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshotsShow,
}

var snapshotsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the checksum of every stored snapshot",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsVerify,
}

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy",
	Example: `  tally snapshots prune                    # Limits from config
  tally snapshots prune --max-count 5
  tally snapshots prune --max-age 72h`,
	Args: cobra.NoArgs,
	RunE: runSnapshotsPrune,
}

var snapshotsDeleteCmd = &cobra.Command{
	Use:   "delete ID...",
	Short: "Delete snapshots by id",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSnapshotsDelete,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsShowCmd, snapshotsVerifyCmd, snapshotsPruneCmd, snapshotsDeleteCmd)

	snapshotsCmd.PersistentFlags().StringVarP(&snapshotsOutput, "output", "o", formatText, "Output format: text, json")
	snapshotsListCmd.Flags().IntVarP(&snapshotsLimit, "limit", "n", 0, "Show at most N snapshots (0 = all)")
	snapshotsVerifyCmd.Flags().BoolVar(&verifyRemove, "remove", false, "Delete snapshots that fail verification")
	snapshotsPruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "Override the configured maximum age")
	snapshotsPruneCmd.Flags().IntVar(&pruneMaxCount, "max-count", 0, "Override the configured maximum count")
}

func withStore(fn func(a *app) error) error {
	if err := checkFormat(snapshotsOutput); err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runSnapshotsList(cmd *cobra.Command, _ []string) error {
	return withStore(func(a *app) error {
		metas, err := a.store.List(cmd.Context(), snapshotsLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if snapshotsOutput == formatJSON {
			return writeJSON(out, metas)
		}
		if len(metas) == 0 {
			fmt.Fprintf(out, "No snapshots stored for scope %s\n", a.store.Scope())
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tRESOURCES\tREGIONS\tMETHODS")
		for _, m := range metas {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				m.ID,
				humanize.Time(m.CreatedAt),
				humanize.Comma(int64(m.ResourceCount)),
				strings.Join(m.Regions, ","),
				strings.Join(m.Methods, ","))
		}
		return tw.Flush()
	})
}

func runSnapshotsShow(cmd *cobra.Command, args []string) error {
	return withStore(func(a *app) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		snap, err := a.store.Load(cmd.Context(), id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if snapshotsOutput == formatJSON {
			return writeJSON(out, struct {
				Metadata  storage.Metadata    `json:"metadata"`
				Resources []resource.Resource `json:"resources"`
			}{snap.Metadata, snap.Resources})
		}

		m := snap.Metadata
		fmt.Fprintf(out, "Snapshot %s\n", m.ID)
		fmt.Fprintf(out, "  scope:     %s\n", m.AccountScope)
		fmt.Fprintf(out, "  created:   %s (%s)\n", m.CreatedAt.Format(time.RFC3339), humanize.Time(m.CreatedAt))
		fmt.Fprintf(out, "  regions:   %s\n", strings.Join(m.Regions, ", "))
		fmt.Fprintf(out, "  methods:   %s\n", strings.Join(m.Methods, ", "))
		fmt.Fprintf(out, "  resources: %s\n", humanize.Comma(int64(m.ResourceCount)))
		fmt.Fprintf(out, "  checksum:  %s\n", m.Checksum)
		for _, r := range snap.Resources {
			fmt.Fprintf(out, "    %s  [%s]\n", describe(r), strings.Join(r.Provenance, ","))
		}
		return nil
	})
}

func runSnapshotsVerify(cmd *cobra.Command, _ []string) error {
	return withStore(func(a *app) error {
		ctx := cmd.Context()
		report, err := a.store.ValidateIntegrity(ctx)
		if err != nil {
			return err
		}

		var removed []string
		if verifyRemove {
			for _, id := range report.Invalid {
				if err := a.store.Delete(ctx, id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				removed = append(removed, id)
			}
		}

		out := cmd.OutOrStdout()
		if snapshotsOutput == formatJSON {
			if err := writeJSON(out, report); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "%d valid, %d invalid\n", len(report.Valid), len(report.Invalid))
			for _, id := range report.Invalid {
				fmt.Fprintf(out, "  corrupted: %s\n", id)
			}
			for _, id := range removed {
				fmt.Fprintf(out, "  removed:   %s\n", id)
			}
		}

		if !report.OK() && !verifyRemove {
			return fmt.Errorf("%w: %d snapshot(s)", storage.ErrSnapshotCorrupted, len(report.Invalid))
		}
		return nil
	})
}

func runSnapshotsPrune(cmd *cobra.Command, _ []string) error {
	return withStore(func(a *app) error {
		policy := retentionPolicy(cfg)
		if cmd.Flags().Changed("max-age") {
			policy.MaxAge = pruneMaxAge
		}
		if cmd.Flags().Changed("max-count") {
			policy.MaxCount = pruneMaxCount
		}

		res, err := a.store.ApplyRetention(cmd.Context(), policy)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if snapshotsOutput == formatJSON {
			return writeJSON(out, res)
		}
		fmt.Fprintf(out, "deleted %d, deferred %d, retained %d\n", len(res.Deleted), len(res.Deferred), res.Retained)
		for _, id := range res.Deleted {
			fmt.Fprintf(out, "  deleted: %s\n", id)
		}
		return nil
	})
}

func runSnapshotsDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(a *app) error {
		var errs []error
		for _, id := range args {
			if err := a.store.Delete(cmd.Context(), id); err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return errors.Join(errs...)
	})
}
