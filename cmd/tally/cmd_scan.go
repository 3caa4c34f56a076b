package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tally/internal/emitter"
	"github.com/yairfalse/tally/orchestrator"
)

var (
	scanRegions []string
	scanMethods []string
	scanTags    map[string]string
	scanOutput  string
	scanReport  string
	scanRetain  bool
)

// scanCmd runs one discovery and reconciliation pass
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover, reconcile and snapshot the inventory once",
	Long: `Run one discovery pass: fetch records from every configured source in
every region, reconcile them into one inventory, store it as a snapshot and
report what changed since the previous snapshot.`,
	Example: `  tally scan                                  # Regions and methods from config
  tally scan --region us-east-1 --region eu-west-1
  tally scan --method tag-api --output json
  tally scan --tag ticket=OPS-12 --report runs.jsonl`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringSliceVarP(&scanRegions, "region", "r", nil, "Regions to scan (overrides config)")
	scanCmd.Flags().StringSliceVarP(&scanMethods, "method", "m", nil, "Discovery methods to use (overrides config)")
	scanCmd.Flags().StringToStringVar(&scanTags, "tag", nil, "Labels recorded on the snapshot (key=value)")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", formatText, "Output format: text, json")
	scanCmd.Flags().StringVar(&scanReport, "report", "", "Append the run report to this JSONL file")
	scanCmd.Flags().BoolVar(&scanRetain, "retain", false, "Apply the retention policy after the run")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := checkFormat(scanOutput); err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var emit emitter.Emitter
	if scanReport != "" {
		jsonl, err := emitter.NewJSONFileEmitter(scanReport)
		if err != nil {
			return err
		}
		defer func() { _ = jsonl.Close() }()
		emit = jsonl
	}

	sources, err := buildSources(cfg)
	if err != nil {
		return err
	}
	pipeline, err := buildPipeline(ctx, cfg, a, sources, nil, emit)
	if err != nil {
		return err
	}

	req := request(cfg, scanTags)
	if len(scanRegions) > 0 {
		req.Regions = scanRegions
	}
	if len(scanMethods) > 0 {
		req.Methods = scanMethods
	}

	result, err := pipeline.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if scanRetain {
		res, err := a.store.ApplyRetention(ctx, retentionPolicy(cfg))
		if err != nil {
			return fmt.Errorf("apply retention: %w", err)
		}
		if len(res.Deleted) > 0 {
			result.Stats.Warnings = append(result.Stats.Warnings,
				fmt.Sprintf("retention removed %d snapshot(s)", len(res.Deleted)))
		}
	}

	out := cmd.OutOrStdout()
	if scanOutput == formatJSON {
		return writeJSON(out, result)
	}
	printRun(out, result)
	return nil
}

func printRun(w io.Writer, r *orchestrator.RunResult) {
	fmt.Fprintf(w, "Run %s stored snapshot %s in %s\n", r.RunID, r.SnapshotID, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  fetched %d records, %d resources (%d multi-source)\n",
		r.Stats.Fetched, r.Inventory.Total, r.Inventory.MultiSource)
	if r.Stats.Skipped > 0 || r.Stats.Managed > 0 || r.Stats.Filtered > 0 {
		fmt.Fprintf(w, "  skipped %d malformed, %d managed, %d filtered\n",
			r.Stats.Skipped, r.Stats.Managed, r.Stats.Filtered)
	}
	if len(r.Inventory.ByService) > 0 {
		fmt.Fprintf(w, "  services: %s\n", joinCounts(r.Inventory.ByService))
	}
	for _, warning := range r.Stats.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	fmt.Fprintln(w)
	printDelta(w, r.Report)
}
