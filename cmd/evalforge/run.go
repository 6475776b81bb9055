package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/generate"
	"github.com/evalforge/evalforge/internal/model"
)

var (
	runDry   bool
	runForce bool
	runBatch int
)

var runCmd = &cobra.Command{
	Use:   "run <stage>",
	Short: "Run one pipeline stage once and print its summary",
	Long: `Run one batch stage and print the run summary as JSON.

Stages: ingestion, extraction, dedup, eval, guardrail, runbook, dashboard, all.
"all" runs the full pipeline in order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stage := args[0]
		if stage == "all" {
			for _, name := range []string{"ingestion", "extraction", "dedup", "eval", "guardrail", "runbook", "dashboard"} {
				if err := a.runStage(cmd, name); err != nil {
					return fmt.Errorf("stage %s: %w", name, err)
				}
			}
			return nil
		}
		return a.runStage(cmd, stage)
	},
}

func (a *app) runStage(cmd *cobra.Command, stage string) error {
	ctx := cmd.Context()
	opts := generate.Options{
		BatchSize:      runBatch,
		DryRun:         runDry,
		TriggeredBy:    model.TriggerManual,
		ForceOverwrite: runForce,
	}

	batchOpts := model.BatchOptions{
		TriggeredBy: model.TriggerManual,
		BatchSize:   runBatch,
		DryRun:      runDry,
	}
	switch stage {
	case "ingestion":
		return printSummary(a.ingest.Run(ctx, batchOpts))
	case "extraction":
		return printSummary(a.extract.Run(ctx, batchOpts))
	case "dedup":
		return printSummary(a.dedup.Run(ctx, batchOpts))
	case "eval", "guardrail", "runbook":
		return printSummary(a.generators[model.SuggestionType(stage)].Run(ctx, opts))
	case "dashboard":
		snap, err := a.dashboard.Publish(ctx)
		if err != nil {
			return err
		}
		return printJSON(snap)
	default:
		return model.E(model.KindConfiguration, "unknown stage %q", stage)
	}
}

func printSummary(summary *model.RunSummary, err error) error {
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the EvalForge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("evalforge", config.DefaultConfig().Version)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "run the stage without persisting results")
	runCmd.Flags().BoolVar(&runForce, "force", false, "overwrite human-edited drafts")
	runCmd.Flags().IntVar(&runBatch, "batch-size", 0, "override the stage batch size")
}
