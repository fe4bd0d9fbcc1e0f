package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/store"
)

var runCompanyName string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the AUM pipeline for a single company",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipelineEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		company, err := env.Store.GetCompanyByName(ctx, runCompanyName)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				company, _, err = env.Store.CreateCompany(ctx, runCompanyName)
			}
			if err != nil {
				return eris.Wrapf(err, "load company %q", runCompanyName)
			}
		}

		run, err := env.Orch.Process(ctx, company.ID)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		snap, err := env.Store.LatestSnapshot(ctx, company.ID)
		if err != nil && !eris.Is(err, store.ErrNotFound) {
			return eris.Wrap(err, "load latest snapshot")
		}

		zap.L().Info("run complete",
			zap.String("company", company.Name),
			zap.String("status", string(run.Status)),
		)

		out := map[string]any{
			"company": company.Name,
			"run_id":  run.ID,
			"status":  run.Status,
		}
		if run.FailReason != "" {
			out["fail_reason"] = run.FailReason
		}
		if snap != nil {
			out["snapshot"] = snap
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	runCmd.Flags().StringVar(&runCompanyName, "company", "", "company name (required)")
	_ = runCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(runCmd)
}
