package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/model"
)

var batchLimit int

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run the AUM pipeline for all pending companies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipelineEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		companies, err := env.Store.ListCompaniesByStatus(ctx, model.RunStatusPending, batchLimit)
		if err != nil {
			return eris.Wrap(err, "list pending companies")
		}
		if len(companies) == 0 {
			zap.L().Info("no pending companies")
			return nil
		}

		ids := make([]string, 0, len(companies))
		for _, c := range companies {
			ids = append(ids, c.ID)
		}

		zap.L().Info("batch started",
			zap.Int("companies", len(ids)),
			zap.Int("max_concurrent", cfg.Batch.MaxConcurrentCompanies),
		)

		if err := env.Orch.ProcessBatch(ctx, ids, cfg.Batch.MaxConcurrentCompanies); err != nil {
			return eris.Wrap(err, "batch run")
		}

		zap.L().Info("batch complete", zap.Int("companies", len(ids)))
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max companies to process (0 = all)")
	rootCmd.AddCommand(batchCmd)
}
