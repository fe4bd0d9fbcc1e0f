package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/aum-tracker/internal/budget"
	"github.com/sells-group/aum-tracker/internal/report"
)

var usageDay string

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage against the daily budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		bm := budget.NewManager(st,
			cfg.Budget.DailyTokenCeiling,
			time.Duration(cfg.Budget.ReservationTTLSecs)*time.Second,
		)

		sum, err := bm.DailySummary(ctx, usageDay)
		if err != nil {
			return eris.Wrap(err, "load usage summary")
		}

		fmt.Println(report.FormatUsage(sum))
		return nil
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageDay, "day", "", "day to report (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(usageCmd)
}
