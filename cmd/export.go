package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/report"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export latest AUM snapshots to CSV or XLSX",
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

		rows, err := st.ListSnapshotRows(ctx)
		if err != nil {
			return eris.Wrap(err, "list snapshot rows")
		}

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrapf(err, "create %s", exportOut)
		}
		defer f.Close()

		switch exportFormat {
		case "csv":
			err = report.WriteCSV(f, rows)
		case "xlsx":
			err = report.WriteXLSX(f, rows)
		default:
			return eris.Errorf("unsupported format: %s (want csv or xlsx)", exportFormat)
		}
		if err != nil {
			return eris.Wrapf(err, "write %s", exportFormat)
		}

		zap.L().Info("export complete",
			zap.Int("rows", len(rows)),
			zap.String("format", exportFormat),
			zap.String("out", exportOut),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or xlsx")
	exportCmd.Flags().StringVar(&exportOut, "out", "aum-results.csv", "output file path")
	rootCmd.AddCommand(exportCmd)
}
