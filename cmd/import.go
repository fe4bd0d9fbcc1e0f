package main

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importCSVPath string

// companyRow matches the source spreadsheets, which carry company names
// in an "Empresa" column.
type companyRow struct {
	Name string `csv:"Empresa"`
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import companies from CSV",
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

		f, err := os.Open(importCSVPath)
		if err != nil {
			return eris.Wrapf(err, "open csv %s", importCSVPath)
		}
		defer f.Close()

		dec, err := csvutil.NewDecoder(csv.NewReader(f))
		if err != nil {
			return eris.Wrap(err, "read csv header")
		}

		created, skipped := 0, 0
		for {
			var row companyRow
			if err := dec.Decode(&row); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return eris.Wrap(err, "decode csv row")
			}

			name := strings.TrimSpace(row.Name)
			if name == "" {
				skipped++
				continue
			}

			_, isNew, err := st.CreateCompany(ctx, name)
			if err != nil {
				return eris.Wrapf(err, "create company %q", name)
			}
			if isNew {
				created++
			} else {
				skipped++
			}
		}

		zap.L().Info("import complete",
			zap.Int("created", created),
			zap.Int("skipped", skipped),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
