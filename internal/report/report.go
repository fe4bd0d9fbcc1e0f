// Package report renders snapshot exports and usage summaries.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/internal/store"
)

// WriteCSV writes snapshot rows as CSV.
func WriteCSV(w io.Writer, rows []store.SnapshotRow) error {
	b, err := csvutil.Marshal(rows)
	if err != nil {
		return eris.Wrap(err, "report: marshal csv")
	}
	if _, err := w.Write(b); err != nil {
		return eris.Wrap(err, "report: write csv")
	}
	return nil
}

// WriteXLSX writes snapshot rows as a single-sheet workbook.
func WriteXLSX(w io.Writer, rows []store.SnapshotRow) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("snapshots")
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"company", "raw_value", "currency", "normalized_value", "source_url", "extracted_at"} {
		header.AddCell().SetString(h)
	}

	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetString(r.CompanyName)
		row.AddCell().SetString(r.RawValue)
		row.AddCell().SetString(r.Currency)
		row.AddCell().SetString(strconv.FormatFloat(r.NormalizedValue, 'f', -1, 64))
		row.AddCell().SetString(r.SourceURL)
		row.AddCell().SetString(r.ExtractedAt.Format("2006-01-02 15:04:05"))
	}

	return eris.Wrap(f.Write(w), "report: write xlsx")
}

// FormatUsage renders a daily usage summary for terminal output.
func FormatUsage(sum *model.UsageSummary) string {
	out := fmt.Sprintf("date: %s\ntokens: %d\ncost: $%.4f\ncalls: %d\n",
		sum.Date, sum.Tokens, sum.Cost, sum.CallCount)
	if sum.Ceiling > 0 {
		pct := float64(sum.Tokens) / float64(sum.Ceiling) * 100
		out += fmt.Sprintf("ceiling: %d (%.1f%% used)\n", sum.Ceiling, pct)
	}
	return out
}
