// Package report turns the JSONL result log into a spreadsheet: one row per
// item with the latest result, plus a per-status summary sheet.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/use-agent/shopmetrics/models"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
)

// ReadJSONL loads every result line from path. A malformed line is an
// error naming its line number.
func ReadJSONL(path string) ([]models.ClassifiedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	defer f.Close()

	var out []models.ClassifiedResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r models.ClassifiedResult
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("report: %s line %d: %w", path, line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("report: read %s: %w", path, err)
	}
	return out, nil
}

// Latest keeps the most recent result per item and date range, ordered by
// domain.
func Latest(results []models.ClassifiedResult) []models.ClassifiedResult {
	type key struct {
		id int64
		dr string
	}
	byKey := make(map[key]models.ClassifiedResult, len(results))
	for _, r := range results {
		k := key{r.ItemID, r.DateRange}
		if prev, ok := byKey[k]; !ok || !r.FinishedAt.Before(prev.FinishedAt) {
			byKey[k] = r
		}
	}
	out := make([]models.ClassifiedResult, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].DateRange < out[j].DateRange
	})
	return out
}

// FieldNames is the sorted union of field names across results.
func FieldNames(results []models.ClassifiedResult) []string {
	seen := make(map[string]struct{})
	for _, r := range results {
		for name := range r.Fields {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteXLSX writes results to path. fields fixes the metric column order;
// nil uses FieldNames.
func WriteXLSX(path string, results []models.ClassifiedResult, fields []string) error {
	if fields == nil {
		fields = FieldNames(results)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	header := []any{"item_id", "domain", "date_range", "status"}
	for _, name := range fields {
		header = append(header, name)
	}
	header = append(header, "worker", "error", "finished_at")
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.SetRowStyle(resultsSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.SetPanes(resultsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("report: %w", err)
	}

	counts := make(map[models.Status]int)
	for i, r := range results {
		row := []any{r.ItemID, r.Domain, r.DateRange, string(r.Status)}
		for _, name := range fields {
			v, ok := r.Fields[name]
			if !ok {
				v = models.NotFound
			}
			row = append(row, v)
		}
		row = append(row, r.WorkerID, r.Error, r.FinishedAt.UTC().Format("2006-01-02 15:04:05"))

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		counts[r.Status]++
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.SetSheetRow(summarySheet, "A1", &[]any{"status", "items"}); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.SetRowStyle(summarySheet, 1, 1, bold); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	statuses := []models.Status{models.StatusCompleted, models.StatusPartial, models.StatusNA, models.StatusFailed}
	for i, s := range statuses {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(summarySheet, cell, &[]any{string(s), counts[s]}); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	totalCell, _ := excelize.CoordinatesToCellName(1, len(statuses)+2)
	if err := f.SetSheetRow(summarySheet, totalCell, &[]any{"total", len(results)}); err != nil {
		return fmt.Errorf("report: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("report: save %s: %w", path, err)
	}
	return nil
}

// Export reads the result log at in and writes the latest result per item
// to the workbook at out.
func Export(in, out string, fields []string) (int, error) {
	results, err := ReadJSONL(in)
	if err != nil {
		return 0, err
	}
	latest := Latest(results)
	if err := WriteXLSX(out, latest, fields); err != nil {
		return 0, err
	}
	return len(latest), nil
}
