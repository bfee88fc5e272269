// Package analysis computes dataset facts from uploaded CSV files: schema
// inference, KPIs, numeric statistics, a bounded preview, chart specs and
// pairwise correlations.
package analysis

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/datapilot/insight-worker/internal/insight"
)

const (
	previewRows    = 20
	correlationCap = 10
)

// CSVAnalyzer reads a CSV file and derives insight.Facts from it.
type CSVAnalyzer struct {
	logger *slog.Logger
}

func NewCSVAnalyzer(logger *slog.Logger) *CSVAnalyzer {
	return &CSVAnalyzer{logger: logger}
}

// Analyze parses the file at path and computes facts. Ragged rows and an
// unreadable header are parse errors; empty cells count as missing.
func (a *CSVAnalyzer) Analyze(ctx context.Context, path string) (*insight.Facts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("file has no columns")
	}
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
	}

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(rows)+2, err)
		}
		rows = append(rows, row)
	}

	facts := &insight.Facts{
		Schema: a.inferSchema(header, rows),
		KPIs: insight.KPIs{
			RowCount:    len(rows),
			ColumnCount: len(header),
		},
	}
	facts.KPIs.MissingCells = countMissing(rows)
	facts.KPIs.DuplicateRows = countDuplicates(rows)
	facts.KPIs.NumericStats = a.numericStats(header, rows, facts.Schema)
	facts.Preview = buildPreview(header, rows)
	facts.ChartSpecs = a.chartSpecs(facts.Schema)
	facts.Correlations = a.correlations(header, rows, facts.Schema)

	a.logger.Debug("Analysis facts computed",
		slog.Int("rows", facts.KPIs.RowCount),
		slog.Int("columns", facts.KPIs.ColumnCount),
		slog.Int("numeric_columns", len(facts.KPIs.NumericStats)),
	)
	return facts, nil
}

// inferSchema classifies each column as numeric or categorical. A column is
// numeric when every non-empty cell parses as a float.
func (a *CSVAnalyzer) inferSchema(header []string, rows [][]string) []insight.ColumnInfo {
	schema := make([]insight.ColumnInfo, len(header))
	for i, col := range header {
		info := insight.ColumnInfo{Column: col, Type: "numeric"}
		seen := false
		for _, row := range rows {
			cell := cellAt(row, i)
			if cell == "" {
				info.Missing++
				continue
			}
			seen = true
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				info.Type = "categorical"
			}
		}
		if !seen {
			info.Type = "categorical"
		}
		schema[i] = info
	}
	return schema
}

func (a *CSVAnalyzer) numericStats(header []string, rows [][]string, schema []insight.ColumnInfo) map[string]insight.NumericStat {
	stats := make(map[string]insight.NumericStat)
	for i, info := range schema {
		if info.Type != "numeric" {
			continue
		}
		values := columnValues(rows, i)
		if len(values) == 0 {
			continue
		}
		stats[header[i]] = summarize(values)
	}
	return stats
}

func summarize(values []float64) insight.NumericStat {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(sorted))

	mid := len(sorted) / 2
	median := sorted[mid]
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	return insight.NumericStat{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   round4(mean),
		Median: round4(median),
		Std:    round4(math.Sqrt(variance)),
	}
}

func buildPreview(header []string, rows [][]string) []map[string]any {
	n := len(rows)
	if n > previewRows {
		n = previewRows
	}
	preview := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		entry := make(map[string]any, len(header))
		for j, col := range header {
			cell := cellAt(rows[i], j)
			if v, err := strconv.ParseFloat(cell, 64); err == nil && cell != "" {
				entry[col] = v
			} else {
				entry[col] = cell
			}
		}
		preview[i] = entry
	}
	return preview
}

// chartSpecs proposes one chart per column: histograms for numeric columns
// and bar charts for categorical ones, plus a scatter for the first numeric
// pair.
func (a *CSVAnalyzer) chartSpecs(schema []insight.ColumnInfo) []insight.ChartSpec {
	var specs []insight.ChartSpec
	var numeric []string
	for _, info := range schema {
		if info.Type == "numeric" {
			numeric = append(numeric, info.Column)
			specs = append(specs, insight.ChartSpec{
				ID:    fmt.Sprintf("chart_hist_%s", slug(info.Column)),
				Type:  "histogram",
				Title: fmt.Sprintf("Distribution of %s", info.Column),
				X:     info.Column,
			})
		} else {
			specs = append(specs, insight.ChartSpec{
				ID:    fmt.Sprintf("chart_bar_%s", slug(info.Column)),
				Type:  "bar",
				Title: fmt.Sprintf("Counts by %s", info.Column),
				X:     info.Column,
			})
		}
	}
	if len(numeric) >= 2 {
		specs = append(specs, insight.ChartSpec{
			ID:    fmt.Sprintf("chart_scatter_%s_%s", slug(numeric[0]), slug(numeric[1])),
			Type:  "scatter",
			Title: fmt.Sprintf("%s vs %s", numeric[0], numeric[1]),
			X:     numeric[0],
			Y:     numeric[1],
		})
	}
	return specs
}

// correlations computes Pearson r for each numeric column pair, capped to
// keep the facts payload bounded.
func (a *CSVAnalyzer) correlations(header []string, rows [][]string, schema []insight.ColumnInfo) []insight.Correlation {
	var numericIdx []int
	for i, info := range schema {
		if info.Type == "numeric" {
			numericIdx = append(numericIdx, i)
		}
	}

	var out []insight.Correlation
	for a1 := 0; a1 < len(numericIdx) && len(out) < correlationCap; a1++ {
		for a2 := a1 + 1; a2 < len(numericIdx) && len(out) < correlationCap; a2++ {
			i, j := numericIdx[a1], numericIdx[a2]
			r, ok := pearson(rows, i, j)
			if !ok {
				continue
			}
			out = append(out, insight.Correlation{
				Col1: header[i],
				Col2: header[j],
				R:    round4(r),
			})
		}
	}
	return out
}

// pearson computes the correlation over rows where both cells are numeric.
func pearson(rows [][]string, i, j int) (float64, bool) {
	var xs, ys []float64
	for _, row := range rows {
		x, errX := strconv.ParseFloat(cellAt(row, i), 64)
		y, errY := strconv.ParseFloat(cellAt(row, j), 64)
		if errX != nil || errY != nil {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if len(xs) < 2 {
		return 0, false
	}

	n := float64(len(xs))
	var sumX, sumY float64
	for k := range xs {
		sumX += xs[k]
		sumY += ys[k]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for k := range xs {
		dx, dy := xs[k]-meanX, ys[k]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varX*varY), true
}

func countMissing(rows [][]string) int {
	missing := 0
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) == "" {
				missing++
			}
		}
	}
	return missing
}

func countDuplicates(rows [][]string) int {
	seen := make(map[string]bool, len(rows))
	dups := 0
	for _, row := range rows {
		key := strings.Join(row, "\x1f")
		if seen[key] {
			dups++
		}
		seen[key] = true
	}
	return dups
}

func columnValues(rows [][]string, i int) []float64 {
	var values []float64
	for _, row := range rows {
		cell := cellAt(row, i)
		if cell == "" {
			continue
		}
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			values = append(values, v)
		}
	}
	return values
}

func cellAt(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func slug(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
