package insight

import (
	"fmt"
	"math"
	"sort"
)

// GenerateFallback synthesizes an insight bundle from already-computed facts
// using fixed templates. It never fails, never touches the network and is
// fully deterministic: identical facts yield identical output. Every piece
// of evidence is drawn from the facts, so each insight is independently
// verifiable.
func GenerateFallback(facts *Facts) *Bundle {
	insights := []Insight{}
	counter := 1

	if ins := missingDataInsight(facts, counter); ins != nil {
		insights = append(insights, *ins)
		counter++
	}
	if ins := duplicateInsight(facts, counter); ins != nil {
		insights = append(insights, *ins)
		counter++
	}
	if ins := outlierInsight(facts, counter); ins != nil {
		insights = append(insights, *ins)
		counter++
	}
	if ins := correlationInsight(facts, counter); ins != nil {
		insights = append(insights, *ins)
	}

	return &Bundle{
		Insights:        insights,
		BusinessSummary: fallbackSummary(facts, len(insights)),
		VisualActions:   []VisualAction{},
		Metadata: Metadata{
			TotalInsights:    len(insights),
			Confidence:       "low",
			DataQualityScore: QualityScore(facts.KPIs),
		},
		Issues: []string{"llm_fallback_used"},
		Meta: CallMeta{
			Model: "fallback-deterministic",
		},
	}
}

func missingDataInsight(facts *Facts, id int) *Insight {
	kpis := facts.KPIs
	if kpis.RowCount == 0 || kpis.ColumnCount == 0 {
		return nil
	}

	totalCells := kpis.RowCount * kpis.ColumnCount
	missingPct := float64(kpis.MissingCells) / float64(totalCells) * 100
	if missingPct < 1 {
		return nil
	}

	var worstCol string
	worstMissing := 0
	for _, col := range facts.Schema {
		if col.Missing > worstMissing {
			worstMissing = col.Missing
			worstCol = col.Column
		}
	}

	severity := "low"
	priority := "medium"
	switch {
	case missingPct > 10:
		severity = "high"
		priority = "high"
	case missingPct > 5:
		severity = "medium"
	}

	text := fmt.Sprintf("Missing data detected: %d cells (%.1f%%) are missing across the dataset. ",
		kpis.MissingCells, missingPct)
	if worstCol != "" {
		colPct := float64(worstMissing) / float64(kpis.RowCount) * 100
		text += fmt.Sprintf("Column '%s' has the highest missing rate at %.1f%% (%d of %d rows). ",
			worstCol, colPct, worstMissing, kpis.RowCount)
	}
	text += "This may impact analysis accuracy and should be investigated."

	what := "Investigate source of missing values in affected columns and implement data quality checks"
	if worstCol != "" {
		what = fmt.Sprintf("Investigate source of missing values in %s and implement data quality checks", worstCol)
	}

	return &Insight{
		ID:       fmt.Sprintf("i%d", id),
		Text:     text,
		Severity: severity,
		Category: "missing_data",
		Evidence: Evidence{
			Aggregates: map[string]any{
				"missingCells": float64(kpis.MissingCells),
				"rowCount":     float64(kpis.RowCount),
				"columnCount":  float64(kpis.ColumnCount),
			},
			RowIndices: []int{},
		},
		Recommendation: Recommendation{
			Who:      "data_engineer",
			What:     what,
			Priority: priority,
		},
	}
}

func duplicateInsight(facts *Facts, id int) *Insight {
	kpis := facts.KPIs
	if kpis.DuplicateRows == 0 || kpis.RowCount == 0 {
		return nil
	}

	duplicatePct := float64(kpis.DuplicateRows) / float64(kpis.RowCount) * 100
	if duplicatePct < 1 {
		return nil
	}

	severity := "low"
	priority := "medium"
	switch {
	case duplicatePct > 10:
		severity = "high"
		priority = "high"
	case duplicatePct > 5:
		severity = "medium"
	}

	text := fmt.Sprintf("Duplicate rows detected: %d exact duplicate records found (%.1f%% of dataset). ",
		kpis.DuplicateRows, duplicatePct)
	text += "Duplicates can inflate aggregate metrics and may indicate ETL pipeline issues or double-entry in source systems. "
	text += "Recommend implementing deduplication logic before analysis."

	return &Insight{
		ID:       fmt.Sprintf("i%d", id),
		Text:     text,
		Severity: severity,
		Category: "duplicate",
		Evidence: Evidence{
			Aggregates: map[string]any{
				"rowCount":      float64(kpis.RowCount),
				"duplicateRows": float64(kpis.DuplicateRows),
			},
			RowIndices: []int{},
		},
		Recommendation: Recommendation{
			Who:      "data_engineer",
			What:     "Implement deduplication logic in ETL pipeline and investigate root cause in source system",
			Priority: priority,
		},
	}
}

// outlierInsight reports the first numeric column (in sorted order, for
// determinism) whose max/min ratio exceeds 10.
func outlierInsight(facts *Facts, id int) *Insight {
	cols := make([]string, 0, len(facts.KPIs.NumericStats))
	for col := range facts.KPIs.NumericStats {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for _, col := range cols {
		stats := facts.KPIs.NumericStats[col]
		if stats.Min <= 0 || stats.Max/stats.Min <= 10 {
			continue
		}
		ratio := stats.Max / stats.Min

		rowIndices := []int{}
		for idx, row := range facts.Preview {
			if value, ok := asFloat(row[col]); ok && value == stats.Max {
				rowIndices = append(rowIndices, idx)
				break
			}
		}

		chartID := ""
		for _, chart := range facts.ChartSpecs {
			if chart.X == col || chart.Y == col {
				chartID = chart.ID
				break
			}
		}

		text := fmt.Sprintf("Potential outlier detected in '%s': maximum value (%.0f) is %.1fx the minimum value (%.0f). ",
			col, stats.Max, ratio, stats.Min)
		text += fmt.Sprintf("This is significantly higher than the median (%.0f). ", stats.Median)
		text += "Verify whether this represents a legitimate extreme value or a data quality issue."

		return &Insight{
			ID:       fmt.Sprintf("i%d", id),
			Text:     text,
			Severity: "medium",
			Category: "outlier",
			Evidence: Evidence{
				Aggregates: map[string]any{
					col + " max":    stats.Max,
					col + " min":    stats.Min,
					col + " median": stats.Median,
				},
				RowIndices: rowIndices,
				ChartID:    chartID,
			},
			Recommendation: Recommendation{
				Who:      "analyst",
				What:     fmt.Sprintf("Investigate extreme value in '%s' to determine if it is valid or requires correction", col),
				Priority: "medium",
			},
		}
	}

	return nil
}

// correlationInsight reports the first correlation pair with |r| > 0.7.
func correlationInsight(facts *Facts, id int) *Insight {
	for _, corr := range facts.Correlations {
		if math.Abs(corr.R) <= 0.7 {
			continue
		}

		direction := "positive"
		if corr.R < 0 {
			direction = "negative"
		}
		strength := "Strong"
		if math.Abs(corr.R) > 0.9 {
			strength = "Very strong"
		}

		chartID := ""
		for _, chart := range facts.ChartSpecs {
			if (chart.X == corr.Col1 || chart.X == corr.Col2) &&
				(chart.Y == corr.Col1 || chart.Y == corr.Col2) {
				chartID = chart.ID
				break
			}
		}

		text := fmt.Sprintf("%s %s correlation detected between '%s' and '%s' (r=%.2f). ",
			strength, direction, corr.Col1, corr.Col2, corr.R)
		text += "This relationship may indicate a causal connection, shared underlying factors or an opportunity for predictive modeling. "
		text += "Further statistical analysis recommended to understand the nature of this relationship."

		return &Insight{
			ID:       fmt.Sprintf("i%d", id),
			Text:     text,
			Severity: "low",
			Category: "correlation",
			Evidence: Evidence{
				Aggregates: map[string]any{
					corr.Col1 + "/" + corr.Col2 + " r": round3(corr.R),
				},
				RowIndices: []int{},
				ChartID:    chartID,
			},
			Recommendation: Recommendation{
				Who:      "data_scientist",
				What:     fmt.Sprintf("Analyze relationship between '%s' and '%s' to determine causality and potential for predictive modeling", corr.Col1, corr.Col2),
				Priority: "medium",
			},
		}
	}

	return nil
}

func fallbackSummary(facts *Facts, insightCount int) []string {
	kpis := facts.KPIs
	summary := []string{
		fmt.Sprintf("Dataset contains %d rows and %d columns. Automated analysis generated %d insights using deterministic templates.",
			kpis.RowCount, kpis.ColumnCount, insightCount),
	}

	if kpis.MissingCells == 0 && kpis.DuplicateRows == 0 {
		summary = append(summary, "Data quality is excellent with no missing values or duplicate records detected.")
	} else {
		quality := ""
		if kpis.MissingCells > 0 {
			quality = fmt.Sprintf("%d missing cells", kpis.MissingCells)
		}
		if kpis.DuplicateRows > 0 {
			if quality != "" {
				quality += ", "
			}
			quality += fmt.Sprintf("%d duplicate rows", kpis.DuplicateRows)
		}
		summary = append(summary, fmt.Sprintf("Data quality issues detected: %s. Review insights for details.", quality))
	}

	summary = append(summary, "For deeper analysis and AI-generated insights, ensure the LLM service is properly configured.")
	return summary
}

// QualityScore computes a deterministic 0-100 data quality score from
// missing-cell and duplicate-row ratios.
func QualityScore(kpis KPIs) int {
	if kpis.RowCount == 0 || kpis.ColumnCount == 0 {
		return 0
	}

	score := 100.0

	totalCells := float64(kpis.RowCount * kpis.ColumnCount)
	missingPct := float64(kpis.MissingCells) / totalCells * 100
	score -= math.Min(missingPct*2, 40)

	duplicatePct := float64(kpis.DuplicateRows) / float64(kpis.RowCount) * 100
	score -= math.Min(duplicatePct*2, 30)

	if score < 0 {
		score = 0
	}
	return int(score)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
