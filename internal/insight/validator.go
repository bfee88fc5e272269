package insight

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical vocabularies. Free-text fields are mapped onto these by exact
// match first, then substring containment in sorted order, then the default.
var (
	canonicalSeverity = []string{"high", "low", "medium"}
	canonicalCategory = []string{
		"correlation", "distribution", "duplicate", "missing_data",
		"outlier", "quality", "seasonality", "trend",
	}
	canonicalWho        = []string{"analyst", "business_user", "data_engineer", "data_scientist"}
	canonicalPriority   = []string{"high", "low", "medium", "urgent"}
	canonicalConfidence = []string{"high", "low", "medium"}
	canonicalActions    = []string{
		"add_trendline", "filter_nulls", "highlight_outliers", "show_correlation",
	}
)

// knownKPIKeys are aggregate keys always accepted as evidence.
var knownKPIKeys = map[string]bool{
	"rowCount":      true,
	"columnCount":   true,
	"missingCells":  true,
	"duplicateRows": true,
}

// ValidateAndNormalize validates a raw decoded LLM response against the
// supplied facts and normalizes it into a Bundle. It never fails on
// malformed input: structural problems are repaired (fields dropped, nulled
// or defaulted) and recorded as issues. It returns nil only when the output
// has zero usable content (no insights and no summary).
//
// The function is pure: re-validating an already-normalized bundle yields
// the same bundle with an empty issue list.
func ValidateAndNormalize(raw map[string]any, facts *Facts) (*Bundle, []string) {
	var issues []string

	if raw == nil {
		return nil, []string{"output is not an object"}
	}

	// Some responses nest everything under an "insights" wrapper.
	if nested, ok := raw["insights"].(map[string]any); ok {
		if _, has := raw["analystInsights"]; !has {
			raw = nested
		}
	}

	rawInsights := coerceList(raw["analystInsights"], &issues, "analystInsights")

	insights := make([]Insight, 0, len(rawInsights))
	for idx, item := range rawInsights {
		obj, ok := item.(map[string]any)
		if !ok {
			issues = append(issues, fmt.Sprintf("insight at index %d is not an object", idx))
			continue
		}
		normalized, insightIssues := normalizeInsight(obj, idx, facts)
		insights = append(insights, normalized)
		issues = append(issues, insightIssues...)
	}

	summary := normalizeSummary(raw["businessSummary"], &issues)
	actions, actionIssues := normalizeVisualActions(raw["visualActions"], facts)
	issues = append(issues, actionIssues...)

	metadata := normalizeMetadata(raw["metadata"], len(insights))

	if len(insights) == 0 && len(summary) == 0 {
		issues = append(issues, "critical: no insights or summary generated")
		return nil, issues
	}

	return &Bundle{
		Insights:        insights,
		BusinessSummary: summary,
		VisualActions:   actions,
		Metadata:        metadata,
		Issues:          []string{},
	}, issues
}

func normalizeInsight(obj map[string]any, idx int, facts *Facts) (Insight, []string) {
	var issues []string

	id, _ := obj["id"].(string)
	if !strings.HasPrefix(id, "i") {
		id = fmt.Sprintf("i%d", idx+1)
	}

	text, _ := obj["text"].(string)
	if len(text) < 10 {
		issues = append(issues, fmt.Sprintf("insight %s: text is too short or missing", id))
		text = "Insight description missing"
	}

	severity := normalizeValue(stringOr(obj["severity"], "medium"), canonicalSeverity, "medium")
	category := normalizeValue(stringOr(obj["category"], "quality"), canonicalCategory, "quality")

	rawEvidence, ok := obj["evidence"].(map[string]any)
	if !ok {
		if obj["evidence"] != nil {
			issues = append(issues, fmt.Sprintf("insight %s: evidence must be an object", id))
		}
		rawEvidence = map[string]any{}
	}
	evidence, evidenceIssues := normalizeEvidence(rawEvidence, facts)
	for _, issue := range evidenceIssues {
		issues = append(issues, fmt.Sprintf("insight %s: %s", id, issue))
	}

	rawRec, _ := obj["recommendation"].(map[string]any)
	recommendation := Recommendation{
		Who:      normalizeValue(stringOr(rawRec["who"], "analyst"), canonicalWho, "analyst"),
		What:     stringOr(rawRec["what"], "Review and investigate"),
		Priority: normalizeValue(stringOr(rawRec["priority"], "medium"), canonicalPriority, "medium"),
	}

	return Insight{
		ID:             id,
		Text:           text,
		Severity:       severity,
		Category:       category,
		Evidence:       evidence,
		Recommendation: recommendation,
	}, issues
}

// normalizeEvidence checks every evidence reference against the facts.
// Invalid references are dropped with one issue each, so a repaired
// evidence object passes a second validation untouched.
func normalizeEvidence(raw map[string]any, facts *Facts) (Evidence, []string) {
	var issues []string
	evidence := Evidence{
		Aggregates: map[string]any{},
		RowIndices: []int{},
	}

	numericCols := make([]string, 0, len(facts.KPIs.NumericStats))
	for col := range facts.KPIs.NumericStats {
		numericCols = append(numericCols, col)
	}
	sort.Strings(numericCols)

	rawAggregates, ok := raw["aggregates"].(map[string]any)
	if !ok {
		if raw["aggregates"] != nil {
			issues = append(issues, "aggregates must be an object")
		}
		rawAggregates = map[string]any{}
	}
	aggKeys := make([]string, 0, len(rawAggregates))
	for key := range rawAggregates {
		aggKeys = append(aggKeys, key)
	}
	sort.Strings(aggKeys)
	for _, key := range aggKeys {
		if !knownKPIKeys[key] && !mentionsColumn(key, numericCols) {
			issues = append(issues, fmt.Sprintf("aggregate key %q not found in KPIs or numeric columns", key))
			continue
		}
		value, numeric := asFloat(rawAggregates[key])
		if !numeric {
			issues = append(issues, fmt.Sprintf("aggregate value for %q is not numeric", key))
			continue
		}
		evidence.Aggregates[key] = value
	}

	maxIndex := len(facts.Preview) - 1
	rawIndices, ok := raw["row_indices"].([]any)
	if !ok {
		if raw["row_indices"] != nil {
			issues = append(issues, "row_indices must be a list")
		}
	}
	for _, entry := range rawIndices {
		value, numeric := asFloat(entry)
		idx := int(value)
		if !numeric || float64(idx) != value {
			issues = append(issues, fmt.Sprintf("row_index %v is not an integer", entry))
			continue
		}
		if idx < 0 || idx > maxIndex {
			issues = append(issues, fmt.Sprintf("row_index %d out of range [0, %d]", idx, maxIndex))
			continue
		}
		evidence.RowIndices = append(evidence.RowIndices, idx)
	}

	if chartID, ok := raw["chart_id"].(string); ok && chartID != "" {
		if hasChart(facts.ChartSpecs, chartID) {
			evidence.ChartID = chartID
		} else {
			issues = append(issues, fmt.Sprintf("chart_id %q not found in chart specs", chartID))
		}
	}

	return evidence, issues
}

func normalizeSummary(raw any, issues *[]string) []string {
	list, ok := raw.([]any)
	if !ok {
		if raw != nil {
			*issues = append(*issues, "businessSummary must be a list")
		}
		return []string{}
	}
	summary := make([]string, 0, len(list))
	for _, entry := range list {
		if entry == nil {
			continue
		}
		text := fmt.Sprint(entry)
		if text != "" {
			summary = append(summary, text)
		}
	}
	return summary
}

func normalizeVisualActions(raw any, facts *Facts) ([]VisualAction, []string) {
	var issues []string
	actions := []VisualAction{}

	list, ok := raw.([]any)
	if !ok {
		if raw != nil {
			issues = append(issues, "visualActions must be a list")
		}
		return actions, issues
	}

	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		chartID, _ := obj["chart_id"].(string)
		if chartID == "" {
			issues = append(issues, "visual action missing chart_id")
			continue
		}
		if !hasChart(facts.ChartSpecs, chartID) {
			issues = append(issues, fmt.Sprintf("visual action chart_id %q not found in chart specs", chartID))
			continue
		}
		params, _ := obj["params"].(map[string]any)
		if params == nil {
			params = map[string]any{}
		}
		actions = append(actions, VisualAction{
			ChartID: chartID,
			Action:  normalizeValue(stringOr(obj["action"], ""), canonicalActions, "highlight_outliers"),
			Params:  params,
		})
	}

	return actions, issues
}

func normalizeMetadata(raw any, insightCount int) Metadata {
	obj, _ := raw.(map[string]any)
	metadata := Metadata{
		TotalInsights: insightCount,
		Confidence:    "medium",
	}
	if obj == nil {
		return metadata
	}
	metadata.Confidence = normalizeValue(stringOr(obj["confidence"], "medium"), canonicalConfidence, "medium")
	if score, ok := asFloat(obj["data_quality_score"]); ok {
		metadata.DataQualityScore = int(score)
	}
	metadata.AnalysisTimestamp, _ = obj["analysis_timestamp"].(string)
	return metadata
}

// normalizeValue maps a free-text value onto a canonical vocabulary. Exact
// match wins; otherwise the first containment match in sorted canonical
// order wins; otherwise the default applies. The sorted order makes the
// containment tie-break deterministic.
func normalizeValue(value string, canonical []string, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	for _, c := range canonical {
		if trimmed == c {
			return c
		}
	}
	for _, c := range canonical {
		if strings.Contains(trimmed, c) || strings.Contains(c, trimmed) {
			return c
		}
	}
	return fallback
}

func coerceList(raw any, issues *[]string, field string) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case map[string]any:
		// Single object where a list was expected.
		return []any{v}
	case nil:
		return nil
	default:
		*issues = append(*issues, field+" must be a list")
		return nil
	}
}

func mentionsColumn(key string, columns []string) bool {
	for _, col := range columns {
		if strings.Contains(key, col) {
			return true
		}
	}
	return false
}

func hasChart(specs []ChartSpec, id string) bool {
	for _, spec := range specs {
		if spec.ID == id {
			return true
		}
	}
	return false
}

func stringOr(raw any, fallback string) string {
	if s, ok := raw.(string); ok && s != "" {
		return s
	}
	return fallback
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
