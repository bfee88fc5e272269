// Package insight turns analysis facts into a validated insight bundle,
// via the LLM path when it is healthy and a deterministic template fallback
// when it is not.
package insight

// Facts is the compact analysis summary handed to insight generation and
// validation: schema, KPIs, a bounded row preview and chart specs, all
// already computed by the analysis collaborator.
type Facts struct {
	Schema       []ColumnInfo     `json:"schema"`
	KPIs         KPIs             `json:"kpis"`
	Preview      []map[string]any `json:"cleanedPreview"`
	ChartSpecs   []ChartSpec      `json:"chartSpecs"`
	Correlations []Correlation    `json:"correlations"`
}

// ColumnInfo describes one column of the analyzed dataset.
type ColumnInfo struct {
	Column  string `json:"column"`
	Type    string `json:"type"`
	Missing int    `json:"missing"`
}

// KPIs holds dataset-level aggregates.
type KPIs struct {
	RowCount      int                    `json:"rowCount"`
	ColumnCount   int                    `json:"columnCount"`
	MissingCells  int                    `json:"missingCells"`
	DuplicateRows int                    `json:"duplicateRows"`
	NumericStats  map[string]NumericStat `json:"numericStats,omitempty"`
}

// NumericStat holds summary statistics for one numeric column.
type NumericStat struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
}

// ChartSpec identifies a chart computed from the dataset.
type ChartSpec struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
}

// Correlation is a pairwise Pearson correlation between two numeric columns.
type Correlation struct {
	Col1 string  `json:"col1"`
	Col2 string  `json:"col2"`
	R    float64 `json:"r"`
}

// Evidence is the subset of facts an insight cites. Every row index must be
// a valid index into Facts.Preview and every chart ID must reference an
// existing chart spec.
type Evidence struct {
	Aggregates map[string]any `json:"aggregates"`
	RowIndices []int          `json:"row_indices"`
	ChartID    string         `json:"chart_id,omitempty"`
}

// Recommendation tells a canonical audience what to do about an insight.
type Recommendation struct {
	Who      string `json:"who"`
	What     string `json:"what"`
	Priority string `json:"priority"`
}

// Insight is one normalized analyst finding.
type Insight struct {
	ID             string         `json:"id"`
	Text           string         `json:"text"`
	Severity       string         `json:"severity"`
	Category       string         `json:"category"`
	Evidence       Evidence       `json:"evidence"`
	Recommendation Recommendation `json:"recommendation"`
}

// VisualAction is a chart annotation suggested by the model.
type VisualAction struct {
	ChartID string         `json:"chart_id"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params"`
}

// Metadata summarizes a bundle.
type Metadata struct {
	TotalInsights     int    `json:"total_insights"`
	Confidence        string `json:"confidence"`
	DataQualityScore  int    `json:"data_quality_score"`
	AnalysisTimestamp string `json:"analysis_timestamp"`
}

// CallMeta records how a bundle was produced.
type CallMeta struct {
	Model          string  `json:"model"`
	LatencySeconds float64 `json:"latency_seconds"`
	PromptHash     string  `json:"prompt_hash,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Bundle is the canonical insight output attached to a completed job.
type Bundle struct {
	Insights        []Insight      `json:"analystInsights"`
	BusinessSummary []string       `json:"businessSummary"`
	VisualActions   []VisualAction `json:"visualActions"`
	Metadata        Metadata       `json:"metadata"`
	Issues          []string       `json:"issues"`
	Meta            CallMeta       `json:"_meta"`
}
