package insight

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"text/template"
)

// promptTemplate frames the facts for the model. The schema contract here
// must stay in sync with ValidateAndNormalize.
const promptTemplate = `You are a senior data analyst. You are given a compact summary of a tabular dataset.

SCHEMA:
{{.Schema}}

KPIS:
{{.KPIs}}

ROW PREVIEW (first rows only, indices are zero-based):
{{.Preview}}

CHART SPECS:
{{.Charts}}

CORRELATIONS:
{{.Correlations}}

Return ONLY a JSON object with this exact shape, no markdown:
{
  "analystInsights": [
    {
      "id": "i1",
      "text": "finding, at least one sentence",
      "severity": "high|medium|low",
      "category": "outlier|missing_data|correlation|trend|distribution|quality|seasonality|duplicate",
      "evidence": {"aggregates": {}, "row_indices": [], "chart_id": null},
      "recommendation": {"who": "data_engineer|analyst|business_user|data_scientist", "what": "...", "priority": "urgent|high|medium|low"}
    }
  ],
  "businessSummary": ["short business-facing bullet", "..."],
  "visualActions": [],
  "metadata": {"confidence": "high|medium|low"}
}

Evidence rules: row_indices must index into the preview above, chart_id must be one of the chart spec ids, aggregates must reference the KPIs or numeric columns shown.`

// repairInstruction is appended for the single structural repair retry.
const repairInstruction = "\n\nIMPORTANT: Your previous response had structural issues. Return ONLY valid JSON matching the exact schema provided, with no markdown formatting."

var promptTmpl = template.Must(template.New("insights").Parse(promptTemplate))

// BuildPrompt renders the analyst prompt for the given facts.
func BuildPrompt(facts *Facts) (string, error) {
	data := struct {
		Schema, KPIs, Preview, Charts, Correlations string
	}{
		Schema:       mustJSON(facts.Schema),
		KPIs:         mustJSON(facts.KPIs),
		Preview:      mustJSON(facts.Preview),
		Charts:       mustJSON(facts.ChartSpecs),
		Correlations: mustJSON(facts.Correlations),
	}

	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// PromptHash returns a short stable digest of a prompt, for audit logs.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
