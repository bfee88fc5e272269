package insight

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/datapilot/insight-worker/internal/breaker"
	"github.com/datapilot/insight-worker/internal/metrics"
	"github.com/datapilot/insight-worker/internal/retry"
)

// Caller is the LLM transport. Implementations return the raw model text;
// parsing and validation happen here.
type Caller interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Generator orchestrates insight generation. It always produces a usable
// bundle: retry exhaustion, an open circuit, missing credentials and
// validation failures all degrade to the deterministic fallback instead of
// propagating an error.
type Generator struct {
	logger   *slog.Logger
	caller   Caller
	breaker  *breaker.Breaker
	policy   retry.Policy
	classify retry.Classifier
	mock     bool
}

// Config holds generator dependencies.
type Config struct {
	Logger *slog.Logger
	// Caller may be nil when credentials are not configured; every request
	// then counts as a breaker failure and uses the fallback.
	Caller   Caller
	Breaker  *breaker.Breaker
	Policy   retry.Policy
	Classify retry.Classifier
	Mock     bool
}

// NewGenerator creates a Generator.
func NewGenerator(cfg *Config) *Generator {
	classify := cfg.Classify
	if classify == nil {
		classify = retry.HTTP(nil)
	}
	return &Generator{
		logger:   cfg.Logger,
		caller:   cfg.Caller,
		breaker:  cfg.Breaker,
		policy:   cfg.Policy,
		classify: classify,
		mock:     cfg.Mock,
	}
}

// Generate produces an insight bundle for the given facts. It never returns
// an error; callers always get a usable bundle.
func (g *Generator) Generate(ctx context.Context, facts *Facts, jobID string) *Bundle {
	start := time.Now()
	defer func() {
		if g.breaker.IsOpen() {
			metrics.BreakerOpen.Set(1)
		} else {
			metrics.BreakerOpen.Set(0)
		}
	}()

	if g.mock {
		g.logger.Info("Mock mode enabled, returning canned insights",
			slog.String("job_id", jobID),
		)
		return mockBundle()
	}

	if !g.breaker.Allow() {
		g.logger.Warn("Circuit breaker is open, using deterministic fallback",
			slog.String("job_id", jobID),
		)
		metrics.LLMFallbacksTotal.WithLabelValues("circuit_open").Inc()
		return g.fallback(facts, "circuit_open")
	}

	if g.caller == nil {
		g.logger.Warn("LLM credentials not configured, using deterministic fallback",
			slog.String("job_id", jobID),
		)
		g.breaker.RecordFailure()
		metrics.LLMFallbacksTotal.WithLabelValues("missing_credentials").Inc()
		return g.fallback(facts, "missing_credentials")
	}

	prompt, err := BuildPrompt(facts)
	if err != nil {
		g.logger.Error("Failed to build prompt",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		g.breaker.RecordFailure()
		metrics.LLMFallbacksTotal.WithLabelValues("prompt_error").Inc()
		return g.fallback(facts, "prompt_error")
	}
	promptHash := PromptHash(prompt)

	raw, err := g.callAndParse(ctx, prompt, jobID)
	if err != nil {
		g.logger.Error("LLM call failed after retries",
			slog.String("job_id", jobID),
			slog.String("prompt_hash", promptHash),
			slog.Any("error", err),
		)
		g.breaker.RecordFailure()
		metrics.LLMFailuresTotal.Inc()
		metrics.LLMFallbacksTotal.WithLabelValues("llm_error").Inc()
		return g.fallback(facts, "llm_error")
	}

	normalized, issues := ValidateAndNormalize(raw, facts)
	if normalized == nil {
		g.logger.Error("LLM output failed validation critically",
			slog.String("job_id", jobID),
			slog.String("prompt_hash", promptHash),
			slog.Int("issues", len(issues)),
		)
		g.breaker.RecordFailure()
		metrics.LLMFailuresTotal.Inc()
		metrics.LLMFallbacksTotal.WithLabelValues("validation_failed").Inc()
		return g.fallback(facts, "validation_failed")
	}

	g.breaker.RecordSuccess()
	latency := time.Since(start)
	metrics.LLMCallDuration.Observe(latency.Seconds())

	normalized.Issues = issues
	normalized.Meta = CallMeta{
		Model:          g.caller.Model(),
		LatencySeconds: roundSeconds(latency),
		PromptHash:     promptHash,
	}

	g.logger.Info("Insight generation succeeded",
		slog.String("job_id", jobID),
		slog.Int("insights", len(normalized.Insights)),
		slog.Int("validation_issues", len(issues)),
		slog.Duration("latency", latency),
	)
	return normalized
}

// callAndParse runs the retried LLM call and decodes the JSON body. A
// response that is not valid JSON gets exactly one repair retry with an
// amended instruction before giving up.
func (g *Generator) callAndParse(ctx context.Context, prompt, jobID string) (map[string]any, error) {
	text, err := retry.Do(ctx, g.policy, g.classify, "llm call", g.logger, func(ctx context.Context) (string, error) {
		metrics.LLMCallsTotal.Inc()
		return g.caller.Generate(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}

	raw, parseErr := decodeResponse(text)
	if parseErr == nil {
		return raw, nil
	}

	g.logger.Warn("LLM response is not valid JSON, retrying with repair instruction",
		slog.String("job_id", jobID),
		slog.Any("error", parseErr),
	)

	repairPolicy := g.policy
	repairPolicy.Attempts = 1
	text, err = retry.Do(ctx, repairPolicy, g.classify, "llm repair call", g.logger, func(ctx context.Context) (string, error) {
		metrics.LLMCallsTotal.Inc()
		return g.caller.Generate(ctx, prompt+repairInstruction)
	})
	if err != nil {
		return nil, err
	}
	return decodeResponse(text)
}

func (g *Generator) fallback(facts *Facts, reason string) *Bundle {
	bundle := GenerateFallback(facts)
	bundle.Meta.Reason = reason
	return bundle
}

// decodeResponse strips markdown code fences and decodes the JSON object.
func decodeResponse(text string) (map[string]any, error) {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	var raw map[string]any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func mockBundle() *Bundle {
	return &Bundle{
		Insights: []Insight{
			{
				ID:       "i1",
				Text:     "Mock insight: data shows expected patterns for testing purposes.",
				Severity: "low",
				Category: "quality",
				Evidence: Evidence{
					Aggregates: map[string]any{"rowCount": float64(100)},
					RowIndices: []int{},
				},
				Recommendation: Recommendation{
					Who:      "analyst",
					What:     "Review mock data configuration",
					Priority: "low",
				},
			},
		},
		BusinessSummary: []string{
			"Mock business summary: this is test data generated in mock mode.",
			"Enable real insights by turning off llm.mock and providing an API key.",
		},
		VisualActions: []VisualAction{},
		Metadata: Metadata{
			TotalInsights: 1,
			Confidence:    "low",
		},
		Issues: []string{},
		Meta:   CallMeta{Model: "mock-local"},
	}
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
