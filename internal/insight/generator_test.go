package insight

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot/insight-worker/internal/breaker"
	"github.com/datapilot/insight-worker/internal/retry"
)

type fakeCaller struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeCaller) Generate(ctx context.Context, prompt string) (string, error) {
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return "", errors.New("no scripted response")
}

func (f *fakeCaller) Model() string { return "fake-model" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() retry.Policy {
	return retry.Policy{
		Attempts:     2,
		InitialDelay: time.Millisecond,
		Factor:       2,
		MaxDelay:     2 * time.Millisecond,
	}
}

func testBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{
		Threshold: 3,
		Window:    time.Minute,
		Cooldown:  time.Minute,
	}, discardLogger())
}

func newTestGenerator(caller Caller, b *breaker.Breaker) *Generator {
	return NewGenerator(&Config{
		Logger:  discardLogger(),
		Caller:  caller,
		Breaker: b,
		Policy:  testPolicy(),
	})
}

func goodResponse(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(validRaw())
	require.NoError(t, err)
	return string(data)
}

func TestGenerateHappyPath(t *testing.T) {
	caller := &fakeCaller{responses: []string{goodResponse(t)}}
	g := newTestGenerator(caller, testBreaker())

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, 1, caller.calls)
	assert.Len(t, bundle.Insights, 1)
	assert.Equal(t, "fake-model", bundle.Meta.Model)
	assert.NotEmpty(t, bundle.Meta.PromptHash)
	assert.Empty(t, bundle.Meta.Reason)
}

func TestGenerateStripsCodeFences(t *testing.T) {
	caller := &fakeCaller{responses: []string{"```json\n" + goodResponse(t) + "\n```"}}
	g := newTestGenerator(caller, testBreaker())

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Len(t, bundle.Insights, 1)
	assert.Equal(t, 1, caller.calls)
}

func TestGenerateMockMode(t *testing.T) {
	caller := &fakeCaller{}
	g := NewGenerator(&Config{
		Logger:  discardLogger(),
		Caller:  caller,
		Breaker: testBreaker(),
		Policy:  testPolicy(),
		Mock:    true,
	})

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, 0, caller.calls, "mock mode must not touch the caller")
	assert.Equal(t, "mock-local", bundle.Meta.Model)
	assert.NotEmpty(t, bundle.Insights)
}

func TestGenerateOpenCircuitSkipsCall(t *testing.T) {
	caller := &fakeCaller{responses: []string{goodResponse(t)}}
	b := testBreaker()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	g := newTestGenerator(caller, b)
	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, 0, caller.calls, "open circuit must short-circuit the call")
	assert.Equal(t, "fallback-deterministic", bundle.Meta.Model)
	assert.Equal(t, "circuit_open", bundle.Meta.Reason)
}

func TestGenerateMissingCredentials(t *testing.T) {
	b := testBreaker()
	g := newTestGenerator(nil, b)

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, "missing_credentials", bundle.Meta.Reason)
	assert.Equal(t, 1, b.FailureCount(), "missing credentials count against the breaker")
}

func TestGenerateRetriesThenFallsBack(t *testing.T) {
	caller := &fakeCaller{errs: []error{errors.New("boom"), errors.New("boom")}}
	b := testBreaker()
	g := NewGenerator(&Config{
		Logger:   discardLogger(),
		Caller:   caller,
		Breaker:  b,
		Policy:   testPolicy(),
		Classify: retry.Always,
	})

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, 2, caller.calls, "attempt budget consumed")
	assert.Equal(t, "llm_error", bundle.Meta.Reason)
	assert.Equal(t, 1, b.FailureCount(), "one breaker failure per job, not per attempt")
}

func TestGenerateRepairRetryOnMalformedJSON(t *testing.T) {
	caller := &fakeCaller{responses: []string{"this is not json", goodResponse(t)}}
	g := newTestGenerator(caller, testBreaker())

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, 2, caller.calls)
	assert.Len(t, bundle.Insights, 1)
	require.Len(t, caller.prompts, 2)
	assert.False(t, strings.Contains(caller.prompts[0], "structural issues"))
	assert.True(t, strings.HasSuffix(caller.prompts[1], repairInstruction),
		"repair call appends the fix instruction")
}

func TestGenerateRepairRetryHappensOnlyOnce(t *testing.T) {
	caller := &fakeCaller{responses: []string{"not json", "still not json"}}
	b := testBreaker()
	g := newTestGenerator(caller, b)

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, 2, caller.calls, "exactly one repair attempt after the first parse failure")
	assert.Equal(t, "llm_error", bundle.Meta.Reason)
	assert.Equal(t, 1, b.FailureCount())
}

func TestGenerateValidationFailureFallsBack(t *testing.T) {
	caller := &fakeCaller{responses: []string{`{"analystInsights": [], "businessSummary": []}`}}
	b := testBreaker()
	g := newTestGenerator(caller, b)

	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, "validation_failed", bundle.Meta.Reason)
	assert.Equal(t, 1, b.FailureCount())
}

func TestGenerateSuccessClearsBreaker(t *testing.T) {
	caller := &fakeCaller{responses: []string{goodResponse(t)}}
	b := testBreaker()
	b.RecordFailure()
	b.RecordFailure()

	g := newTestGenerator(caller, b)
	bundle := g.Generate(context.Background(), testFacts(), "job-1")

	require.NotNil(t, bundle)
	assert.Equal(t, 0, b.FailureCount(), "success clears the failure history")
}
