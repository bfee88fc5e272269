package insight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPromptIncludesFacts(t *testing.T) {
	prompt, err := BuildPrompt(testFacts())
	require.NoError(t, err)

	assert.Contains(t, prompt, `"sales"`)
	assert.Contains(t, prompt, "chart_hist_sales")
	assert.Contains(t, prompt, `"rowCount":100`)
	assert.Contains(t, prompt, "analystInsights")
}

func TestBuildPromptIsStable(t *testing.T) {
	facts := testFacts()

	first, err := BuildPrompt(facts)
	require.NoError(t, err)
	second, err := BuildPrompt(facts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, PromptHash(first), PromptHash(second))
}

func TestPromptHash(t *testing.T) {
	hash := PromptHash("hello")
	assert.Len(t, hash, 16)
	assert.NotEqual(t, hash, PromptHash("world"))
}
