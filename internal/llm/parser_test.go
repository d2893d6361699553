package llm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-consensus/internal/domain"
)

func windowJSON(up, down, flat float64) string {
	return fmt.Sprintf(`{
		"prob_up": %g, "prob_down": %g, "prob_flat": %g,
		"prob_move_1pct": 0.5, "prob_move_2pct": 0.2,
		"expected_range_pct": 1.2, "confidence": 65,
		"main_conclusion": "steady drift higher",
		"top_factors": [
			{"name": "funding", "direction": "up", "strength": 60, "evidence": "positive and rising"}
		],
		"invalidation": ["close below 100k"]
	}`, up, down, flat)
}

func fullResponse(up, down, flat float64) string {
	w := windowJSON(up, down, flat)
	return fmt.Sprintf(`{"windows": {"1h": %s, "4h": %s, "24h": %s}, "reasoning": "momentum plus funding"}`, w, w, w)
}

func TestParse_PlainJSON(t *testing.T) {
	pred, err := Parse(fullResponse(0.6, 0.2, 0.2))
	require.NoError(t, err)

	require.Len(t, pred.Windows, 3)
	w1 := pred.Windows[domain.Window1h]
	assert.InDelta(t, 0.6, w1.ProbUp, 1e-9)
	assert.Equal(t, 65, w1.Confidence)
	assert.Equal(t, "steady drift higher", w1.MainConclusion)
	require.Len(t, w1.TopFactors, 1)
	assert.Equal(t, "funding", w1.TopFactors[0].Name)
	assert.Equal(t, []string{"close below 100k"}, w1.Invalidation)
	assert.Equal(t, "momentum plus funding", pred.Reasoning)
}

func TestParse_FencedJSON(t *testing.T) {
	raw := "Here is my forecast:\n```json\n" + fullResponse(0.5, 0.3, 0.2) + "\n```\nGood luck."
	pred, err := Parse(raw)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, pred.Windows[domain.Window4h].ProbUp, 1e-9)
}

func TestParse_FenceWithoutLanguageTag(t *testing.T) {
	raw := "```\n" + fullResponse(0.4, 0.4, 0.2) + "\n```"
	_, err := Parse(raw)
	require.NoError(t, err)
}

func TestParse_RenormalizesDriftedProbabilities(t *testing.T) {
	// Sums to 1.2; every component should be scaled by 1/1.2.
	pred, err := Parse(fullResponse(0.6, 0.4, 0.2))
	require.NoError(t, err)

	for _, w := range domain.Windows() {
		p := pred.Windows[w]
		assert.InDelta(t, 1.0, p.ProbUp+p.ProbDown+p.ProbFlat, 1e-9)
		assert.InDelta(t, 0.5, p.ProbUp, 1e-9)
	}
}

func TestParse_KeepsSmallDrift(t *testing.T) {
	// Sums to 1.005, inside tolerance: values pass through untouched.
	pred, err := Parse(fullResponse(0.6, 0.2, 0.205))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, pred.Windows[domain.Window1h].ProbUp, 1e-9)
}

func TestParse_MissingWindow(t *testing.T) {
	w := windowJSON(0.6, 0.2, 0.2)
	raw := fmt.Sprintf(`{"windows": {"1h": %s, "4h": %s}, "reasoning": "no daily view"}`, w, w)

	_, err := Parse(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "24h")
}

func TestParse_RepairsTrailingComma(t *testing.T) {
	w := windowJSON(0.6, 0.2, 0.2)
	raw := fmt.Sprintf(`{"windows": {"1h": %s, "4h": %s, "24h": %s,}, "reasoning": "r",}`, w, w, w)

	_, err := Parse(raw)
	require.NoError(t, err)
}

func TestParse_StripsControlCharacters(t *testing.T) {
	raw := "\x00\x01" + fullResponse(0.6, 0.2, 0.2) + "\x1f"
	_, err := Parse(raw)
	require.NoError(t, err)
}

func TestParse_EmptyResponse(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)

	_, err = Parse("```json\n\n```")
	require.Error(t, err)
}

func TestParse_NotJSONAtAll(t *testing.T) {
	_, err := Parse("I cannot produce a forecast right now.")
	require.Error(t, err)
}
