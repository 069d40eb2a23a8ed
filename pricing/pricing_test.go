package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Match_MostSpecificFirst(t *testing.T) {
	tb := DefaultTable()

	mp := tb.Match("claude-sonnet-4-5-20250929")
	assert.NotNil(t, mp.Input.Tiers, "sonnet-4-5 should use the tiered schedule, not opus/default")

	mp = tb.Match("claude-opus-4-1-20250805")
	require.NotNil(t, mp.Input.Flat)
	assert.Equal(t, 15.00, *mp.Input.Flat)

	// A plain "claude-sonnet-4" id resolves to the tiered sonnet-4 entry.
	mp = tb.Match("claude-sonnet-4-20250514")
	assert.NotNil(t, mp.Input.Tiers)
}

func TestTable_Match_CaseInsensitive(t *testing.T) {
	tb := DefaultTable()

	mixed := tb.Match("Claude-Sonnet-4-5-20250929")
	lower := tb.Match("claude-sonnet-4-5-20250929")
	assert.Equal(t, lower, mixed, "matching must be case-insensitive against the lowercased model id")
	assert.NotNil(t, mixed.Input.Tiers)
}

func TestTable_Match_FallsBackToDefault(t *testing.T) {
	tb := DefaultTable()
	mp := tb.Match("some-unknown-model")
	require.NotNil(t, mp.Input.Flat)
	assert.Equal(t, 3.00, *mp.Input.Flat)
}

func TestModelPricing_Cost_Flat(t *testing.T) {
	mp := ModelPricing{
		Input:      Flat(3.00),
		Output:     Flat(15.00),
		CacheWrite: Flat(3.75),
		CacheRead:  Flat(0.30),
	}
	cost := mp.Cost(Usage{InputTokens: 1_000_000, OutputTokens: 500_000, CacheCreationTokens: 100_000, CacheReadTokens: 200_000})
	want := 3.00 + 7.50 + 0.375 + 0.06
	assert.InDelta(t, want, cost, 1e-9)
}

func TestModelPricing_Cost_TieredWalksThresholds(t *testing.T) {
	mp := ModelPricing{
		Input: TieredPrice(
			Tier{UpTo: 200_000, PricePerMTok: 3.00},
			Tier{UpTo: math.Inf(1), PricePerMTok: 6.00},
		),
		Output: Flat(0),
	}
	// Entirely within the first tier.
	cost := mp.Cost(Usage{InputTokens: 100_000})
	assert.InDelta(t, 0.3, cost, 1e-9)

	// Spills into the second tier: 200k at $3/M + 50k at $6/M.
	cost = mp.Cost(Usage{InputTokens: 250_000})
	want := (200_000.0/1_000_000)*3.00 + (50_000.0/1_000_000)*6.00
	assert.InDelta(t, want, cost, 1e-9)
}

func TestModelPricing_Cost_RoundsToEightDecimals(t *testing.T) {
	mp := ModelPricing{Input: Flat(1.0 / 3.0), Output: Flat(0)}
	cost := mp.Cost(Usage{InputTokens: 7})
	rounded := math.Round(cost*1e8) / 1e8
	assert.Equal(t, rounded, cost)
}

func TestTable_SetPricing_InsertsBeforeDefault(t *testing.T) {
	tb := DefaultTable()
	tb.SetPricing("claude-custom-model", ModelPricing{Input: Flat(1), Output: Flat(2)})

	mp := tb.Match("claude-custom-model-v1")
	require.NotNil(t, mp.Input.Flat)
	assert.Equal(t, 1.0, *mp.Input.Flat)

	// default entry must still be reachable for genuinely unknown models.
	mp = tb.Match("totally-unrelated")
	require.NotNil(t, mp.Input.Flat)
	assert.Equal(t, 3.00, *mp.Input.Flat)
}

func TestTable_AllPricing_ReturnsSnapshot(t *testing.T) {
	tb := DefaultTable()
	all := tb.AllPricing()
	assert.Contains(t, all, "default")
	assert.Contains(t, all, "claude-opus-4-1")
}
