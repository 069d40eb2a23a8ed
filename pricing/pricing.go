// Package pricing holds per-model token pricing and cost calculation for
// the proxy's accounting engine (cost = f(model, tokens)).
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
)

// Tier is one step of a tiered per-1M-token price schedule. UpTo is the
// cumulative token count at which this tier ends; the last tier in a
// schedule should use math.Inf(1).
type Tier struct {
	UpTo         float64 `json:"up_to"`
	PricePerMTok float64 `json:"price_per_mtok"`
}

// TokenPrice is either a flat per-1M-token rate or a tiered schedule keyed
// by cumulative token count. Exactly one of Flat or Tiers should be set.
type TokenPrice struct {
	Flat  *float64 `json:"flat,omitempty"`
	Tiers []Tier   `json:"tiers,omitempty"`
}

// Flat builds a flat per-1M-token price.
func Flat(pricePerMTok float64) TokenPrice {
	p := pricePerMTok
	return TokenPrice{Flat: &p}
}

// TieredPrice builds a tiered per-1M-token price schedule.
func TieredPrice(tiers ...Tier) TokenPrice {
	return TokenPrice{Tiers: tiers}
}

// cost computes the USD cost of consuming the given number of tokens under
// this price, walking tiers from the lowest threshold up and charging each
// tier's capacity at that tier's rate, matching the original implementation's
// tiered accounting.
func (tp TokenPrice) cost(tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	if tp.Flat != nil {
		return float64(tokens) / 1_000_000 * *tp.Flat
	}
	if len(tp.Tiers) == 0 {
		return 0
	}
	tiers := make([]Tier, len(tp.Tiers))
	copy(tiers, tp.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].UpTo < tiers[j].UpTo })

	remaining := float64(tokens)
	prevThreshold := 0.0
	total := 0.0
	for _, t := range tiers {
		if remaining <= 0 {
			break
		}
		capacity := t.UpTo - prevThreshold
		charge := math.Min(remaining, capacity)
		total += charge / 1_000_000 * t.PricePerMTok
		remaining -= charge
		prevThreshold = t.UpTo
	}
	return total
}

// ModelPricing holds the four independently-priced token classes a
// single Anthropic Messages API request can report usage for.
type ModelPricing struct {
	Input      TokenPrice `json:"input"`
	Output     TokenPrice `json:"output"`
	CacheWrite TokenPrice `json:"cache_write"`
	CacheRead  TokenPrice `json:"cache_read"`
}

// Usage is the four token counts a single request consumes.
type Usage struct {
	InputTokens        int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens      int64
}

// Cost returns the total USD cost of the usage under this pricing, rounded
// to 8 decimal places, matching round(total_cost, 8) in the original.
func (mp ModelPricing) Cost(u Usage) float64 {
	total := mp.Input.cost(u.InputTokens) +
		mp.Output.cost(u.OutputTokens) +
		mp.CacheWrite.cost(u.CacheCreationTokens) +
		mp.CacheRead.cost(u.CacheReadTokens)
	return math.Round(total*1e8) / 1e8
}

// entry pairs a substring match pattern with its pricing, in priority order.
type entry struct {
	pattern string
	pricing ModelPricing
}

// Table is a priority-ordered, substring-matched pricing table: the first
// pattern that appears as a substring of the model name wins, falling back
// to a "default" entry. Safe for concurrent use; entries may be replaced at
// runtime via SetPricing/LoadFromFile (a teacher operability feature
// generalized to the four-class schedule). Neither is reachable through the
// admin HTTP API.
type Table struct {
	mu      sync.RWMutex
	entries []entry // priority order, most specific first
}

// DefaultTable returns the built-in Claude pricing table, ordered most
// specific pattern first so e.g. "claude-sonnet-4-5" is matched before the
// more general "claude-sonnet-4".
func DefaultTable() *Table {
	half := 6.0
	outHalf := 22.5
	t := &Table{}
	t.entries = []entry{
		{"claude-sonnet-4-5", ModelPricing{
			Input:      TieredPrice(Tier{UpTo: 200_000, PricePerMTok: 3.00}, Tier{UpTo: math.Inf(1), PricePerMTok: half}),
			Output:     TieredPrice(Tier{UpTo: 200_000, PricePerMTok: 15.00}, Tier{UpTo: math.Inf(1), PricePerMTok: outHalf}),
			CacheWrite: Flat(3.75),
			CacheRead:  Flat(0.30),
		}},
		{"claude-opus-4-1", ModelPricing{
			Input: Flat(15.00), Output: Flat(75.00),
			CacheWrite: Flat(18.75), CacheRead: Flat(1.50),
		}},
		{"claude-opus-4", ModelPricing{
			Input: Flat(15.00), Output: Flat(75.00),
			CacheWrite: Flat(18.75), CacheRead: Flat(1.50),
		}},
		{"claude-sonnet-4", ModelPricing{
			Input:      TieredPrice(Tier{UpTo: 200_000, PricePerMTok: 3.00}, Tier{UpTo: math.Inf(1), PricePerMTok: half}),
			Output:     TieredPrice(Tier{UpTo: 200_000, PricePerMTok: 15.00}, Tier{UpTo: math.Inf(1), PricePerMTok: outHalf}),
			CacheWrite: Flat(3.75),
			CacheRead:  Flat(0.30),
		}},
		{"claude-sonnet-3-7", ModelPricing{
			Input: Flat(3.00), Output: Flat(15.00),
			CacheWrite: Flat(3.75), CacheRead: Flat(0.30),
		}},
		{"claude-3-5-sonnet", ModelPricing{
			Input: Flat(3.00), Output: Flat(15.00),
			CacheWrite: Flat(3.75), CacheRead: Flat(0.30),
		}},
		{"claude-3-5-haiku", ModelPricing{
			Input: Flat(0.80), Output: Flat(4.00),
			CacheWrite: Flat(1.00), CacheRead: Flat(0.08),
		}},
		{"claude-3-opus", ModelPricing{
			Input: Flat(15.00), Output: Flat(75.00),
			CacheWrite: Flat(18.75), CacheRead: Flat(1.50),
		}},
		{"claude-3-haiku", ModelPricing{
			Input: Flat(0.25), Output: Flat(1.25),
			CacheWrite: Flat(0.30), CacheRead: Flat(0.03),
		}},
		{"default", ModelPricing{
			Input: Flat(3.00), Output: Flat(15.00),
			CacheWrite: Flat(3.75), CacheRead: Flat(0.30),
		}},
	}
	return t
}

// Match returns the pricing for model, checking patterns in priority order
// and falling back to the "default" entry. Matching never fails: the
// default entry is always present.
func (t *Table) Match(model string) ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	model = strings.ToLower(model)
	for _, e := range t.entries {
		if e.pattern == "default" {
			continue
		}
		if strings.Contains(model, e.pattern) {
			return e.pricing
		}
	}
	for _, e := range t.entries {
		if e.pattern == "default" {
			return e.pricing
		}
	}
	return ModelPricing{}
}

// CalculateCost is a convenience wrapper around Match + ModelPricing.Cost.
func (t *Table) CalculateCost(model string, u Usage) float64 {
	return t.Match(model).Cost(u)
}

// SetPricing inserts or replaces the pricing for pattern, placing new
// patterns immediately before the "default" fallback so they still lose to
// any existing more-specific pattern already in the table.
func (t *Table) SetPricing(pattern string, mp ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.pattern == pattern {
			t.entries[i].pricing = mp
			return
		}
	}
	insertAt := len(t.entries)
	for i, e := range t.entries {
		if e.pattern == "default" {
			insertAt = i
			break
		}
	}
	t.entries = append(t.entries, entry{})
	copy(t.entries[insertAt+1:], t.entries[insertAt:])
	t.entries[insertAt] = entry{pattern: pattern, pricing: mp}
}

// AllPricing returns a snapshot of the table keyed by pattern; being a map,
// it does not carry the priority order.
func (t *Table) AllPricing() map[string]ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelPricing, len(t.entries))
	for _, e := range t.entries {
		out[e.pattern] = e.pricing
	}
	return out
}

// overrideFile is the on-disk shape accepted by LoadFromFile: a map of
// pattern -> pricing, applied with SetPricing (so any new pattern is
// inserted just above the default fallback, not blindly appended).
type overrideFile map[string]ModelPricing

// LoadFromFile loads pricing overrides from a JSON file, matching the
// teacher's admin-override hook.
func (t *Table) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricing: read override file: %w", err)
	}
	var overrides overrideFile
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("pricing: parse override file: %w", err)
	}
	for pattern, mp := range overrides {
		t.SetPricing(pattern, mp)
	}
	return nil
}
