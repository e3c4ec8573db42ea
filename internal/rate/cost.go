package rate

import (
	"math"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"missionctl/internal/errors"
)

// ModelPrice is the billing shape of one model.
type ModelPrice struct {
	InputPer1K     float64 `json:"inputPer1k" yaml:"input_per_1k"`
	OutputPer1K    float64 `json:"outputPer1k" yaml:"output_per_1k"`
	MinBillingUnit int     `json:"minBillingUnit" yaml:"min_billing_unit"` // tokens
}

// DefaultModelPrices seeds the registry with the models workers commonly
// report. Unknown models fall back to the "default" entry.
func DefaultModelPrices() map[string]ModelPrice {
	return map[string]ModelPrice{
		"default":           {InputPer1K: 0.003, OutputPer1K: 0.015, MinBillingUnit: 1000},
		"claude-sonnet-4-5": {InputPer1K: 0.003, OutputPer1K: 0.015, MinBillingUnit: 1000},
		"claude-haiku-4-5":  {InputPer1K: 0.001, OutputPer1K: 0.005, MinBillingUnit: 1000},
		"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01, MinBillingUnit: 1000},
		"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006, MinBillingUnit: 1000},
	}
}

// providerCallCost is the flat per-call estimate applied to provider
// calls bundled into a task estimate.
const providerCallCost = 0.002

// Estimate is a cost range with a confidence score.
type Estimate struct {
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Confidence float64 `json:"confidence"`
}

// CostTracker estimates and records spend per mission with hourly
// rollups feeding the per-hour budget gate.
type CostTracker struct {
	mu     sync.Mutex
	prices map[string]ModelPrice
	spend  map[string][]spendEntry // mission id -> entries
	now    func() time.Time
}

type spendEntry struct {
	at     time.Time
	amount float64
}

// NewCostTracker builds a tracker over a model price registry.
func NewCostTracker(prices map[string]ModelPrice) *CostTracker {
	if prices == nil {
		prices = DefaultModelPrices()
	}
	if _, ok := prices["default"]; !ok {
		prices["default"] = DefaultModelPrices()["default"]
	}
	return &CostTracker{
		prices: prices,
		spend:  make(map[string][]spendEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Clock overrides the tracker's time source for tests.
func (c *CostTracker) Clock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Prices returns a copy of the model price table.
func (c *CostTracker) Prices() map[string]ModelPrice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ModelPrice, len(c.prices))
	for model, p := range c.prices {
		out[model] = p
	}
	return out
}

func (c *CostTracker) price(model string) ModelPrice {
	if p, ok := c.prices[model]; ok {
		return p
	}
	return c.prices["default"]
}

// EstimateTaskCost projects spend for a task. Retries widen the range;
// confidence drops with every unknown in the input.
func (c *CostTracker) EstimateTaskCost(model string, inputTokens, outputTokens, retries int, providerCalls map[string]int) Estimate {
	c.mu.Lock()
	price, known := c.prices[model]
	c.mu.Unlock()
	if !known {
		price = c.price(model)
	}

	in := billedTokens(inputTokens, price.MinBillingUnit)
	out := billedTokens(outputTokens, price.MinBillingUnit)
	base := float64(in)/1000*price.InputPer1K + float64(out)/1000*price.OutputPer1K
	for _, calls := range providerCalls {
		base += float64(calls) * providerCallCost
	}

	attempts := float64(1 + retries)
	confidence := 0.9
	if !known {
		confidence -= 0.3
	}
	if retries > 0 {
		confidence -= 0.1 * float64(retries)
	}
	if confidence < 0.1 {
		confidence = 0.1
	}
	return Estimate{
		Min:        round(base),
		Max:        round(base * attempts),
		Confidence: confidence,
	}
}

func billedTokens(tokens, unit int) int {
	if tokens <= 0 {
		return 0
	}
	if unit <= 1 {
		return tokens
	}
	return int(math.Ceil(float64(tokens)/float64(unit))) * unit
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// EstimatePromptTokens counts the tokens of a prompt with the model's
// tokenizer, falling back to a bytes/4 heuristic when the encoding is
// unavailable offline.
func EstimatePromptTokens(model, prompt string) int {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		if encoding, err = tiktoken.GetEncoding("cl100k_base"); err != nil {
			return len(prompt) / 4
		}
	}
	return len(encoding.Encode(prompt, nil, nil))
}

// RecordSpend books actual spend against a mission.
func (c *CostTracker) RecordSpend(missionID string, amount float64) {
	if amount <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend[missionID] = append(c.spend[missionID], spendEntry{at: c.now(), amount: amount})
}

// MissionSpend returns the mission's total recorded spend.
func (c *CostTracker) MissionSpend(missionID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, e := range c.spend[missionID] {
		total += e.amount
	}
	return round(total)
}

// HourlySpend returns the mission's spend over the trailing hour.
func (c *CostTracker) HourlySpend(missionID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-time.Hour)
	var total float64
	for _, e := range c.spend[missionID] {
		if e.at.After(cutoff) {
			total += e.amount
		}
	}
	return round(total)
}

// CheckBudget rejects an estimate that would bust the mission's total or
// hourly ceiling. Zero ceilings mean unlimited.
func (c *CostTracker) CheckBudget(missionID string, estimated, maxEstimated, maxPerHour float64) error {
	if maxEstimated > 0 {
		if total := c.MissionSpend(missionID) + estimated; total > maxEstimated {
			return errors.Newf(errors.CodeCostExceeded,
				"estimated spend %.4f exceeds mission budget %.4f", total, maxEstimated).
				WithDetail("estimated", estimated).AsBlocked()
		}
	}
	if maxPerHour > 0 {
		if hour := c.HourlySpend(missionID) + estimated; hour > maxPerHour {
			return errors.Newf(errors.CodeCostExceeded,
				"hourly spend %.4f exceeds ceiling %.4f", hour, maxPerHour).
				WithDetail("estimated", estimated).AsBlocked()
		}
	}
	return nil
}
