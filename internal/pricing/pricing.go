package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrUnknownPricing is returned when no rate is configured for a
// (provider, model) pair. Unknown pairs never bill at zero.
var ErrUnknownPricing = errors.New("unknown pricing for provider/model")

// Rate holds the per-token prices for one (provider, model) pair.
type Rate struct {
	InputPricePerToken  float64 `json:"input_price_per_token"`
	OutputPricePerToken float64 `json:"output_price_per_token"`
}

// Table is the static per-provider-per-model price list.
// Rates are fixed at load time; cost is never recomputed retroactively.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

func key(provider, model string) string {
	return provider + "/" + model
}

// defaultRates ship compiled in; PRICING_TABLE overrides or extends them.
var defaultRates = map[string]Rate{
	"openai/gpt-4o":               {InputPricePerToken: 0.0000025, OutputPricePerToken: 0.00001},
	"openai/gpt-4o-mini":          {InputPricePerToken: 0.00000015, OutputPricePerToken: 0.0000006},
	"anthropic/claude-3-5-sonnet": {InputPricePerToken: 0.000003, OutputPricePerToken: 0.000015},
	"anthropic/claude-3-5-haiku":  {InputPricePerToken: 0.0000008, OutputPricePerToken: 0.000004},
}

// NewTable creates a table with the compiled-in default rates.
func NewTable() *Table {
	rates := make(map[string]Rate, len(defaultRates))
	for k, v := range defaultRates {
		rates[k] = v
	}
	return &Table{rates: rates}
}

// LoadTable builds a table from defaults plus the PRICING_TABLE environment
// variable, a JSON object of "provider/model" -> rate.
func LoadTable() (*Table, error) {
	t := NewTable()

	raw := os.Getenv("PRICING_TABLE")
	if raw == "" {
		return t, nil
	}

	var overrides map[string]Rate
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse PRICING_TABLE: %w", err)
	}

	for k, v := range overrides {
		if v.InputPricePerToken < 0 || v.OutputPricePerToken < 0 {
			return nil, fmt.Errorf("negative price for %q in PRICING_TABLE", k)
		}
		t.rates[k] = v
	}

	return t, nil
}

// Rate returns the configured rate for a (provider, model) pair.
func (t *Table) Rate(provider, model string) (Rate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rate, ok := t.rates[key(provider, model)]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrUnknownPricing, provider, model)
	}
	return rate, nil
}

// Calculate computes the cost of a completed call. Pure and linear in both
// token counts.
func (t *Table) Calculate(provider, model string, inputTokens, outputTokens int) (float64, error) {
	rate, err := t.Rate(provider, model)
	if err != nil {
		return 0, err
	}
	return float64(inputTokens)*rate.InputPricePerToken +
		float64(outputTokens)*rate.OutputPricePerToken, nil
}

// Set registers or replaces a rate. Intended for tests and admin tooling.
func (t *Table) Set(provider, model string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[key(provider, model)] = rate
}
