package cost

// modelRates holds per-million-token USD rates for one model.
type modelRates struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// pricing is the provider → model → rates table. Unknown models fall back to
// the provider default ("*"); unknown providers fall back to defaultRates.
var pricing = map[string]map[string]modelRates{
	"anthropic": {
		"claude-sonnet-4.5": {PromptPerMTok: 3.0, CompletionPerMTok: 15.0},
		"claude-opus-4.1":   {PromptPerMTok: 15.0, CompletionPerMTok: 75.0},
		"claude-haiku-4.5":  {PromptPerMTok: 1.0, CompletionPerMTok: 5.0},
		"*":                 {PromptPerMTok: 3.0, CompletionPerMTok: 15.0},
	},
	"openai": {
		"gpt-4o":      {PromptPerMTok: 2.5, CompletionPerMTok: 10.0},
		"gpt-4o-mini": {PromptPerMTok: 0.15, CompletionPerMTok: 0.6},
		"*":           {PromptPerMTok: 2.5, CompletionPerMTok: 10.0},
	},
}

// defaultRates applies when neither provider nor model is known.
var defaultRates = modelRates{PromptPerMTok: 3.0, CompletionPerMTok: 15.0}

// ratesFor resolves the rates for a provider/model pair.
func ratesFor(provider, model string) modelRates {
	models, ok := pricing[provider]
	if !ok {
		return defaultRates
	}
	if r, ok := models[model]; ok {
		return r
	}
	if r, ok := models["*"]; ok {
		return r
	}
	return defaultRates
}

// CalculateCost prices a token usage pair against the pricing table.
func CalculateCost(provider, model string, promptTokens, completionTokens int) (promptCost, completionCost, totalCost float64) {
	r := ratesFor(provider, model)
	promptCost = float64(promptTokens) / 1e6 * r.PromptPerMTok
	completionCost = float64(completionTokens) / 1e6 * r.CompletionPerMTok
	return promptCost, completionCost, promptCost + completionCost
}
