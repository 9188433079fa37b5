package llm

import "strings"

// modelPrice is USD per 1000 tokens.
type modelPrice struct {
	input  float64
	output float64
}

// priceTable maps model-name prefixes to prices. Longest matching prefix
// wins; unknown models cost zero rather than failing the request.
var priceTable = map[ProviderType]map[string]modelPrice{
	TypeOpenAI: {
		"gpt-4o-mini":   {input: 0.00015, output: 0.0006},
		"gpt-4o":        {input: 0.0025, output: 0.01},
		"gpt-4-turbo":   {input: 0.01, output: 0.03},
		"gpt-4":         {input: 0.03, output: 0.06},
		"gpt-3.5-turbo": {input: 0.0005, output: 0.0015},
	},
	TypeAnthropic: {
		"claude-3-5-haiku":  {input: 0.0008, output: 0.004},
		"claude-3-5-sonnet": {input: 0.003, output: 0.015},
		"claude-3-opus":     {input: 0.015, output: 0.075},
		"claude-3-haiku":    {input: 0.00025, output: 0.00125},
		"claude":            {input: 0.003, output: 0.015},
	},
}

// Cost computes the dollar cost of one completion. Local Ollama models
// are free by definition.
func Cost(providerType ProviderType, model string, usage Usage) float64 {
	if providerType == TypeOllama {
		return 0
	}
	prices, ok := priceTable[providerType]
	if !ok {
		return 0
	}
	var (
		best    modelPrice
		bestLen = -1
	)
	for prefix, price := range prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = price, len(prefix)
		}
	}
	if bestLen < 0 {
		return 0
	}
	return (float64(usage.PromptTokens)*best.input + float64(usage.CompletionTokens)*best.output) / 1000
}
