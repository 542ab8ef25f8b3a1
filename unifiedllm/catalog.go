package unifiedllm

// Pricing holds per-million-token prices in US dollars.
type Pricing struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheWrite float64 `json:"cache_write"`
	CacheRead  float64 `json:"cache_read"`
}

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	Reasoning     bool     `json:"reasoning"`
	Pricing       *Pricing `json:"pricing,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. Order within a provider is
// newest first; GetLatestModel relies on it.
var Models = []ModelInfo{
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: 32768, Reasoning: true,
		Pricing: &Pricing{Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384, Reasoning: true,
		Pricing: &Pricing{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, MaxOutput: 32768, Reasoning: true,
		Pricing: &Pricing{Input: 2.50, Output: 10.0, CacheRead: 0.25},
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, MaxOutput: 16384, Reasoning: true,
		Pricing: &Pricing{Input: 0.75, Output: 3.0, CacheRead: 0.075},
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gpt-5.2-codex", Provider: "openai", DisplayName: "GPT-5.2 Codex",
		ContextWindow: 1047576, MaxOutput: 32768, Reasoning: true,
		Pricing: &Pricing{Input: 2.50, Output: 10.0, CacheRead: 0.25},
		Aliases: []string{"codex"},
	},
	{
		ID: "gemini-3-pro-preview", Provider: "gemini", DisplayName: "Gemini 3 Pro (Preview)",
		ContextWindow: 1048576, MaxOutput: 65536, Reasoning: true,
		Pricing: &Pricing{Input: 1.25, Output: 5.0, CacheRead: 0.31},
		Aliases: []string{"gemini-pro", "gemini-3-pro"},
	},
	{
		ID: "gemini-3-flash-preview", Provider: "gemini", DisplayName: "Gemini 3 Flash (Preview)",
		ContextWindow: 1048576, MaxOutput: 65536, Reasoning: true,
		Pricing: &Pricing{Input: 0.15, Output: 0.60, CacheRead: 0.0375},
		Aliases: []string{"gemini-flash", "gemini-3-flash"},
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the newest model for a provider, or nil.
func GetLatestModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}

// CalculateCost prices a usage report. A provider-reported TotalCost wins;
// otherwise the catalog pricing is applied. Unknown models cost zero.
func CalculateCost(info *ModelInfo, u Usage) float64 {
	if u.TotalCost != nil {
		return *u.TotalCost
	}
	if info == nil || info.Pricing == nil {
		return 0
	}
	in, out, cacheWrite, cacheRead := u.Tokens()
	p := info.Pricing
	return (float64(in)*p.Input +
		float64(out)*p.Output +
		float64(cacheWrite)*p.CacheWrite +
		float64(cacheRead)*p.CacheRead) / 1_000_000
}
