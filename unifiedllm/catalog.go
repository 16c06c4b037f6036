package unifiedllm

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	Local         bool     `json:"local"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. The first entry for each provider
// is its default.
var Models = []ModelInfo{
	// Ollama
	{
		ID: "qwen2.5-coder:3b", Provider: "ollama", DisplayName: "Qwen2.5 Coder 3B",
		ContextWindow: 32768, Local: true,
		Aliases: []string{"qwen-coder"},
	},
	{
		ID: "qwen2.5-coder:7b", Provider: "ollama", DisplayName: "Qwen2.5 Coder 7B",
		ContextWindow: 32768, Local: true,
	},
	{
		ID: "llama3.2:3b", Provider: "ollama", DisplayName: "Llama 3.2 3B",
		ContextWindow: 131072, Local: true,
		Aliases: []string{"llama3.2"},
	},

	// OpenAI
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128000,
	},
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000,
	},

	// Anthropic
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000,
		Aliases: []string{"haiku"},
	},

	// Groq
	{
		ID: "llama-3.3-70b-versatile", Provider: "groq", DisplayName: "Llama 3.3 70B (Groq)",
		ContextWindow: 131072,
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
// Aliases are matched case-insensitively.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
	}
	for i := range Models {
		for _, alias := range Models[i].Aliases {
			if strings.EqualFold(alias, modelID) {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// DefaultModel returns the default model for a provider, or nil when the
// provider has no catalog entries.
func DefaultModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}

// ResolveModelID expands an alias to its canonical model ID. Unknown IDs are
// returned unchanged so callers can use models the catalog does not list.
func ResolveModelID(modelID string) string {
	if info := GetModelInfo(modelID); info != nil {
		return info.ID
	}
	return modelID
}
