package config

import (
	"fmt"
	"strings"
)

// ModelInfo contains provider and limits for a model.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels is a small static registry; unknown models fall back to ProviderPatterns.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"gpt-5-mini":        {Provider: ProviderOpenAI, MaxContextTokens: 400000, MaxOutputTokens: 16384},
	"gpt-5":             {Provider: ProviderOpenAI, MaxContextTokens: 400000, MaxOutputTokens: 16384},
	"gpt-4o":            {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 4096},
	"o4-mini":           {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"claude-sonnet-4-5": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-opus-4-1":   {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 16384},
	"gemini-2.5-flash":  {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"gemini-2.0-flash":  {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 8192},
}

// ProviderPattern maps a model-name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"phi", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the provider for modelName, by registry then prefix.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(modelName, p.Prefix) {
			return p.Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no provider mapping or pattern match", modelName)
}

// GetModelInfo returns registry info, or conservative defaults with an inferred provider.
func GetModelInfo(modelName string) ModelInfo {
	if info, ok := KnownModels[modelName]; ok {
		return info
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{Provider: provider, MaxContextTokens: 32768, MaxOutputTokens: 4096}
}
