package cmd

import (
	"os"

	"github.com/nextlevelbuilder/boardroom/internal/providers"
)

// registerProviders installs the model drivers and the builtin model catalog.
// Base URLs are env-overridable for proxies and self-hosted gateways.
func registerProviders(reg *providers.Registry) {
	reg.RegisterDriver(providers.NewAnthropicDriver(os.Getenv("BOARDROOM_ANTHROPIC_BASE_URL")))
	reg.RegisterDriver(providers.NewOpenAIDriver("openai", os.Getenv("BOARDROOM_OPENAI_BASE_URL")))
	reg.RegisterDriver(providers.NewOpenAIDriver("openrouter", "https://openrouter.ai/api/v1"))
	reg.RegisterDriver(providers.NewOpenAIDriver("groq", "https://api.groq.com/openai/v1"))
	reg.RegisterDriver(providers.NewOpenAIDriver("deepseek", "https://api.deepseek.com/v1"))

	for _, desc := range builtinModels {
		reg.RegisterModel(desc)
	}
}

// builtinModels is the shipped catalog. OpenRouter model ids keep their
// upstream provider prefix ("anthropic/...") as part of the model id.
var builtinModels = []providers.ModelDescriptor{
	{Provider: "anthropic", ID: "claude-sonnet-4-5", ContextWindowTokens: 200_000,
		Capabilities: []string{"vision", "thinking", "tools"}},
	{Provider: "anthropic", ID: "claude-opus-4-1", ContextWindowTokens: 200_000,
		Capabilities: []string{"vision", "thinking", "tools"}},
	{Provider: "anthropic", ID: "claude-haiku-4-5", ContextWindowTokens: 200_000,
		Capabilities: []string{"vision", "tools"}},

	{Provider: "openai", ID: "gpt-5", ContextWindowTokens: 400_000,
		Capabilities: []string{"vision", "thinking", "tools"}},
	{Provider: "openai", ID: "gpt-5-mini", ContextWindowTokens: 400_000,
		Capabilities: []string{"vision", "thinking", "tools"}},
	{Provider: "openai", ID: "gpt-4o", ContextWindowTokens: 128_000,
		Capabilities: []string{"vision", "tools"}},

	{Provider: "openrouter", ID: "anthropic/claude-sonnet-4-5", ContextWindowTokens: 200_000,
		Capabilities: []string{"vision", "thinking", "tools"}},
	{Provider: "openrouter", ID: "meta-llama/llama-3.3-70b-instruct", ContextWindowTokens: 128_000,
		Capabilities: []string{"tools"}},

	{Provider: "groq", ID: "llama-3.3-70b-versatile", ContextWindowTokens: 128_000,
		Capabilities: []string{"tools"}},

	{Provider: "deepseek", ID: "deepseek-chat", ContextWindowTokens: 128_000,
		Capabilities: []string{"tools"}},
	{Provider: "deepseek", ID: "deepseek-reasoner", ContextWindowTokens: 128_000,
		Capabilities: []string{"thinking", "tools"}},
}
