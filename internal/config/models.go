package config

// DefaultModel returns the model used when ai.model is empty.
func DefaultModel(provider string) string {
	switch provider {
	case "google":
		return "gemini-2.5-flash"
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "openrouter/auto"
	default:
		return ""
	}
}

// ProviderEnvVar names the environment variable holding a provider's key.
func ProviderEnvVar(provider string) string {
	switch provider {
	case "google":
		return "GEMINI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	default:
		return ""
	}
}
