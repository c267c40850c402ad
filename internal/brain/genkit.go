package brain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig selects the provider behind a GenkitCapability.
type GenkitConfig struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or
	// "openrouter".
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the endpoint for OpenAI-compatible providers.
	BaseURL string
	// System is sent as the system prompt on every call.
	System string
}

// GenkitCapability is the Capability backed by a Genkit instance.
type GenkitCapability struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	system    string
}

// NewGenkitCapability initializes Genkit with the configured provider. It
// fails when the provider is unknown or has no API key; callers fall back to
// the offline capability.
func NewGenkitCapability(ctx context.Context, cfg GenkitConfig) (*GenkitCapability, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: no API key configured: %w", provider, ErrAuthExpired)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai_compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai_compatible provider needs ai.base_url")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "compatible",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "google":
		// The googleai plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}

	modelName := modelNameForProvider(provider, cfg.Model)
	slog.Info("genkit capability initialized", "provider", provider, "model", modelName)
	return &GenkitCapability{
		g:         g,
		provider:  provider,
		modelName: modelName,
		system:    cfg.System,
	}, nil
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	case "openrouter":
		// OpenRouter ids already carry a vendor prefix, e.g. "anthropic/claude-sonnet-4-5".
		return model
	default:
		return "googleai/" + model
	}
}

// ModelName is the fully qualified model id used for generation.
func (c *GenkitCapability) ModelName() string {
	return c.modelName
}

// Complete sends prompt with history and returns the model's text. Provider
// errors are mapped onto the capability taxonomy.
func (c *GenkitCapability) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", fmt.Errorf("empty prompt")
	}

	// Escape % characters; WithPrompt and WithSystem treat text as a format string.
	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithPrompt(strings.ReplaceAll(trimmed, "%", "%%")),
	}
	if c.system != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(c.system, "%", "%%")))
	}
	if msgs := historyToMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Normalize(fmt.Errorf("genkit generate: %w", err))
	}
	return resp.Text(), nil
}

// historyToMessages converts turns to Genkit messages.
func historyToMessages(turns []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, turn := range turns {
		var role ai.Role
		switch turn.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleModel:
			role = ai.RoleModel
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(turn.Text)},
		})
	}
	return msgs
}
