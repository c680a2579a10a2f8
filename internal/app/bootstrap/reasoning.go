package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/paradixe-xz/evaInstance-sub000/internal/config"
	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// errReasoningUnavailable is what the placeholder client returns when no
// provider is configured. Analysis then records its fallback verdict.
var errReasoningUnavailable = errors.New("bootstrap: no reasoning provider configured")

func unavailableClient() llm.Client {
	return llm.ClientFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, errReasoningUnavailable
	})
}

// BuildReasoningClient wires the configured LLM provider, wrapped with the
// optional fallback provider. It returns nil when none is configured.
func BuildReasoningClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (llm.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	primary, err := buildProvider(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	if primary == nil {
		logger.Warn("no reasoning provider configured; verdicts will need manual review", "provider", cfg.LLMProvider)
		return nil, nil
	}
	logger.Info("reasoning provider ready", "provider", cfg.LLMProvider)

	fallbackName := strings.TrimSpace(cfg.LLMFallback)
	if fallbackName == "" || fallbackName == cfg.LLMProvider {
		return primary, nil
	}
	fallback, err := buildProvider(ctx, fallbackName, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	if fallback == nil {
		logger.Warn("fallback reasoning provider not configured", "provider", fallbackName)
		return primary, nil
	}
	logger.Info("fallback reasoning provider ready", "provider", fallbackName)
	return llm.NewFallbackClient(primary, fallback, logger), nil
}

// buildProvider returns nil, nil when the named provider lacks credentials.
func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg aws.Config) (llm.Client, error) {
	switch name {
	case "bedrock":
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, nil
		}
		return llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, nil
		}
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		return client, nil
	case "azure":
		if strings.TrimSpace(cfg.AzureOpenAIEndpoint) == "" || strings.TrimSpace(cfg.AzureOpenAIAPIKey) == "" {
			return nil, nil
		}
		client, err := llm.NewAzureOpenAIClient(cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIAPIKey, cfg.AzureOpenAIDeployment)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: azure openai client: %w", err)
		}
		return client, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown LLM provider %q", name)
	}
}
