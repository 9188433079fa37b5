package llm

import (
	"context"

	"go.uber.org/zap"
)

// Bootstrap seeds the registry on first start: when the collection is
// empty and the environment carries provider credentials, a default
// OpenAI- and/or Anthropic-typed provider is created and the first one
// becomes the default for both purposes.
func Bootstrap(ctx context.Context, store *Store, openAIKey, anthropicKey string, log *zap.Logger) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	var first *Provider
	if openAIKey != "" {
		p, err := store.Create(ctx, &Provider{
			Name:   "openai-default",
			Type:   TypeOpenAI,
			Active: true,
			Config: ProviderConfig{APIKey: openAIKey, Model: "gpt-4o-mini"},
		})
		if err != nil {
			return err
		}
		log.Info("seeded provider from environment", zap.String("provider", p.Name))
		first = p
	}
	if anthropicKey != "" {
		p, err := store.Create(ctx, &Provider{
			Name:   "anthropic-default",
			Type:   TypeAnthropic,
			Active: true,
			Config: ProviderConfig{APIKey: anthropicKey, Model: "claude-3-5-sonnet-20241022"},
		})
		if err != nil {
			return err
		}
		log.Info("seeded provider from environment", zap.String("provider", p.Name))
		if first == nil {
			first = p
		}
	}

	if first != nil {
		if err := store.SetDefault(ctx, first.ID, PurposeChat); err != nil {
			return err
		}
		if err := store.SetDefault(ctx, first.ID, PurposeWorkflow); err != nil {
			return err
		}
	}
	return nil
}
