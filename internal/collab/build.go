package collab

import (
	"errors"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/config"
	"github.com/opencode-ai/followup/internal/logging"
)

// Build assembles collaborators from configuration. Without a webhook URL
// every call is logged instead of delivered. The AI generator is left nil
// when no OpenAI key is available, so ai_message actions fail permanently.
func Build(cfg config.CollaboratorsConfig) (actions.Collaborators, error) {
	logger := logging.Component("collab")

	var out actions.Collaborators
	if cfg.WebhookURL == "" {
		dry := NewLogOnly()
		out = actions.Collaborators{Messenger: dry, Generator: dry, Tags: dry, Handoff: dry, Deals: dry}
		logger.Warn().Msg("no webhook configured, collaborator calls are only logged")
	} else {
		hook := NewWebhookClient(cfg.WebhookURL, cfg.WebhookToken, cfg.Timeout)
		out = actions.Collaborators{Messenger: hook, Tags: hook, Handoff: hook, Deals: hook}
	}

	out.Messenger = NewRateLimitedMessenger(out.Messenger, cfg.SendRatePerSecond, cfg.SendBurst)

	if cfg.WebhookURL != "" || cfg.OpenAI.APIKey != "" {
		gen, err := NewOpenAIGenerator(OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		})
		switch {
		case err == nil:
			out.Generator = gen
		case errors.Is(err, ErrMissingAPIKey):
			logger.Warn().Msg("openai api key not set, ai_message actions will fail")
		default:
			return actions.Collaborators{}, err
		}
	}
	return out, nil
}
