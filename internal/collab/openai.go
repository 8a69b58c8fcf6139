package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/opencode-ai/followup/internal/actions"
)

// ErrMissingAPIKey is returned when no OpenAI key is configured.
var ErrMissingAPIKey = errors.New("openai api key is not set")

const systemPrompt = "You write short, friendly follow-up messages to a customer who stopped replying. " +
	"Reply with the message text only."

// Generator writes follow-up text with a langchaingo chat model.
type Generator struct {
	model llms.Model
}

// OpenAIConfig configures NewOpenAIGenerator.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewOpenAIGenerator builds a Generator backed by the OpenAI API. The key
// falls back to OPENAI_API_KEY.
func NewOpenAIGenerator(cfg OpenAIConfig) (*Generator, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	opts := []openai.Option{openai.WithToken(apiKey)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewGenerator(client), nil
}

// NewGenerator wraps any langchaingo model.
func NewGenerator(model llms.Model) *Generator {
	return &Generator{model: model}
}

// Generate implements actions.TextGenerator.
func (g *Generator) Generate(ctx context.Context, req actions.GenerationRequest) (string, error) {
	if g == nil || g.model == nil {
		return "", actions.Permanent(errors.New("generator has no model"))
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, buildPrompt(req)),
	}

	var opts []llms.CallOption
	if req.MaxLength > 0 {
		// Roughly four characters per token, with headroom; the executor truncates anyway.
		opts = append(opts, llms.WithMaxTokens(req.MaxLength/2+16))
	}

	resp, err := g.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", classifyModelError(err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", actions.ErrEmptyGeneration
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func buildPrompt(req actions.GenerationRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Instructions))
	fmt.Fprintf(&b, "\n\nThis is follow-up attempt %d.", req.Context.AttemptCount+1)
	if req.Context.Channel != "" {
		fmt.Fprintf(&b, " Channel: %s.", req.Context.Channel)
	}
	if req.MaxLength > 0 {
		fmt.Fprintf(&b, " Keep it under %d characters.", req.MaxLength)
	}
	return b.String()
}

// statusCodePattern matches the HTTP status the client puts in its errors,
// e.g. "API returned unexpected status code: 401".
var statusCodePattern = regexp.MustCompile(`\bstatus code:? (\d{3})\b`)

// classifyModelError marks authentication and request-shape failures permanent.
func classifyModelError(err error) error {
	wrapped := fmt.Errorf("openai: %w", err)
	msg := strings.ToLower(err.Error())
	if m := statusCodePattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		if permanentStatus(code) {
			return actions.Permanent(wrapped)
		}
		return wrapped
	}
	for _, marker := range []string{"invalid_api_key", "invalid api key", "model_not_found"} {
		if strings.Contains(msg, marker) {
			return actions.Permanent(wrapped)
		}
	}
	return wrapped
}

func permanentStatus(code int) bool {
	switch code {
	case 400, 401, 403, 404, 422:
		return true
	}
	return false
}
