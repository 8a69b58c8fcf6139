package collab

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/logging"
)

// LogOnly records every collaborator call in the log and reports success.
// It backs dry runs and local development without a webhook.
type LogOnly struct {
	logger zerolog.Logger
}

// NewLogOnly creates a LogOnly collaborator.
func NewLogOnly() *LogOnly {
	return &LogOnly{logger: logging.Component("collab.dry-run")}
}

func (l *LogOnly) Send(ctx context.Context, msg actions.OutboundMessage) (actions.DeliveryResult, error) {
	id := uuid.NewString()
	l.logger.Info().
		Str("kind", string(msg.Kind)).
		Str("lead_id", msg.LeadID).
		Str("channel", msg.Channel).
		Str("subject", msg.Subject).
		Str("text", msg.Text).
		Str("message_id", id).
		Msg("would send message")
	return actions.DeliveryResult{MessageID: id}, nil
}

func (l *LogOnly) Generate(ctx context.Context, req actions.GenerationRequest) (string, error) {
	l.logger.Info().Str("lead_id", req.Context.LeadID).Str("instructions", req.Instructions).Msg("would generate text")
	return "[generated] " + req.Instructions, nil
}

func (l *LogOnly) Apply(ctx context.Context, change actions.TagChange) error {
	names := make([]string, 0, len(change.Tags))
	for _, t := range change.Tags {
		names = append(names, t.Name)
	}
	l.logger.Info().
		Str("lead_id", change.LeadID).
		Strs("tags", names).
		Bool("remove", change.Remove).
		Bool("remove_all", change.RemoveAll).
		Msg("would change tags")
	return nil
}

func (l *LogOnly) Transfer(ctx context.Context, leadID, reason string) error {
	l.logger.Info().Str("lead_id", leadID).Str("reason", reason).Msg("would transfer lead")
	return nil
}

func (l *LogOnly) CloseLost(ctx context.Context, leadID, reason string) error {
	l.logger.Info().Str("lead_id", leadID).Str("reason", reason).Msg("would close deal as lost")
	return nil
}
