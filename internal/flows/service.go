package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/followup/internal/db"
	"github.com/opencode-ai/followup/internal/events"
	"github.com/opencode-ai/followup/internal/graph"
	"github.com/opencode-ai/followup/internal/logging"
	"github.com/opencode-ai/followup/internal/models"
)

// SaveResult reports what a save produced.
type SaveResult struct {
	Flow *models.Flow
	// Problems is empty when the save published a new runnable version.
	Problems graph.ValidationErrors
}

// Published reports whether the save created a new runnable version.
func (r *SaveResult) Published() bool {
	return len(r.Problems) == 0
}

// Service saves and loads flows. Every save is validated; only valid
// definitions become runnable.
type Service struct {
	repo   *db.FlowRepository
	events events.Repository
	logger zerolog.Logger
}

// NewService creates a Service. eventRepo may be nil.
func NewService(repo *db.FlowRepository, eventRepo events.Repository) *Service {
	return &Service{
		repo:   repo,
		events: eventRepo,
		logger: logging.Component("flows"),
	}
}

// Save validates def and stores it. A valid definition is published as a new
// version; an invalid one is stored as a draft and the previous runnable
// version, if any, stays in effect.
func (s *Service) Save(ctx context.Context, def *models.FlowDefinition) (*SaveResult, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is required", db.ErrInvalidFlow)
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	problems := graph.Validate(def)
	flow := &models.Flow{Definition: *def}

	if len(problems) == 0 {
		event := models.TriggerEventNoResponse
		if trigger, ok := def.TriggerNode(); ok && trigger.Trigger != nil {
			event = trigger.Trigger.Event
		}
		if err := s.repo.Publish(ctx, flow, event); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("flow_id", flow.Definition.ID).
			Int("version", flow.Version).
			Msg("flow published")
	} else {
		if err := s.repo.SaveDraft(ctx, flow); err != nil {
			return nil, err
		}
		s.logger.Warn().
			Str("flow_id", flow.Definition.ID).
			Int("problems", len(problems)).
			Int("runnable_version", flow.Version).
			Msg("flow saved as draft")
	}

	if s.events != nil {
		messages := make([]string, 0, len(problems))
		for _, p := range problems {
			messages = append(messages, p.Error())
		}
		if err := events.LogFlowSaved(ctx, s.events, flow, messages); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record flow save")
		}
	}

	return &SaveResult{Flow: flow, Problems: problems}, nil
}

// Get returns the stored flow with its current draft.
func (s *Service) Get(ctx context.Context, id string) (*models.Flow, error) {
	return s.repo.Get(ctx, id)
}

// List returns every stored flow.
func (s *Service) List(ctx context.Context) ([]*models.Flow, error) {
	return s.repo.List(ctx)
}

// Check validates a definition without storing it.
func (s *Service) Check(def *models.FlowDefinition) graph.ValidationErrors {
	return graph.Validate(def)
}

// Import saves files whose definition differs from what is stored. Unchanged
// flows are skipped so restarts do not mint new versions.
func (s *Service) Import(ctx context.Context, files []*File) ([]*SaveResult, error) {
	results := make([]*SaveResult, 0, len(files))
	for _, f := range files {
		current, err := s.repo.Get(ctx, f.Definition.ID)
		switch {
		case err == nil && sameDefinition(&current.Definition, f.Definition):
			continue
		case err != nil && !isNotFound(err):
			return results, err
		}

		res, err := s.Save(ctx, f.Definition)
		if err != nil {
			return results, fmt.Errorf("import %s from %s: %w", f.Definition.ID, f.Source, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func sameDefinition(a, b *models.FlowDefinition) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrFlowNotFound)
}
