package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/followup/internal/models"
)

// Flow repository errors.
var (
	ErrFlowNotFound        = errors.New("flow not found")
	ErrFlowVersionNotFound = errors.New("flow version not found")
	ErrInvalidFlow         = errors.New("invalid flow")
)

// FlowRepository persists flow drafts and their immutable runnable versions.
type FlowRepository struct {
	db *DB
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// SaveDraft stores the definition without making it runnable. The latest
// runnable version, if any, keeps serving new triggers.
func (r *FlowRepository) SaveDraft(ctx context.Context, flow *models.Flow) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		flow.Runnable = false
		return r.upsert(ctx, tx, flow)
	})
}

// Publish stores the definition and appends a new immutable version.
func (r *FlowRepository) Publish(ctx context.Context, flow *models.Flow, trigger models.TriggerEvent) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT version FROM flows WHERE id = ?`, flow.Definition.ID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read flow version: %w", err)
		}

		flow.Version = current + 1
		flow.Runnable = true
		flow.TriggerEvent = trigger
		if err := r.upsert(ctx, tx, flow); err != nil {
			return err
		}

		definition, err := json.Marshal(flow.Definition)
		if err != nil {
			return fmt.Errorf("failed to marshal definition: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO flow_versions (flow_id, version, definition_json, created_at)
			VALUES (?, ?, ?, ?)
		`, flow.Definition.ID, flow.Version, string(definition), formatTime(flow.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert flow version: %w", err)
		}
		return nil
	})
}

func (r *FlowRepository) upsert(ctx context.Context, tx *sql.Tx, flow *models.Flow) error {
	if flow.Definition.ID == "" {
		flow.Definition.ID = uuid.New().String()
	}
	if flow.Definition.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFlow)
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	definition, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flows (id, name, definition_json, version, runnable, trigger_event, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			definition_json = excluded.definition_json,
			version = MAX(flows.version, excluded.version),
			runnable = excluded.runnable,
			trigger_event = COALESCE(excluded.trigger_event, flows.trigger_event),
			updated_at = excluded.updated_at
	`,
		flow.Definition.ID,
		flow.Definition.Name,
		string(definition),
		flow.Version,
		boolInt(flow.Runnable),
		nullString(string(flow.TriggerEvent)),
		formatTime(flow.CreatedAt),
		formatTime(flow.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	// reflect what is stored for a draft of an existing flow
	row := tx.QueryRowContext(ctx, `SELECT version, trigger_event, created_at FROM flows WHERE id = ?`, flow.Definition.ID)
	var trigger sql.NullString
	var createdAt string
	if err := row.Scan(&flow.Version, &trigger, &createdAt); err != nil {
		return fmt.Errorf("failed to reload flow: %w", err)
	}
	flow.TriggerEvent = models.TriggerEvent(trigger.String)
	flow.CreatedAt = parseTime(createdAt)
	return nil
}

// Get returns the current draft and runnable state of a flow.
func (r *FlowRepository) Get(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT definition_json, version, runnable, trigger_event, created_at, updated_at
		FROM flows WHERE id = ?
	`, id)
	flow, err := r.scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	return flow, err
}

// GetVersion returns an immutable runnable version.
func (r *FlowRepository) GetVersion(ctx context.Context, id string, version int) (*models.FlowVersion, error) {
	var definition, createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT definition_json, created_at FROM flow_versions WHERE flow_id = ? AND version = ?
	`, id, version).Scan(&definition, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFlowVersionNotFound
		}
		return nil, fmt.Errorf("failed to read flow version: %w", err)
	}

	fv := &models.FlowVersion{FlowID: id, Version: version, CreatedAt: parseTime(createdAt)}
	if err := json.Unmarshal([]byte(definition), &fv.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode flow version %s@%d: %w", id, version, err)
	}
	return fv, nil
}

// List returns every flow ordered by name.
func (r *FlowRepository) List(ctx context.Context) ([]*models.Flow, error) {
	return r.query(ctx, `
		SELECT definition_json, version, runnable, trigger_event, created_at, updated_at
		FROM flows ORDER BY name, id
	`)
}

// ListByTrigger returns flows with at least one runnable version for event.
func (r *FlowRepository) ListByTrigger(ctx context.Context, event models.TriggerEvent) ([]*models.Flow, error) {
	return r.query(ctx, `
		SELECT definition_json, version, runnable, trigger_event, created_at, updated_at
		FROM flows WHERE trigger_event = ? AND version > 0 ORDER BY name, id
	`, string(event))
}

func (r *FlowRepository) query(ctx context.Context, query string, args ...any) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}
	return flows, nil
}

func (r *FlowRepository) scanFlow(s scanner) (*models.Flow, error) {
	var (
		flow                 models.Flow
		definition           string
		runnable             int
		trigger              sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&definition, &flow.Version, &runnable, &trigger, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}
	if err := json.Unmarshal([]byte(definition), &flow.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode flow definition: %w", err)
	}
	flow.Runnable = runnable != 0
	flow.TriggerEvent = models.TriggerEvent(trigger.String)
	flow.CreatedAt = parseTime(createdAt)
	flow.UpdatedAt = parseTime(updatedAt)
	return &flow, nil
}
