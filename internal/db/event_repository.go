package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/followup/internal/models"
)

// Event repository errors.
var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

// EventRepository persists the audit event log.
type EventRepository struct {
	db *DB
}

type scanner interface {
	Scan(dest ...any) error
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// EventQuery filters the audit log. Nil fields match everything.
type EventQuery struct {
	Type       *models.EventType
	EntityType *models.EntityType
	EntityID   *string
	// LeadID matches the lead_id metadata every instance and lead event carries.
	LeadID *string
	Since  *time.Time // inclusive
	Until  *time.Time // exclusive
	Cursor string     // last event id of the previous page
	Limit  int
}

// EventPage is one page of query results.
type EventPage struct {
	Events     []*models.Event
	NextCursor string
}

const eventColumns = `id, timestamp, type, entity_type, entity_id, payload_json, metadata_json`

// Append adds an event to the log, assigning an id and timestamp when missing.
func (r *EventRepository) Append(ctx context.Context, event *models.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload, metadata sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, formatTime(event.Timestamp), string(event.Type), string(event.EntityType),
		event.EntityID, payload, metadata,
	); err != nil {
		return fmt.Errorf("failed to insert event %s: %w", event.Type, err)
	}
	return nil
}

// Get retrieves an event by ID.
func (r *EventRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return event, err
}

// Query returns one page of events in time order.
func (r *EventRepository) Query(ctx context.Context, q EventQuery) (*EventPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		conds []string
		args  []any
	)
	where := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if q.Type != nil {
		where(`type = ?`, string(*q.Type))
	}
	if q.EntityType != nil {
		where(`entity_type = ?`, string(*q.EntityType))
	}
	if q.EntityID != nil {
		where(`entity_id = ?`, *q.EntityID)
	}
	if q.LeadID != nil {
		where(`json_extract(metadata_json, '$.lead_id') = ?`, *q.LeadID)
	}
	if q.Since != nil {
		where(`timestamp >= ?`, formatTime(*q.Since))
	}
	if q.Until != nil {
		where(`timestamp < ?`, formatTime(*q.Until))
	}
	if q.Cursor != "" {
		where(`(timestamp, id) > (SELECT timestamp, id FROM events WHERE id = ?)`, q.Cursor)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY timestamp, id LIMIT ?`
	args = append(args, limit+1)

	events, err := r.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = events[limit-1].ID
	}
	return page, nil
}

// Prune deletes events older than before and returns how many were removed.
func (r *EventRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned events: %w", err)
	}
	if n > 0 {
		r.db.logger.Info().Int64("deleted", n).Time("before", before).Msg("pruned events")
	}
	return n, nil
}

// ListByEntity returns the events of one entity in time order.
func (r *EventRepository) ListByEntity(ctx context.Context, entityType models.EntityType, entityID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE entity_type = ? AND entity_id = ? ORDER BY timestamp, id LIMIT ?`,
		string(entityType), entityID, limit)
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (r *EventRepository) scan(s scanner) (*models.Event, error) {
	var (
		event                 models.Event
		timestamp             string
		eventType, entityType string
		payload, metadata     sql.NullString
	)
	if err := s.Scan(&event.ID, &timestamp, &eventType, &entityType, &event.EntityID, &payload, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Type = models.EventType(eventType)
	event.EntityType = models.EntityType(entityType)
	event.Timestamp = parseTime(timestamp)
	if payload.Valid {
		event.Payload = json.RawMessage(payload.String)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to parse event metadata")
		}
	}
	return &event, nil
}
