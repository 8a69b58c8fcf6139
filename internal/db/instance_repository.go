package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/followup/internal/models"
)

// Instance repository errors.
var (
	ErrInstanceNotFound = errors.New("flow instance not found")
	ErrInvalidInstance  = errors.New("invalid flow instance")
	// ErrActiveInstanceExists means the lead already has an active instance of the flow.
	ErrActiveInstanceExists = errors.New("active flow instance already exists")
	// ErrStaleInstance means another writer advanced the instance first.
	ErrStaleInstance = errors.New("flow instance was modified concurrently")
)

const instanceColumns = `id, lead_id, flow_id, flow_version, conversation_id, account_id, channel,
	current_node_id, attempt_count, retry_count, status, scheduled_at, cancel_requested,
	last_error, version, created_at, updated_at, ended_at`

// InstanceRepository is the durable store of flow instances and their history.
type InstanceRepository struct {
	db *DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts a new instance together with its first history entries.
// Returns ErrActiveInstanceExists when the lead already runs the flow.
func (r *InstanceRepository) Create(ctx context.Context, inst *models.FlowInstance, history ...models.HistoryEntry) error {
	if err := inst.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstance, err)
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = inst.CreatedAt
	inst.Version = 1

	var written []models.HistoryEntry
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flow_instances (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inst.ID,
			inst.LeadID,
			inst.FlowID,
			inst.FlowVersion,
			nullString(inst.ConversationID),
			nullString(inst.AccountID),
			nullString(inst.Channel),
			inst.CurrentNodeID,
			inst.AttemptCount,
			inst.RetryCount,
			string(inst.Status),
			nullTime(inst.ScheduledAt),
			boolInt(inst.CancelRequested),
			nullString(inst.LastError),
			inst.Version,
			formatTime(inst.CreatedAt),
			formatTime(inst.UpdatedAt),
			nullTime(inst.EndedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveInstanceExists
			}
			return fmt.Errorf("failed to insert flow instance: %w", err)
		}
		written, err = r.appendHistory(ctx, tx, inst.ID, history)
		return err
	})
	if err != nil {
		return err
	}
	inst.History = append(inst.History, written...)
	return nil
}

// Commit persists the instance's cursor, counters and status together with
// new history entries in one transaction. It fails with ErrStaleInstance when
// inst.Version no longer matches the stored row.
func (r *InstanceRepository) Commit(ctx context.Context, inst *models.FlowInstance, history ...models.HistoryEntry) error {
	inst.UpdatedAt = time.Now().UTC()

	var written []models.HistoryEntry
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE flow_instances SET
				current_node_id = ?,
				attempt_count = ?,
				retry_count = ?,
				status = ?,
				scheduled_at = ?,
				last_error = ?,
				updated_at = ?,
				ended_at = ?,
				version = version + 1
			WHERE id = ? AND version = ?
		`,
			inst.CurrentNodeID,
			inst.AttemptCount,
			inst.RetryCount,
			string(inst.Status),
			nullTime(inst.ScheduledAt),
			nullString(inst.LastError),
			formatTime(inst.UpdatedAt),
			nullTime(inst.EndedAt),
			inst.ID,
			inst.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update flow instance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM flow_instances WHERE id = ?`, inst.ID).Scan(&exists); err == nil && exists == 0 {
				return ErrInstanceNotFound
			}
			return ErrStaleInstance
		}

		written, err = r.appendHistory(ctx, tx, inst.ID, history)
		return err
	})
	if err != nil {
		return err
	}
	inst.Version++
	inst.History = append(inst.History, written...)
	return nil
}

func (r *InstanceRepository) appendHistory(ctx context.Context, tx *sql.Tx, instanceID string, entries []models.HistoryEntry) ([]models.HistoryEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM instance_history WHERE instance_id = ?`, instanceID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to read history sequence: %w", err)
	}

	written := make([]models.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		seq++
		entry.InstanceID = instanceID
		entry.Seq = seq
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		if entry.At.IsZero() {
			entry.At = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instance_history (id, instance_id, seq, node_id, outcome, detail, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.InstanceID, entry.Seq, entry.NodeID, string(entry.Outcome), nullString(entry.Detail), formatTime(entry.At))
		if err != nil {
			return nil, fmt.Errorf("failed to append history: %w", err)
		}
		written = append(written, entry)
	}
	return written, nil
}

// Get retrieves an instance without its history.
func (r *InstanceRepository) Get(ctx context.Context, id string) (*models.FlowInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM flow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

// GetWithHistory retrieves an instance and its full history.
func (r *InstanceRepository) GetWithHistory(ctx context.Context, id string) (*models.FlowInstance, error) {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.History, err = r.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// History returns the history of an instance in sequence order.
func (r *InstanceRepository) History(ctx context.Context, instanceID string) ([]models.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, instance_id, seq, node_id, outcome, detail, at
		FROM instance_history WHERE instance_id = ? ORDER BY seq
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []models.HistoryEntry
	for rows.Next() {
		var (
			entry   models.HistoryEntry
			outcome string
			detail  sql.NullString
			at      string
		)
		if err := rows.Scan(&entry.ID, &entry.InstanceID, &entry.Seq, &entry.NodeID, &outcome, &detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entry.Outcome = models.HistoryOutcome(outcome)
		entry.Detail = detail.String
		entry.At = parseTime(at)
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}

// FindActive returns the active instance of flowID for leadID.
func (r *InstanceRepository) FindActive(ctx context.Context, leadID, flowID string) (*models.FlowInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM flow_instances
		WHERE lead_id = ? AND flow_id = ? AND status IN ('pending', 'waiting', 'running')
	`, leadID, flowID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

// List returns instances matching filter, newest first.
func (r *InstanceRepository) List(ctx context.Context, filter models.InstanceFilter) ([]*models.FlowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances WHERE 1=1`
	var args []any

	if filter.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	if filter.FlowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, filter.FlowID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	return r.query(ctx, query, args...)
}

// ListDue returns waiting instances whose wake time has passed, plus active
// instances with a pending cancellation, oldest first.
func (r *InstanceRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.FlowInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `
		SELECT `+instanceColumns+` FROM flow_instances
		WHERE (status = 'waiting' AND scheduled_at IS NOT NULL AND scheduled_at <= ?)
		   OR (cancel_requested = 1 AND status IN ('pending', 'waiting', 'running'))
		ORDER BY scheduled_at, id
		LIMIT ?
	`, formatTime(now), limit)
}

// ListStalled returns pending or running instances not written since
// updatedBefore, in id order after afterID. Paging on afterID visits each row
// once even while earlier pages are being advanced.
func (r *InstanceRepository) ListStalled(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]*models.FlowInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `
		SELECT `+instanceColumns+` FROM flow_instances
		WHERE status IN ('pending', 'running') AND updated_at <= ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, formatTime(updatedBefore), afterID, limit)
}

// NextWake returns the earliest scheduled wake time among waiting instances.
func (r *InstanceRepository) NextWake(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_at) FROM flow_instances WHERE status = 'waiting'`,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to read next wake: %w", err)
	}
	return timePtr(next), nil
}

// RequestCancelForLead flags every active instance of leadID whose flow
// starts on trigger. It returns the flagged instance ids.
func (r *InstanceRepository) RequestCancelForLead(ctx context.Context, leadID string, trigger models.TriggerEvent) ([]string, error) {
	var ids []string
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT i.id FROM flow_instances i
			JOIN flows f ON f.id = i.flow_id
			WHERE i.lead_id = ? AND f.trigger_event = ? AND i.status IN ('pending', 'waiting', 'running')
			ORDER BY i.created_at, i.id
		`, leadID, string(trigger))
		if err != nil {
			return fmt.Errorf("failed to query active instances: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan instance id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating instances: %w", err)
		}

		for _, id := range ids {
			if err := r.flagCancel(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

// RequestCancel flags a single active instance for cancellation.
func (r *InstanceRepository) RequestCancel(ctx context.Context, id string) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		return r.flagCancel(ctx, tx, id)
	})
}

// IsCancelRequested reads the durable cancellation flag.
func (r *InstanceRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM flow_instances WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrInstanceNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// flagCancel does not bump version: the flag must not race the advancing writer.
func (r *InstanceRepository) flagCancel(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE flow_instances SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'waiting', 'running')
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to flag cancellation: %w", err)
	}
	return nil
}

// CountByStatus returns instance counts per status, optionally for one flow.
func (r *InstanceRepository) CountByStatus(ctx context.Context, flowID string) (map[models.InstanceStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM flow_instances`
	var args []any
	if flowID != "" {
		query += ` WHERE flow_id = ?`
		args = append(args, flowID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count instances: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.InstanceStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.InstanceStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.FlowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.FlowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow instances: %w", err)
	}
	return instances, nil
}

func scanInstance(s scanner) (*models.FlowInstance, error) {
	var (
		inst                             models.FlowInstance
		conversationID, accountID, chann sql.NullString
		status                           string
		scheduledAt, endedAt, lastError  sql.NullString
		cancelRequested                  int
		createdAt, updatedAt             string
	)
	err := s.Scan(
		&inst.ID,
		&inst.LeadID,
		&inst.FlowID,
		&inst.FlowVersion,
		&conversationID,
		&accountID,
		&chann,
		&inst.CurrentNodeID,
		&inst.AttemptCount,
		&inst.RetryCount,
		&status,
		&scheduledAt,
		&cancelRequested,
		&lastError,
		&inst.Version,
		&createdAt,
		&updatedAt,
		&endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan flow instance: %w", err)
	}

	inst.ConversationID = conversationID.String
	inst.AccountID = accountID.String
	inst.Channel = chann.String
	inst.Status = models.InstanceStatus(status)
	inst.ScheduledAt = timePtr(scheduledAt)
	inst.CancelRequested = cancelRequested != 0
	inst.LastError = lastError.String
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	inst.EndedAt = timePtr(endedAt)
	return &inst, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
