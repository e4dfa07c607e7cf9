package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveDecision stores a decision. The full decision is kept as JSON next to
// the columns used for lookups.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.Decision) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ID, err)
	}

	query := `
		INSERT INTO decisions (
			id, tx_id, entity_id, outcome, sar_required, ctr_required, evaluated_ns, body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.TxID, d.EntityID, string(d.Outcome),
		boolInt(d.SARRequired), boolInt(d.CTRRequired), d.EvaluatedAt.UnixNano(), string(body),
	)
	if err != nil {
		return fmt.Errorf("save decision %s: %w", d.ID, err)
	}
	return nil
}

// GetDecision retrieves a decision by ID.
func (r *SQLRepository) GetDecision(ctx context.Context, decisionID string) (*domain.Decision, error) {
	if decisionID == "" {
		return nil, fmt.Errorf("%w: decisionID is required", ErrInvalidInput)
	}

	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT body FROM decisions WHERE id = ?`), decisionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", decisionID, err)
	}

	var d domain.Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("failed to parse decision %s: %w", decisionID, err)
	}
	return &d, nil
}

// SaveDetection implements domain.DetectionSink.
func (r *SQLRepository) SaveDetection(ctx context.Context, rec *domain.DetectionRecord) error {
	if rec == nil || rec.ID == "" || rec.EntityID == "" {
		return fmt.Errorf("%w: detection id and entity id are required", ErrInvalidInput)
	}

	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := `
		INSERT INTO detections (
			id, kind, entity_id, window_start_ns, window_end_ns, detected_ns, explanation, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, string(rec.Kind), rec.EntityID,
		rec.WindowStart.UnixNano(), rec.WindowEnd.UnixNano(), rec.DetectedAt.UnixNano(),
		rec.Explanation, payload,
	)
	if err != nil {
		return fmt.Errorf("save detection %s: %w", rec.ID, err)
	}
	return nil
}

// HasDetectionSince implements domain.DetectionLedger.
func (r *SQLRepository) HasDetectionSince(ctx context.Context, entityID string, since time.Time) (bool, error) {
	query := `SELECT COUNT(1) FROM detections WHERE entity_id = ? AND detected_ns >= ?`

	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), entityID, since.UnixNano()).Scan(&n); err != nil {
		return false, fmt.Errorf("detections for %s: %w", entityID, err)
	}
	return n > 0, nil
}

// ListDetections returns the entity's detections, newest first.
func (r *SQLRepository) ListDetections(ctx context.Context, entityID string) ([]*domain.DetectionRecord, error) {
	query := `
		SELECT id, kind, entity_id, window_start_ns, window_end_ns, detected_ns, explanation, payload
		FROM detections
		WHERE entity_id = ?
		ORDER BY detected_ns DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID)
	if err != nil {
		return nil, fmt.Errorf("list detections for %s: %w", entityID, err)
	}
	defer rows.Close()

	out := []*domain.DetectionRecord{}
	for rows.Next() {
		var rec domain.DetectionRecord
		var kind, payload string
		var start, end, detected int64
		if err := rows.Scan(
			&rec.ID, &kind, &rec.EntityID, &start, &end, &detected, &rec.Explanation, &payload,
		); err != nil {
			return nil, err
		}
		rec.Kind = domain.DetectionKind(kind)
		rec.WindowStart = fromNanos(start)
		rec.WindowEnd = fromNanos(end)
		rec.DetectedAt = fromNanos(detected)
		rec.Payload = json.RawMessage(payload)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
