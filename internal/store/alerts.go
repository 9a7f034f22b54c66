package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AlertDeliveryStatus is the outcome of an attempted alert writeback.
type AlertDeliveryStatus string

const (
	DeliverySuccess AlertDeliveryStatus = "success"
	DeliverySkipped AlertDeliveryStatus = "skipped"
	DeliveryFailed  AlertDeliveryStatus = "failed"
)

// AlertDelivery is one row recording an attempted writeback of an alert to
// the hosting service. At most one effective delivery exists per
// (channel, marker id): RecordAttempt upserts on that key.
type AlertDelivery struct {
	AlertID      string
	Channel      string
	MarkerID     string
	TargetType   string
	TargetNumber int
	Status       AlertDeliveryStatus
	Attempts     int
	LastError    string
	CommentID    string
	UpdatedAt    time.Time
}

// RecordAttempt upserts the delivery row for (channel, markerID), bumping
// Attempts and overwriting Status/LastError/CommentID.
func (s *Store) RecordAttempt(alertID, channel, markerID, targetType string, targetNumber int, status AlertDeliveryStatus, commentID, lastError string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO alert_deliveries (alert_id, channel, marker_id, target_type, target_number, status, attempts, last_error, comment_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(channel, marker_id) DO UPDATE SET
			status = excluded.status,
			attempts = alert_deliveries.attempts + 1,
			last_error = excluded.last_error,
			comment_id = excluded.comment_id,
			updated_at = excluded.updated_at
	`, alertID, channel, markerID, nullIfEmpty(targetType), nullIfZero(targetNumber), status, nullIfEmpty(lastError), nullIfEmpty(commentID), now)
	if err != nil {
		return fmt.Errorf("record alert delivery attempt: %w", err)
	}
	return nil
}

// GetDelivery looks up the delivery row for (alertID, channel, markerID).
// Only channel+markerID are part of the storage key; alertID is matched
// against the stored value as a sanity check.
func (s *Store) GetDelivery(alertID, channel, markerID string) (*AlertDelivery, error) {
	row := s.db.QueryRow(`
		SELECT alert_id, channel, marker_id, target_type, target_number, status, attempts, last_error, comment_id, updated_at
		FROM alert_deliveries WHERE channel = ? AND marker_id = ?
	`, channel, markerID)

	var d AlertDelivery
	var targetType, lastError, commentID sql.NullString
	var targetNumber sql.NullInt64
	var updatedAt string
	if err := row.Scan(&d.AlertID, &d.Channel, &d.MarkerID, &targetType, &targetNumber, &d.Status, &d.Attempts, &lastError, &commentID, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query alert delivery: %w", err)
	}
	if d.AlertID != alertID {
		return nil, ErrNotFound
	}
	d.TargetType = targetType.String
	d.TargetNumber = int(targetNumber.Int64)
	d.LastError = lastError.String
	d.CommentID = commentID.String
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}
