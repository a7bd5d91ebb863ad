package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RecordDelayRequest appends a delay request outcome. Rows are immutable
// once written: approval or rejection is decided before the insert.
func (s *Store) RecordDelayRequest(d *DelayRequest) error {
	defer s.lockUser(d.UserID)()

	_, err := s.db.Exec(`
		INSERT INTO delay_requests
			(user_id, requested_seconds, granted_seconds, reason, status, new_deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.UserID, d.RequestedSeconds, d.GrantedSeconds, d.Reason, d.Status,
		fmtNullableTime(d.NewDeadline), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("recording delay request for %s: %w", d.UserID, err)
	}
	return nil
}

// CountApprovedDelays returns how many delays a user has been granted.
func (s *Store) CountApprovedDelays(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM delay_requests WHERE user_id = ? AND status = ?`,
		userID, DelayApproved).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting delays for %s: %w", userID, err)
	}
	return n, nil
}

// ListDelayRequests returns a user's delay requests, oldest first.
func (s *Store) ListDelayRequests(userID string) ([]*DelayRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, requested_seconds, granted_seconds, reason, status, new_deadline, created_at
		FROM delay_requests WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing delay requests for %s: %w", userID, err)
	}
	defer rows.Close()

	var requests []*DelayRequest
	for rows.Next() {
		var d DelayRequest
		var newDeadline sql.NullString
		var created string
		if err := rows.Scan(&d.ID, &d.UserID, &d.RequestedSeconds, &d.GrantedSeconds,
			&d.Reason, &d.Status, &newDeadline, &created); err != nil {
			return nil, fmt.Errorf("scanning delay request: %w", err)
		}
		if d.NewDeadline, err = scanNullableTime(newDeadline); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		requests = append(requests, &d)
	}
	return requests, rows.Err()
}
