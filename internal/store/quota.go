package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveQuotaStatus upserts the latest cloud-storage snapshot for a user.
func (s *Store) SaveQuotaStatus(q *QuotaStatus) error {
	defer s.lockUser(q.UserID)()

	issues, err := json.Marshal(q.Issues)
	if err != nil {
		return fmt.Errorf("encoding quota issues: %w", err)
	}
	recs, err := json.Marshal(q.Recommendations)
	if err != nil {
		return fmt.Errorf("encoding quota recommendations: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO quota_status
			(user_id, total_mb, used_mb, available_mb, required_mb, health,
			 shortfall_mb, issues, recommendations, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_mb = excluded.total_mb,
			used_mb = excluded.used_mb,
			available_mb = excluded.available_mb,
			required_mb = excluded.required_mb,
			health = excluded.health,
			shortfall_mb = excluded.shortfall_mb,
			issues = excluded.issues,
			recommendations = excluded.recommendations,
			checked_at = excluded.checked_at
	`, q.UserID, q.TotalMB, q.UsedMB, q.AvailableMB, q.RequiredMB, q.Health,
		q.ShortfallMB, string(issues), string(recs), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving quota status for %s: %w", q.UserID, err)
	}
	return nil
}

// GetQuotaStatus returns the latest snapshot for a user or ErrNotFound.
func (s *Store) GetQuotaStatus(userID string) (*QuotaStatus, error) {
	var q QuotaStatus
	var issues, recs, checked string
	err := s.db.QueryRow(`
		SELECT user_id, total_mb, used_mb, available_mb, required_mb, health,
		       shortfall_mb, issues, recommendations, checked_at
		FROM quota_status WHERE user_id = ?
	`, userID).Scan(&q.UserID, &q.TotalMB, &q.UsedMB, &q.AvailableMB, &q.RequiredMB,
		&q.Health, &q.ShortfallMB, &issues, &recs, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("quota status %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading quota status for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(issues), &q.Issues); err != nil {
		return nil, fmt.Errorf("decoding quota issues: %w", err)
	}
	if err := json.Unmarshal([]byte(recs), &q.Recommendations); err != nil {
		return nil, fmt.Errorf("decoding quota recommendations: %w", err)
	}
	if q.CheckedAt, err = parseTime(checked); err != nil {
		return nil, err
	}
	return &q, nil
}

// SaveQuotaWarning appends a threshold-crossing warning.
func (s *Store) SaveQuotaWarning(userID string, health HealthLevel, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO quota_warnings (user_id, health, message, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, health, message, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving quota warning for %s: %w", userID, err)
	}
	return nil
}
