package store

import (
	"database/sql"
	"fmt"
)

// GetMigrationSummaries returns the joined per-user projection used by
// status views, active users first.
func (s *Store) GetMigrationSummaries() ([]*MigrationSummary, error) {
	rows, err := s.db.Query(`
		SELECT p.user_id, p.display_name, p.is_active,
		       COALESCE(m.state, ?), COALESCE(m.progress, 0), m.deadline,
		       COALESCE(m.delay_count, 0), COALESCE(m.is_blocking, p.requires_backup),
		       COALESCE(m.attention_reason, '')
		FROM user_profiles p
		LEFT JOIN migration_states m ON m.user_id = p.user_id
		WHERE p.status = 'present'
		ORDER BY p.is_active DESC, p.priority DESC, p.user_id
	`, StateNotStarted)
	if err != nil {
		return nil, fmt.Errorf("reading migration summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*MigrationSummary
	for rows.Next() {
		var m MigrationSummary
		var deadline sql.NullString
		if err := rows.Scan(&m.UserID, &m.DisplayName, &m.IsActive, &m.State,
			&m.Progress, &deadline, &m.DelayCount, &m.IsBlocking, &m.Attention); err != nil {
			return nil, fmt.Errorf("scanning migration summary: %w", err)
		}
		if m.Deadline, err = scanNullableTime(deadline); err != nil {
			return nil, err
		}
		summaries = append(summaries, &m)
	}
	return summaries, rows.Err()
}

// GetMigrationReadiness computes the machine-wide reset predicate in one
// query so the view cannot tear across tables: reset is permitted only when
// no active user that requires backup is still blocking. A user with no
// state row yet has not even started and therefore blocks.
func (s *Store) GetMigrationReadiness() (*Readiness, error) {
	r := &Readiness{}

	// One read transaction so the counts and the blocking set come from the
	// same snapshot.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning readiness read: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(p.is_active), 0),
		       COALESCE(SUM(CASE WHEN m.state = ? THEN 1 ELSE 0 END), 0)
		FROM user_profiles p
		LEFT JOIN migration_states m ON m.user_id = p.user_id
		WHERE p.status = 'present'
	`, StateReadyForReset).Scan(&r.TotalUsers, &r.ActiveUsers, &r.CompletedUsers)
	if err != nil {
		return nil, fmt.Errorf("reading readiness counts: %w", err)
	}

	rows, err := tx.Query(`
		SELECT p.user_id
		FROM user_profiles p
		LEFT JOIN migration_states m ON m.user_id = p.user_id
		WHERE p.status = 'present' AND p.is_active = 1 AND p.requires_backup = 1
		  AND COALESCE(m.is_blocking, 1) = 1
		ORDER BY p.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("reading blocking users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		r.BlockingUsers = append(r.BlockingUsers, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("finishing readiness read: %w", err)
	}

	r.CanReset = len(r.BlockingUsers) == 0
	return r, nil
}
