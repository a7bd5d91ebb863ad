package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a requested state change is not in
// the transition table.
var ErrIllegalTransition = errors.New("illegal state transition")

// CreateMigrationState schedules a user for migration in NotStarted. It is a
// no-op if a state row already exists (at most one per user).
func (s *Store) CreateMigrationState(userID string) error {
	defer s.lockUser(userID)()

	_, err := s.db.Exec(`
		INSERT INTO migration_states (user_id, state, is_blocking, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, StateNotStarted, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("creating migration state for %s: %w", userID, err)
	}
	return nil
}

const stateColumns = `user_id, state, progress, started_at, completed_at, deadline,
	delay_count, is_blocking, attention_reason, updated_at`

func scanState(row interface{ Scan(...any) error }) (*MigrationState, error) {
	var m MigrationState
	var started, completed, deadline sql.NullString
	var updated string
	err := row.Scan(&m.UserID, &m.State, &m.Progress, &started, &completed,
		&deadline, &m.DelayCount, &m.IsBlocking, &m.AttentionReason, &updated)
	if err != nil {
		return nil, err
	}
	if m.StartedAt, err = scanNullableTime(started); err != nil {
		return nil, err
	}
	if m.CompletedAt, err = scanNullableTime(completed); err != nil {
		return nil, err
	}
	if m.Deadline, err = scanNullableTime(deadline); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMigrationState returns the state row for a user or ErrNotFound.
func (s *Store) GetMigrationState(userID string) (*MigrationState, error) {
	row := s.db.QueryRow(`SELECT `+stateColumns+` FROM migration_states WHERE user_id = ?`, userID)
	m, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("migration state %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading migration state %s: %w", userID, err)
	}
	return m, nil
}

// TransitionState moves a user to a new state and appends the audit row in
// one transaction: if the state write fails, the history row must not exist.
// An Escalated target also records the reason as the attention reason.
func (s *Store) TransitionState(userID string, to StateType, reason, actor string) error {
	return s.transition(userID, to, reason, actor, nil)
}

// TransitionStateWithDeadline is TransitionState plus a deadline write in the
// same transaction, so a crash cannot leave the new state without its
// deadline.
func (s *Store) TransitionStateWithDeadline(userID string, to StateType, reason, actor string, deadline time.Time) error {
	return s.transition(userID, to, reason, actor, &deadline)
}

func (s *Store) transition(userID string, to StateType, reason, actor string, deadline *time.Time) error {
	defer s.lockUser(userID)()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transition for %s: %w", userID, err)
	}
	defer tx.Rollback()

	var from StateType
	err = tx.QueryRow(`SELECT state FROM migration_states WHERE user_id = ?`, userID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("migration state %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading state for %s: %w", userID, err)
	}

	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s for %s: %w", from, to, userID, ErrIllegalTransition)
	}

	now := time.Now()
	blocking := to != StateReadyForReset && to != StateCancelled
	attention := ""
	if to == StateEscalated {
		attention = reason
	}

	query := `UPDATE migration_states
		SET state = ?, is_blocking = ?, attention_reason = ?, updated_at = ?`
	args := []any{to, blocking, attention, fmtTime(now)}
	if from == StateNotStarted {
		query += `, started_at = ?`
		args = append(args, fmtTime(now))
	}
	if to.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, fmtTime(now))
	}
	if to == StateReadyForReset {
		query += `, progress = 100`
	}
	if deadline != nil {
		query += `, deadline = ?`
		args = append(args, fmtTime(*deadline))
	}
	query += ` WHERE user_id = ?`
	args = append(args, userID)

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("updating state for %s: %w", userID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO state_history (user_id, old_state, new_state, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, from, to, reason, actor, fmtTime(now)); err != nil {
		return fmt.Errorf("appending state history for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition for %s: %w", userID, err)
	}
	return nil
}

// SetDeadline updates the migration deadline for a user.
func (s *Store) SetDeadline(userID string, deadline time.Time) error {
	defer s.lockUser(userID)()
	res, err := s.db.Exec(`UPDATE migration_states SET deadline = ?, updated_at = ? WHERE user_id = ?`,
		fmtTime(deadline), fmtTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("setting deadline for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("migration state %s: %w", userID, ErrNotFound)
	}
	return nil
}

// SetStateProgress updates the 0-100 migration progress for a user.
func (s *Store) SetStateProgress(userID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	defer s.lockUser(userID)()
	_, err := s.db.Exec(`UPDATE migration_states SET progress = ?, updated_at = ? WHERE user_id = ?`,
		progress, fmtTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("setting progress for %s: %w", userID, err)
	}
	return nil
}

// IncrementDelayCount bumps the approved-delay counter.
func (s *Store) IncrementDelayCount(userID string) error {
	defer s.lockUser(userID)()
	_, err := s.db.Exec(`UPDATE migration_states SET delay_count = delay_count + 1, updated_at = ? WHERE user_id = ?`,
		fmtTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("incrementing delay count for %s: %w", userID, err)
	}
	return nil
}

// GetStateHistory returns the full append-only transition trail for a user,
// oldest first.
func (s *Store) GetStateHistory(userID string) ([]*StateTransition, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, old_state, new_state, reason, actor, created_at
		FROM state_history WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("reading state history for %s: %w", userID, err)
	}
	defer rows.Close()

	var history []*StateTransition
	for rows.Next() {
		var h StateTransition
		var created string
		if err := rows.Scan(&h.ID, &h.UserID, &h.OldState, &h.NewState, &h.Reason, &h.Actor, &created); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}
