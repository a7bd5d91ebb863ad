package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateEscalation records a human-actionable issue. An open escalation for
// the same user and trigger is not duplicated; the existing id is returned so
// the sweep can re-fire policy rules without spamming IT.
func (s *Store) CreateEscalation(userID string, trigger EscalationTrigger, reason string, immediate bool) (int64, error) {
	defer s.lockUser(userID)()

	var existing int64
	err := s.db.QueryRow(`
		SELECT id FROM it_escalations
		WHERE user_id = ? AND trigger_type = ? AND status = ?
	`, userID, trigger, EscalationOpen).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("checking open escalations for %s: %w", userID, err)
	}

	res, err := s.db.Exec(`
		INSERT INTO it_escalations (user_id, trigger_type, reason, status, requires_immediate_action, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, trigger, reason, EscalationOpen, immediate, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("creating escalation for %s: %w", userID, err)
	}
	return res.LastInsertId()
}

// ResolveEscalation closes an escalation, optionally recording the ticket.
func (s *Store) ResolveEscalation(id int64, ticket string) error {
	res, err := s.db.Exec(`
		UPDATE it_escalations SET status = ?, ticket = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, EscalationResolved, ticket, fmtTime(time.Now()), id, EscalationOpen)
	if err != nil {
		return fmt.Errorf("resolving escalation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("escalation %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListOpenEscalations returns all unresolved escalations, oldest first.
func (s *Store) ListOpenEscalations() ([]*ITEscalation, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, trigger_type, reason, status, ticket, requires_immediate_action, created_at, resolved_at
		FROM it_escalations WHERE status = ? ORDER BY id
	`, EscalationOpen)
	if err != nil {
		return nil, fmt.Errorf("listing open escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*ITEscalation
	for rows.Next() {
		var e ITEscalation
		var created string
		var resolved sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Trigger, &e.Reason, &e.Status,
			&e.Ticket, &e.RequiresImmediateAction, &created, &resolved); err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.ResolvedAt, err = scanNullableTime(resolved); err != nil {
			return nil, err
		}
		escalations = append(escalations, &e)
	}
	return escalations, rows.Err()
}
