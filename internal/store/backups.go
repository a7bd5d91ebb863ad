package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const backupColumns = `id, operation_id, user_id, provider, category, status,
	bytes_total, bytes_done, items_total, items_done, percent_done,
	error_code, error_message, retry_count, manifest_path,
	started_at, completed_at, updated_at`

func scanBackup(row interface{ Scan(...any) error }) (*BackupOperation, error) {
	var b BackupOperation
	var started, updated string
	var completed sql.NullString
	err := row.Scan(&b.ID, &b.OperationID, &b.UserID, &b.Provider, &b.Category,
		&b.Status, &b.BytesTotal, &b.BytesDone, &b.ItemsTotal, &b.ItemsDone,
		&b.PercentDone, &b.ErrorCode, &b.ErrorMessage, &b.RetryCount,
		&b.ManifestPath, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}
	if b.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if b.CompletedAt, err = scanNullableTime(completed); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &b, nil
}

// StartBackupAttempt records the start of a (user, category) backup attempt.
// Attempts are append-only history: a retry after failure creates a new row
// referencing the same operation id with an incremented retry count. A replay
// while an attempt is running or after completion is a no-op, so duplicate
// BackupStarted delivery cannot spawn phantom attempts.
func (s *Store) StartBackupAttempt(op *BackupOperation) error {
	defer s.lockUser(op.UserID)()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning backup attempt: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM backup_operations WHERE operation_id = ?`,
		op.OperationID).Scan(&attempts); err != nil {
		return fmt.Errorf("checking backup attempts for %s: %w", op.OperationID, err)
	}

	var lastStatus sql.NullString
	if attempts > 0 {
		if err := tx.QueryRow(`SELECT status FROM backup_operations
			WHERE operation_id = ? ORDER BY retry_count DESC LIMIT 1`,
			op.OperationID).Scan(&lastStatus); err != nil {
			return fmt.Errorf("checking last attempt for %s: %w", op.OperationID, err)
		}
	}

	if attempts > 0 && lastStatus.String != BackupFailed {
		// Running attempt (duplicate delivery) or already completed.
		return tx.Commit()
	}

	now := fmtTime(time.Now())
	_, err = tx.Exec(`
		INSERT INTO backup_operations
			(operation_id, user_id, provider, category, status,
			 bytes_total, items_total, retry_count, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.OperationID, op.UserID, op.Provider, op.Category, BackupRunning,
		op.BytesTotal, op.ItemsTotal, attempts, now, now)
	if err != nil {
		return fmt.Errorf("recording backup attempt %s: %w", op.OperationID, err)
	}
	return tx.Commit()
}

// UpdateBackupProgress applies progress to the latest attempt of an
// operation. Counters are monotonically non-decreasing within one attempt
// and never move a completed attempt; percent is capped below 100 until
// completion is reported.
func (s *Store) UpdateBackupProgress(operationID, userID string, bytesDone, itemsDone int64, percent int) error {
	defer s.lockUser(userID)()

	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}
	_, err := s.db.Exec(`
		UPDATE backup_operations
		SET bytes_done = MAX(bytes_done, ?),
		    items_done = MAX(items_done, ?),
		    percent_done = MAX(percent_done, ?),
		    updated_at = ?
		WHERE operation_id = ? AND status = ?
		  AND retry_count = (SELECT MAX(retry_count) FROM backup_operations WHERE operation_id = ?)
	`, bytesDone, itemsDone, percent, fmtTime(time.Now()), operationID, BackupRunning, operationID)
	if err != nil {
		return fmt.Errorf("updating backup progress %s: %w", operationID, err)
	}
	return nil
}

// CompleteBackupAttempt marks the latest attempt completed. Re-applying a
// completion for an operation that already completed is a no-op.
func (s *Store) CompleteBackupAttempt(operationID, userID string, bytesDone, itemsDone int64, manifestPath string) (bool, error) {
	defer s.lockUser(userID)()

	now := fmtTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE backup_operations
		SET status = ?, bytes_done = MAX(bytes_done, ?), items_done = MAX(items_done, ?),
		    percent_done = 100, manifest_path = ?, completed_at = ?, updated_at = ?
		WHERE operation_id = ? AND status = ?
		  AND retry_count = (SELECT MAX(retry_count) FROM backup_operations WHERE operation_id = ?)
	`, BackupCompleted, bytesDone, itemsDone, manifestPath, now, now,
		operationID, BackupRunning, operationID)
	if err != nil {
		return false, fmt.Errorf("completing backup %s: %w", operationID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailBackupAttempt marks the latest attempt failed with the given error.
func (s *Store) FailBackupAttempt(operationID, userID, code, message string) error {
	defer s.lockUser(userID)()

	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		UPDATE backup_operations
		SET status = ?, error_code = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE operation_id = ? AND status = ?
		  AND retry_count = (SELECT MAX(retry_count) FROM backup_operations WHERE operation_id = ?)
	`, BackupFailed, code, message, now, now, operationID, BackupRunning, operationID)
	if err != nil {
		return fmt.Errorf("failing backup %s: %w", operationID, err)
	}
	return nil
}

// GetLatestAttempt returns the newest attempt row for an operation.
func (s *Store) GetLatestAttempt(operationID string) (*BackupOperation, error) {
	row := s.db.QueryRow(`SELECT `+backupColumns+` FROM backup_operations
		WHERE operation_id = ? ORDER BY retry_count DESC LIMIT 1`, operationID)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backup operation %s: %w", operationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup operation %s: %w", operationID, err)
	}
	return b, nil
}

// ListBackupOperations returns all attempt rows for a user, newest first.
func (s *Store) ListBackupOperations(userID string) ([]*BackupOperation, error) {
	rows, err := s.db.Query(`SELECT `+backupColumns+` FROM backup_operations
		WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing backups for %s: %w", userID, err)
	}
	defer rows.Close()

	var ops []*BackupOperation
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup operation: %w", err)
		}
		ops = append(ops, b)
	}
	return ops, rows.Err()
}

// CompletedCategories returns the distinct categories a user has completed.
func (s *Store) CompletedCategories(userID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT category FROM backup_operations
		WHERE user_id = ? AND status = ? ORDER BY category
	`, userID, BackupCompleted)
	if err != nil {
		return nil, fmt.Errorf("listing completed categories for %s: %w", userID, err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// StaleRunningBackups returns running attempts with no progress since the
// cutoff, used by the sweep to escalate hung backups.
func (s *Store) StaleRunningBackups(cutoff time.Time) ([]*BackupOperation, error) {
	rows, err := s.db.Query(`SELECT `+backupColumns+` FROM backup_operations
		WHERE status = ? AND updated_at < ?`, BackupRunning, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing stale backups: %w", err)
	}
	defer rows.Close()

	var ops []*BackupOperation
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup operation: %w", err)
		}
		ops = append(ops, b)
	}
	return ops, rows.Err()
}
