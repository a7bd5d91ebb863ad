package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertProfile creates or refreshes a profile from a detection scan.
// First detection sets first_seen_at; rescans update everything else.
func (s *Store) UpsertProfile(p *UserProfile) error {
	defer s.lockUser(p.UserID)()

	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO user_profiles
			(user_id, display_name, domain, profile_path, profile_size_bytes,
			 last_login_at, is_active, requires_backup, priority, status,
			 first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			domain = excluded.domain,
			profile_path = excluded.profile_path,
			profile_size_bytes = excluded.profile_size_bytes,
			last_login_at = excluded.last_login_at,
			is_active = excluded.is_active,
			requires_backup = excluded.requires_backup,
			priority = excluded.priority,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, p.UserID, p.DisplayName, p.Domain, p.ProfilePath, p.ProfileSizeBytes,
		fmtNullableTime(p.LastLoginAt), p.IsActive, p.RequiresBackup, p.Priority,
		statusOrDefault(p.Status), now, now)
	if err != nil {
		return fmt.Errorf("upserting profile %s: %w", p.UserID, err)
	}
	return nil
}

func statusOrDefault(status string) string {
	if status == "" {
		return "present"
	}
	return status
}

// MarkProfileMissing soft-deletes a profile whose directory vanished.
func (s *Store) MarkProfileMissing(userID string) error {
	defer s.lockUser(userID)()
	_, err := s.db.Exec(
		`UPDATE user_profiles SET status = 'missing', updated_at = ? WHERE user_id = ?`,
		fmtTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("marking profile %s missing: %w", userID, err)
	}
	return nil
}

const profileColumns = `user_id, display_name, domain, profile_path, profile_size_bytes,
	last_login_at, is_active, requires_backup, priority, status, first_seen_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*UserProfile, error) {
	var p UserProfile
	var lastLogin sql.NullString
	var firstSeen, updated string
	err := row.Scan(&p.UserID, &p.DisplayName, &p.Domain, &p.ProfilePath,
		&p.ProfileSizeBytes, &lastLogin, &p.IsActive, &p.RequiresBackup,
		&p.Priority, &p.Status, &firstSeen, &updated)
	if err != nil {
		return nil, err
	}
	if p.LastLoginAt, err = scanNullableTime(lastLogin); err != nil {
		return nil, err
	}
	if p.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile returns one profile or ErrNotFound.
func (s *Store) GetProfile(userID string) (*UserProfile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", userID, err)
	}
	return p, nil
}

// ListProfiles returns all known profiles.
func (s *Store) ListProfiles() ([]*UserProfile, error) {
	return s.queryProfiles(`SELECT ` + profileColumns + ` FROM user_profiles ORDER BY user_id`)
}

// ListActiveProfiles returns present profiles classified active.
func (s *Store) ListActiveProfiles() ([]*UserProfile, error) {
	return s.queryProfiles(`SELECT ` + profileColumns + `
		FROM user_profiles WHERE is_active = 1 AND status = 'present' ORDER BY priority DESC, user_id`)
}

func (s *Store) queryProfiles(query string, args ...any) ([]*UserProfile, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}
