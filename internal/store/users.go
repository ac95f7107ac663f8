package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"shelfplay/internal/models"
)

const userColumns = `id, username, password_hash, token, is_admin, current_session_id, created_at, updated_at`

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func scanUser(scanner interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	err := scanner.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Token, &u.IsAdmin,
		&u.CurrentSessionID, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) CreateUser(username, passwordHash string, isAdmin bool) (*models.User, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating user token: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO users (id, username, password_hash, token, is_admin) VALUES (?, ?, ?, ?, ?)`,
		id, username, passwordHash, token, isAdmin,
	)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return s.GetUser(id)
}

func (s *Store) GetUser(id string) (*models.User, error) {
	return s.getUserBy(`id = ?`, id)
}

func (s *Store) GetUserByUsername(username string) (*models.User, error) {
	return s.getUserBy(`username = ?`, username)
}

func (s *Store) GetUserByToken(token string) (*models.User, error) {
	return s.getUserBy(`token = ?`, token)
}

func (s *Store) getUserBy(where string, arg any) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE `+where, arg,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if err := s.loadMediaProgress(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser persists the user row and upserts every media progress entry the
// user holds in memory. Progress rows are only ever added or overwritten here;
// deletion is a separate administrative operation.
func (s *Store) UpdateUser(u *models.User) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE users SET current_session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		u.CurrentSessionID, u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %q: %w", u.ID, models.ErrNotFound)
	}

	for _, mp := range u.MediaProgresses {
		_, err := tx.Exec(
			`INSERT INTO media_progress (user_id, library_item_id, episode_id, duration, position, progress, is_finished, last_update)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, library_item_id, episode_id) DO UPDATE SET
				duration = excluded.duration,
				position = excluded.position,
				progress = excluded.progress,
				is_finished = excluded.is_finished,
				last_update = excluded.last_update`,
			u.ID, mp.LibraryItemID, mp.EpisodeID, mp.Duration, mp.CurrentTime, mp.Progress, mp.IsFinished, mp.LastUpdate.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upserting media progress: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) loadMediaProgress(u *models.User) error {
	rows, err := s.db.Query(
		`SELECT library_item_id, episode_id, duration, position, progress, is_finished, last_update
		 FROM media_progress WHERE user_id = ?`,
		u.ID,
	)
	if err != nil {
		return fmt.Errorf("loading media progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		mp := &models.MediaProgress{}
		if err := rows.Scan(&mp.LibraryItemID, &mp.EpisodeID, &mp.Duration, &mp.CurrentTime,
			&mp.Progress, &mp.IsFinished, &mp.LastUpdate); err != nil {
			return err
		}
		u.MediaProgresses = append(u.MediaProgresses, mp)
	}
	return rows.Err()
}
