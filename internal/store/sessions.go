package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"shelfplay/internal/models"
)

// MaxPlausibleTimeListening is the data-integrity ceiling for the persisted
// listening-time column. A historical client bug reported milliseconds where
// seconds were expected, producing values in the billions; anything at or
// above one hour in that unit is provably corrupt.
const MaxPlausibleTimeListening = 3_600_000_000

const sessionColumns = `id, user_id, library_item_id, episode_id, media_type, title, play_method,
	device_info, audio_tracks, video_track, position, duration, time_listening,
	date, day_of_week, started_at, updated_at, saved_at`

func scanPlaybackSession(scanner interface{ Scan(...any) error }) (*models.PlaybackSession, error) {
	var (
		ps            models.PlaybackSession
		device        sql.NullString
		audioTracks   sql.NullString
		videoTrack    sql.NullString
		timeListening sql.NullFloat64
		savedAt       sql.NullTime
	)
	err := scanner.Scan(
		&ps.ID, &ps.UserID, &ps.LibraryItemID, &ps.EpisodeID, &ps.MediaType, &ps.Title, &ps.PlayMethod,
		&device, &audioTracks, &videoTrack, &ps.CurrentTime, &ps.Duration, &timeListening,
		&ps.Date, &ps.DayOfWeek, &ps.StartedAt, &ps.UpdatedAt, &savedAt,
	)
	if err != nil {
		return nil, err
	}
	if device.Valid {
		if err := json.Unmarshal([]byte(device.String), &ps.DeviceInfo); err != nil {
			return nil, fmt.Errorf("decoding device info: %w", err)
		}
	}
	if audioTracks.Valid {
		if err := json.Unmarshal([]byte(audioTracks.String), &ps.AudioTracks); err != nil {
			return nil, fmt.Errorf("decoding audio tracks: %w", err)
		}
	}
	if videoTrack.Valid && videoTrack.String != "" {
		ps.VideoTrack = &models.VideoTrack{}
		if err := json.Unmarshal([]byte(videoTrack.String), ps.VideoTrack); err != nil {
			return nil, fmt.Errorf("decoding video track: %w", err)
		}
	}
	if timeListening.Valid {
		ps.TimeListening = timeListening.Float64
	} else {
		ps.TimeListening = math.NaN()
	}
	if savedAt.Valid {
		t := savedAt.Time
		ps.SavedAt = &t
	}
	return &ps, nil
}

func (s *Store) GetSession(id string) (*models.PlaybackSession, error) {
	ps, err := scanPlaybackSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM playback_sessions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return ps, nil
}

func (s *Store) InsertSession(ps *models.PlaybackSession) error {
	device, audioTracks, videoTrack, err := encodeSessionBlobs(ps)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO playback_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ps.ID, ps.UserID, ps.LibraryItemID, ps.EpisodeID, ps.MediaType, ps.Title, ps.PlayMethod,
		device, audioTracks, videoTrack, ps.CurrentTime, ps.Duration, nullableFloat(ps.TimeListening),
		ps.Date, ps.DayOfWeek, ps.StartedAt.UTC(), ps.UpdatedAt.UTC(), nullableTime(ps.SavedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ps *models.PlaybackSession) error {
	device, audioTracks, videoTrack, err := encodeSessionBlobs(ps)
	if err != nil {
		return err
	}
	result, err := s.db.Exec(
		`UPDATE playback_sessions SET
			play_method = ?, device_info = ?, audio_tracks = ?, video_track = ?,
			position = ?, duration = ?, time_listening = ?,
			date = ?, day_of_week = ?, updated_at = ?, saved_at = ?
		 WHERE id = ?`,
		ps.PlayMethod, device, audioTracks, videoTrack,
		ps.CurrentTime, ps.Duration, nullableFloat(ps.TimeListening),
		ps.Date, ps.DayOfWeek, ps.UpdatedAt.UTC(), nullableTime(ps.SavedAt),
		ps.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", ps.ID, models.ErrNotFound)
	}
	return nil
}

// ListUserSessions returns a user's persisted sessions, most recent first.
func (s *Store) ListUserSessions(userID string, limit int) ([]*models.PlaybackSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM playback_sessions WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.PlaybackSession{}
	for rows.Next() {
		ps, err := scanPlaybackSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, ps)
	}
	return sessions, rows.Err()
}

// DeleteInvalidSessions removes persisted sessions whose listening time is
// not a number (stored as NULL) or implausibly large. Returns the count.
func (s *Store) DeleteInvalidSessions() (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM playback_sessions
		 WHERE time_listening IS NULL
		    OR time_listening != time_listening
		    OR time_listening >= ?`,
		float64(MaxPlausibleTimeListening),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting invalid sessions: %w", err)
	}
	return result.RowsAffected()
}

func encodeSessionBlobs(ps *models.PlaybackSession) (device, audioTracks, videoTrack any, err error) {
	d, err := json.Marshal(ps.DeviceInfo)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding device info: %w", err)
	}
	device = string(d)
	if len(ps.AudioTracks) > 0 {
		a, err := json.Marshal(ps.AudioTracks)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encoding audio tracks: %w", err)
		}
		audioTracks = string(a)
	}
	if ps.VideoTrack != nil {
		v, err := json.Marshal(ps.VideoTrack)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encoding video track: %w", err)
		}
		videoTrack = string(v)
	}
	return device, audioTracks, videoTrack, nil
}

// nullableFloat maps NaN to NULL so corrupt values stay queryable.
func nullableFloat(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
