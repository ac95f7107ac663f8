package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"shelfplay/internal/models"
)

func (s *Store) GetLibraryItem(id string) (*models.LibraryItem, error) {
	var (
		li         models.LibraryItem
		audioFiles sql.NullString
		videoFile  sql.NullString
		episodes   sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT id, title, author, media_type, duration, audio_files, video_file, episodes, added_at, updated_at
		 FROM library_items WHERE id = ?`, id,
	).Scan(&li.ID, &li.Title, &li.Author, &li.MediaType, &li.Duration,
		&audioFiles, &videoFile, &episodes, &li.AddedAt, &li.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("library item %q: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting library item: %w", err)
	}

	if audioFiles.Valid {
		if err := json.Unmarshal([]byte(audioFiles.String), &li.AudioFiles); err != nil {
			return nil, fmt.Errorf("decoding audio files: %w", err)
		}
	}
	if videoFile.Valid && videoFile.String != "" {
		li.VideoFile = &models.VideoTrack{}
		if err := json.Unmarshal([]byte(videoFile.String), li.VideoFile); err != nil {
			return nil, fmt.Errorf("decoding video file: %w", err)
		}
	}
	if episodes.Valid {
		if err := json.Unmarshal([]byte(episodes.String), &li.Episodes); err != nil {
			return nil, fmt.Errorf("decoding episodes: %w", err)
		}
	}
	return &li, nil
}

func (s *Store) UpsertLibraryItem(li *models.LibraryItem) error {
	var audioFiles, videoFile, episodes any
	if len(li.AudioFiles) > 0 {
		b, err := json.Marshal(li.AudioFiles)
		if err != nil {
			return fmt.Errorf("encoding audio files: %w", err)
		}
		audioFiles = string(b)
	}
	if li.VideoFile != nil {
		b, err := json.Marshal(li.VideoFile)
		if err != nil {
			return fmt.Errorf("encoding video file: %w", err)
		}
		videoFile = string(b)
	}
	if len(li.Episodes) > 0 {
		b, err := json.Marshal(li.Episodes)
		if err != nil {
			return fmt.Errorf("encoding episodes: %w", err)
		}
		episodes = string(b)
	}

	_, err := s.db.Exec(
		`INSERT INTO library_items (id, title, author, media_type, duration, audio_files, video_file, episodes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			media_type = excluded.media_type,
			duration = excluded.duration,
			audio_files = excluded.audio_files,
			video_file = excluded.video_file,
			episodes = excluded.episodes,
			updated_at = CURRENT_TIMESTAMP`,
		li.ID, li.Title, li.Author, li.MediaType, li.Duration, audioFiles, videoFile, episodes,
	)
	if err != nil {
		return fmt.Errorf("upserting library item: %w", err)
	}
	return nil
}
