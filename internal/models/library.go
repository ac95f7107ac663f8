package models

import (
	"fmt"
	"time"
)

// AudioFile is one playable source file belonging to a library item.
type AudioFile struct {
	Index    int     `json:"index"`
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
	MimeType string  `json:"mime_type"`
	Codec    string  `json:"codec,omitempty"`
	Bitrate  int64   `json:"bitrate,omitempty"`
}

// PodcastEpisode is an episodic child of a podcast library item.
type PodcastEpisode struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	AudioFile   AudioFile `json:"audio_file"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// LibraryItem is the media entity a session plays. The library subsystem owns
// ingest and metadata; this core only consumes the playback surface.
type LibraryItem struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Author     string           `json:"author,omitempty"`
	MediaType  MediaType        `json:"media_type"`
	Duration   float64          `json:"duration"`
	AudioFiles []AudioFile      `json:"audio_files,omitempty"`
	VideoFile  *VideoTrack      `json:"video_file,omitempty"`
	Episodes   []PodcastEpisode `json:"episodes,omitempty"`
	AddedAt    time.Time        `json:"added_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (li *LibraryItem) Episode(episodeID string) *PodcastEpisode {
	for i := range li.Episodes {
		if li.Episodes[i].ID == episodeID {
			return &li.Episodes[i]
		}
	}
	return nil
}

// CheckCanDirectPlay reports whether the item's media can be served to the
// client unmodified under the given play options.
func (li *LibraryItem) CheckCanDirectPlay(opts PlayOptions, episodeID string) bool {
	if li.MediaType == MediaTypeVideo {
		// Video is always served as-is in this core.
		return li.VideoFile != nil
	}
	files := li.playableFiles(episodeID)
	if len(files) == 0 {
		return false
	}
	if len(opts.SupportedMimeTypes) == 0 {
		return true
	}
	supported := make(map[string]bool, len(opts.SupportedMimeTypes))
	for _, mt := range opts.SupportedMimeTypes {
		supported[mt] = true
	}
	for _, f := range files {
		if !supported[f.MimeType] {
			return false
		}
	}
	return true
}

// GetVideoTrack returns the direct-play video track, nil for non-video items.
func (li *LibraryItem) GetVideoTrack() *VideoTrack {
	if li.VideoFile == nil {
		return nil
	}
	t := *li.VideoFile
	if t.Title == "" {
		t.Title = li.Title
	}
	if t.Duration == 0 {
		t.Duration = li.Duration
	}
	t.ContentURL = fmt.Sprintf("/api/items/%s/file/video", li.ID)
	return &t
}

// GetDirectPlayTracklist builds the ordered direct-play track list. Offsets
// are cumulative so multi-file audiobooks present one continuous timeline.
func (li *LibraryItem) GetDirectPlayTracklist(episodeID string) []AudioTrack {
	files := li.playableFiles(episodeID)
	tracks := make([]AudioTrack, 0, len(files))
	var offset float64
	for _, f := range files {
		tracks = append(tracks, AudioTrack{
			Index:       f.Index,
			Title:       li.PlaybackTitle(episodeID),
			StartOffset: offset,
			Duration:    f.Duration,
			ContentURL:  fmt.Sprintf("/api/items/%s/file/%d", li.ID, f.Index),
			MimeType:    f.MimeType,
			Codec:       f.Codec,
		})
		offset += f.Duration
	}
	return tracks
}

// PlaybackTitle is the display title for a session of this item.
func (li *LibraryItem) PlaybackTitle(episodeID string) string {
	if episodeID != "" {
		if ep := li.Episode(episodeID); ep != nil {
			return ep.Title
		}
	}
	return li.Title
}

// PlaybackDuration is the total runtime of what the session plays.
func (li *LibraryItem) PlaybackDuration(episodeID string) float64 {
	if episodeID != "" {
		if ep := li.Episode(episodeID); ep != nil {
			return ep.AudioFile.Duration
		}
	}
	return li.Duration
}

func (li *LibraryItem) playableFiles(episodeID string) []AudioFile {
	if li.MediaType == MediaTypePodcast {
		if ep := li.Episode(episodeID); ep != nil {
			return []AudioFile{ep.AudioFile}
		}
		return nil
	}
	return li.AudioFiles
}
