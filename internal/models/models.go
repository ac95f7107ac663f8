package models

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// ErrSyncInProgress is returned when a local session sync is already running
// for the same session id. Safe for the client to retry later.
var ErrSyncInProgress = errors.New("sync already in progress")

type MediaType string

const (
	MediaTypeAudiobook MediaType = "audiobook"
	MediaTypePodcast   MediaType = "podcast"
	MediaTypeVideo     MediaType = "video"
	MediaTypeMusic     MediaType = "music"
)

type PlayMethod string

const (
	PlayMethodDirectPlay PlayMethod = "direct_play"
	PlayMethodTranscode  PlayMethod = "transcode"
)

// FinishedThreshold marks progress at which an item counts as finished.
const FinishedThreshold = 0.99

// MediaStream is the handle a transcoded session holds on its live stream.
// Owned by exactly one PlaybackSession; released once, on close.
type MediaStream interface {
	AudioTrack() AudioTrack
	Close() error
}

type AudioTrack struct {
	Index       int     `json:"index"`
	Title       string  `json:"title"`
	StartOffset float64 `json:"start_offset"`
	Duration    float64 `json:"duration"`
	ContentURL  string  `json:"content_url"`
	MimeType    string  `json:"mime_type"`
	Codec       string  `json:"codec,omitempty"`
}

type VideoTrack struct {
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	Path       string  `json:"path,omitempty"`
	ContentURL string  `json:"content_url"`
	MimeType   string  `json:"mime_type"`
	Codec      string  `json:"codec,omitempty"`
}

// ClientDeviceInfo is the device descriptor native and offline clients send
// with play and sync requests. Preferred over user-agent sniffing when present.
type ClientDeviceInfo struct {
	DeviceID      string `json:"device_id,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	Manufacturer  string `json:"manufacturer,omitempty"`
	Model         string `json:"model,omitempty"`
	SDKVersion    string `json:"sdk_version,omitempty"`
}

// DeviceInfo is an immutable snapshot of the client taken at session start.
type DeviceInfo struct {
	IPAddress      string `json:"ip_address"`
	UserAgent      string `json:"user_agent,omitempty"`
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os,omitempty"`
	OSVersion      string `json:"os_version,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	DeviceName     string `json:"device_name,omitempty"`
	ClientName     string `json:"client_name,omitempty"`
	ClientVersion  string `json:"client_version,omitempty"`
	City           string `json:"city,omitempty"`
	Country        string `json:"country,omitempty"`
	ServerVersion  string `json:"server_version"`
}

// DeviceDescription is a short human-readable summary for admin views.
func (d DeviceInfo) DeviceDescription() string {
	if d.ClientName != "" {
		if d.DeviceName != "" {
			return d.ClientName + " / " + d.DeviceName
		}
		return d.ClientName
	}
	if d.Browser != "" {
		if d.OS != "" {
			return d.Browser + " / " + d.OS
		}
		return d.Browser
	}
	return "unknown device"
}

type PlayOptions struct {
	ForceDirectPlay    bool              `json:"force_direct_play,omitempty"`
	ForceTranscode     bool              `json:"force_transcode,omitempty"`
	SupportedMimeTypes []string          `json:"supported_mime_types,omitempty"`
	DeviceInfo         *ClientDeviceInfo `json:"device_info,omitempty"`
}

// SyncPayload is a live progress report for an open session.
type SyncPayload struct {
	CurrentTime  float64 `json:"current_time"`
	TimeListened float64 `json:"time_listened"`
	Duration     float64 `json:"duration"`
}

// PlaybackSession is the central entity: one live playback of a library item
// by one user on one device. The JSON shape doubles as the local-session
// payload offline clients post back when they reconcile.
type PlaybackSession struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	LibraryItemID string       `json:"library_item_id"`
	EpisodeID     string       `json:"episode_id,omitempty"`
	MediaType     MediaType    `json:"media_type"`
	Title         string       `json:"title"`
	PlayMethod    PlayMethod   `json:"play_method"`
	DeviceInfo    DeviceInfo   `json:"device_info"`
	AudioTracks   []AudioTrack `json:"audio_tracks,omitempty"`
	VideoTrack    *VideoTrack  `json:"video_track,omitempty"`

	CurrentTime   float64 `json:"current_time"`
	Duration      float64 `json:"duration"`
	TimeListening float64 `json:"time_listening"`

	Date      string `json:"date"`
	DayOfWeek string `json:"day_of_week"`

	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SavedAt   *time.Time `json:"saved_at,omitempty"`

	// mu guards the mutable playback state and the stream reference. A live
	// session is shared between request goroutines and the notifier, so all
	// mutation and all JSON encoding goes through it.
	mu     sync.Mutex
	stream MediaStream
}

func NewPlaybackSession(user *User, item *LibraryItem, episodeID string, device DeviceInfo, startTime float64) *PlaybackSession {
	now := time.Now()
	return &PlaybackSession{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		LibraryItemID: item.ID,
		EpisodeID:     episodeID,
		MediaType:     item.MediaType,
		Title:         item.PlaybackTitle(episodeID),
		DeviceInfo:    device,
		CurrentTime:   startTime,
		Duration:      item.PlaybackDuration(episodeID),
		Date:          now.Format("2006-01-02"),
		DayOfWeek:     now.Weekday().String(),
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Progress is the played fraction, 0 when the duration is unknown.
func (s *PlaybackSession) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *PlaybackSession) progressLocked() float64 {
	if s.Duration > 0 {
		return s.CurrentTime / s.Duration
	}
	return 0
}

// ApplySync folds a live progress report into the session and returns the
// progress update derived from the post-sync state.
func (s *PlaybackSession) ApplySync(p SyncPayload, now time.Time) ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentTime = p.CurrentTime
	s.TimeListening += p.TimeListened
	s.UpdatedAt = now
	return ProgressUpdate{
		Duration:    p.Duration,
		CurrentTime: s.CurrentTime,
		Progress:    s.progressLocked(),
	}
}

// AdoptLocalState overwrites the playback state with what an offline client
// recorded. Timestamps stay the client's; the reporting day snapshot is
// re-derived from server time.
func (s *PlaybackSession) AdoptLocalState(p *PlaybackSession, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentTime = p.CurrentTime
	s.TimeListening = p.TimeListening
	s.UpdatedAt = p.UpdatedAt
	s.Date = now.Format("2006-01-02")
	s.DayOfWeek = now.Weekday().String()
}

// BeginSave stamps the first-save time and returns a consistent copy to hand
// to the store, or nil when the session has no listening time recorded.
// Also reports whether this is the session's first save.
func (s *PlaybackSession) BeginSave(now time.Time) (*PlaybackSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TimeListening == 0 {
		return nil, false
	}
	first := s.SavedAt == nil
	if first {
		s.SavedAt = &now
	}
	return s.snapshotLocked(), first
}

// Snapshot returns a consistent copy that is safe to read, encode, or persist
// while the live session keeps changing.
func (s *PlaybackSession) Snapshot() *PlaybackSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *PlaybackSession) snapshotLocked() *PlaybackSession {
	return &PlaybackSession{
		ID:            s.ID,
		UserID:        s.UserID,
		LibraryItemID: s.LibraryItemID,
		EpisodeID:     s.EpisodeID,
		MediaType:     s.MediaType,
		Title:         s.Title,
		PlayMethod:    s.PlayMethod,
		DeviceInfo:    s.DeviceInfo,
		AudioTracks:   s.AudioTracks,
		VideoTrack:    s.VideoTrack,
		CurrentTime:   s.CurrentTime,
		Duration:      s.Duration,
		TimeListening: s.TimeListening,
		Date:          s.Date,
		DayOfWeek:     s.DayOfWeek,
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
		SavedAt:       s.SavedAt,
	}
}

// MarshalJSON encodes a snapshot taken under the session lock so encoders
// never observe a half-applied sync.
func (s *PlaybackSession) MarshalJSON() ([]byte, error) {
	type playbackSessionJSON PlaybackSession
	return json.Marshal((*playbackSessionJSON)(s.Snapshot()))
}

// AttachStream hands the session ownership of a live transcode stream.
func (s *PlaybackSession) AttachStream(st MediaStream) {
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
}

// TakeStream returns the owned stream and clears the reference, or nil if the
// session has none or it was already taken. Callers release what they take;
// take-once semantics keep the stream-closed callback idempotent.
func (s *PlaybackSession) TakeStream() MediaStream {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	return st
}

// HasStream reports whether the session still owns a live stream.
func (s *PlaybackSession) HasStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}
