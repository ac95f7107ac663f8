package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"shelfplay/internal/models"
)

// Store is the durable entity surface the lifecycle needs.
type Store interface {
	GetSession(id string) (*models.PlaybackSession, error)
	InsertSession(*models.PlaybackSession) error
	UpdateSession(*models.PlaybackSession) error
	GetLibraryItem(id string) (*models.LibraryItem, error)
	UpdateUser(*models.User) error
}

// Notifier is the publish port telling a user's other clients and the admins
// that session or progress state changed. Fire and forget.
type Notifier interface {
	PublishToUser(userID, event string, payload any)
	PublishToAdmins(event string, payload any)
}

// Stream is a live transcode owned by one session.
type Stream interface {
	models.MediaStream
	GeneratePlaylist(ctx context.Context) error
	Start(ctx context.Context) error
	Closed() <-chan struct{}
}

// StreamOpener builds a stream for a session about to transcode.
type StreamOpener interface {
	OpenStream(sessionID string, item *models.LibraryItem, episodeID string, startTime float64) Stream
}

const (
	EventSessionsUpdated = "sessions_updated"
	EventProgressUpdated = "user_item_progress_updated"
)

// Manager drives the playback session lifecycle: start, sync, local sync
// reconciliation, and close.
type Manager struct {
	registry *Registry
	locks    *LockTable
	store    Store
	notifier Notifier
	streams  StreamOpener

	// userMu serializes lifecycle mutation per user, so two parallel play
	// requests cannot both pass the single-session check before either of
	// them registers its session.
	mu     sync.Mutex
	userMu map[string]*sync.Mutex
}

func NewManager(registry *Registry, store Store, notifier Notifier, streams StreamOpener) *Manager {
	return &Manager{
		registry: registry,
		locks:    NewLockTable(),
		store:    store,
		notifier: notifier,
		streams:  streams,
		userMu:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.userMu[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userMu[userID] = l
	}
	return l
}

// StartSession opens a new playback session for the user, closing any session
// the user already has so that at most one is ever live per user. The caller
// has already validated the item and options.
func (m *Manager) StartSession(ctx context.Context, user *models.User, device models.DeviceInfo, item *models.LibraryItem, episodeID string, opts models.PlayOptions) (*models.PlaybackSession, error) {
	ul := m.userLock(user.ID)
	ul.Lock()
	defer ul.Unlock()

	for _, prev := range m.registry.FindByUser(user.ID) {
		log.Printf("user %s starting new session, closing %s (%s)", user.Username, prev.ID, prev.Title)
		m.CloseSession(user, prev, nil)
	}

	canDirectPlay := opts.ForceDirectPlay ||
		(!opts.ForceTranscode && item.CheckCanDirectPlay(opts, episodeID))

	var startTime float64
	if item.MediaType != models.MediaTypeMusic {
		if mp := user.GetMediaProgress(item.ID, episodeID); mp != nil {
			if mp.IsFinished {
				// Finished items restart from the beginning.
				startTime = 0
			} else {
				startTime = mp.CurrentTime
			}
		}
	}

	s := models.NewPlaybackSession(user, item, episodeID, device, startTime)

	switch item.MediaType {
	case models.MediaTypeVideo:
		// Video transcoding is unsupported; video always direct plays.
		s.PlayMethod = models.PlayMethodDirectPlay
		s.VideoTrack = item.GetVideoTrack()
	default:
		if canDirectPlay {
			s.PlayMethod = models.PlayMethodDirectPlay
			s.AudioTracks = item.GetDirectPlayTracklist(episodeID)
		} else {
			st := m.streams.OpenStream(s.ID, item, episodeID, startTime)
			if err := st.GeneratePlaylist(ctx); err != nil {
				return nil, fmt.Errorf("generating playlist: %w", err)
			}
			if err := st.Start(ctx); err != nil {
				return nil, fmt.Errorf("starting transcode: %w", err)
			}
			s.PlayMethod = models.PlayMethodTranscode
			s.AudioTracks = []models.AudioTrack{st.AudioTrack()}
			s.AttachStream(st)
			go func() {
				<-st.Closed()
				// May fire after the session was already removed; TakeStream
				// makes the clear a no-op in that case.
				if s.TakeStream() != nil {
					log.Printf("session %s: stream closed by transcoder", s.ID)
				}
			}()
		}
	}

	// Persisted lazily, on the first sync that records listening time.
	user.CurrentSessionID = s.ID

	m.registry.Add(s)
	m.notifier.PublishToAdmins(EventSessionsUpdated, m.registry.All())
	return s, nil
}

// SyncSession applies a live progress report to the session and the user's
// saved progress, then persists both. Returns the library item, or a
// not-found failure when the item is gone from the library.
func (m *Manager) SyncSession(user *models.User, s *models.PlaybackSession, payload models.SyncPayload) (*models.LibraryItem, error) {
	item, err := m.store.GetLibraryItem(s.LibraryItemID)
	if err != nil {
		log.Printf("session %s sync: item %s not available: %v", s.ID, s.LibraryItemID, err)
		return nil, err
	}

	update := s.ApplySync(payload, time.Now())
	if s.MediaType != models.MediaTypeMusic {
		m.applyProgress(user, item, update, s.EpisodeID)
	}

	if err := m.SaveSession(s); err != nil {
		log.Printf("session %s sync: persisting: %v", s.ID, err)
	}
	return item, nil
}

// SyncLocalSession reconciles a session an offline client tracked on its own.
// The whole sequence holds the per-session lock; a concurrent call for the
// same id fails immediately with ErrSyncInProgress.
func (m *Manager) SyncLocalSession(user *models.User, payload *models.PlaybackSession) (*models.PlaybackSession, error) {
	if !m.locks.TryLock(payload.ID) {
		log.Printf("local session %s: sync already in progress", payload.ID)
		return nil, models.ErrSyncInProgress
	}
	defer m.locks.Unlock(payload.ID)

	// Validate the item strictly before any session row is written, so a
	// reported failure never leaves a fresh session row behind.
	item, err := m.store.GetLibraryItem(payload.LibraryItemID)
	if err != nil {
		log.Printf("local session %s: item %s not available: %v", payload.ID, payload.LibraryItemID, err)
		return nil, err
	}

	// A different live session for the same media is a conflicting concurrent
	// session; the local sync wins.
	for _, other := range m.registry.FindByUser(user.ID) {
		if other.ID != payload.ID && other.LibraryItemID == payload.LibraryItemID && other.EpisodeID == payload.EpisodeID {
			log.Printf("local session %s: closing conflicting live session %s", payload.ID, other.ID)
			m.CloseSession(user, other, nil)
		}
	}

	s, err := m.store.GetSession(payload.ID)
	switch {
	case err == nil:
		// The saved timestamp keeps the client's own update time so server
		// and client clocks stay comparable; only the day snapshot is ours.
		s.AdoptLocalState(payload, time.Now())
		if err := m.store.UpdateSession(s); err != nil {
			return nil, fmt.Errorf("updating local session: %w", err)
		}
	case errors.Is(err, models.ErrNotFound):
		s = payload
		s.UserID = user.ID
		if s.SavedAt == nil {
			now := time.Now()
			s.SavedAt = &now
		}
		if err := m.store.InsertSession(s); err != nil {
			return nil, fmt.Errorf("inserting local session: %w", err)
		}
	default:
		return nil, fmt.Errorf("loading local session: %w", err)
	}

	if s.MediaType != models.MediaTypeMusic {
		update := models.ProgressUpdate{
			Duration:    s.Duration,
			CurrentTime: s.CurrentTime,
			Progress:    s.Progress(),
			// Local syncs must not appear fresher than the client's record.
			LastUpdate: s.UpdatedAt,
		}
		m.applyProgress(user, item, update, s.EpisodeID)
	}
	return s, nil
}

// CloseSession finalizes a session: syncs the last payload if one came with
// the close, persists, tells the admins, and drops the session from the
// registry (releasing any stream it owns).
func (m *Manager) CloseSession(user *models.User, s *models.PlaybackSession, payload *models.SyncPayload) *models.PlaybackSession {
	if payload != nil {
		if _, err := m.SyncSession(user, s, *payload); err != nil {
			log.Printf("session %s close: final sync failed: %v", s.ID, err)
		}
	} else if err := m.SaveSession(s); err != nil {
		log.Printf("session %s close: persisting: %v", s.ID, err)
	}

	m.registry.Remove(s.ID)
	m.notifier.PublishToAdmins(EventSessionsUpdated, m.registry.All())
	return s
}

// SaveSession persists the session unless it has recorded no listening time;
// empty sessions are never written. The first write stamps SavedAt. The store
// gets a snapshot, so a concurrent sync cannot tear the row being written.
func (m *Manager) SaveSession(s *models.PlaybackSession) error {
	snap, first := s.BeginSave(time.Now())
	if snap == nil {
		return nil
	}
	if first {
		return m.store.InsertSession(snap)
	}
	return m.store.UpdateSession(snap)
}

func (m *Manager) applyProgress(user *models.User, item *models.LibraryItem, update models.ProgressUpdate, episodeID string) {
	if !user.CreateUpdateMediaProgress(item, update, episodeID) {
		return
	}
	if err := m.store.UpdateUser(user); err != nil {
		log.Printf("user %s: persisting progress: %v", user.Username, err)
		return
	}
	m.notifier.PublishToUser(user.ID, EventProgressUpdated, user.GetMediaProgress(item.ID, episodeID))
}
