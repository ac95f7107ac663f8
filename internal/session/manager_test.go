package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfplay/internal/models"
)

type mockStore struct {
	mu       sync.Mutex
	items    map[string]*models.LibraryItem
	sessions map[string]*models.PlaybackSession

	inserts     int
	updates     int
	userUpdates int

	// blockItemLookup makes GetLibraryItem wait until released, to simulate
	// an in-flight local sync holding the session lock across I/O.
	blockItemLookup chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		items:    make(map[string]*models.LibraryItem),
		sessions: make(map[string]*models.PlaybackSession),
	}
}

func (m *mockStore) GetSession(id string) (*models.PlaybackSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return s, nil
}

func (m *mockStore) InsertSession(s *models.PlaybackSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	m.sessions[s.ID] = s
	return nil
}

func (m *mockStore) UpdateSession(s *models.PlaybackSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return models.ErrNotFound
	}
	m.updates++
	m.sessions[s.ID] = s
	return nil
}

func (m *mockStore) GetLibraryItem(id string) (*models.LibraryItem, error) {
	if m.blockItemLookup != nil {
		<-m.blockItemLookup
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return item, nil
}

func (m *mockStore) UpdateUser(u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userUpdates++
	return nil
}

type publishedEvent struct {
	userID string
	event  string
}

type mockNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (m *mockNotifier) PublishToUser(userID, event string, payload any) {
	m.mu.Lock()
	m.events = append(m.events, publishedEvent{userID: userID, event: event})
	m.mu.Unlock()
}

func (m *mockNotifier) PublishToAdmins(event string, payload any) {
	m.mu.Lock()
	m.events = append(m.events, publishedEvent{event: event})
	m.mu.Unlock()
}

func (m *mockNotifier) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type mockStream struct {
	mu        sync.Mutex
	started   bool
	generated bool
	closes    int
	done      chan struct{}
}

func newMockStream() *mockStream {
	return &mockStream{done: make(chan struct{})}
}

func (m *mockStream) GeneratePlaylist(ctx context.Context) error {
	m.mu.Lock()
	m.generated = true
	m.mu.Unlock()
	return nil
}

func (m *mockStream) Start(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *mockStream) AudioTrack() models.AudioTrack {
	return models.AudioTrack{Index: 0, MimeType: "application/vnd.apple.mpegurl"}
}

func (m *mockStream) Closed() <-chan struct{} { return m.done }

func (m *mockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return nil
}

func (m *mockStream) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type mockOpener struct {
	mu      sync.Mutex
	streams []*mockStream
}

func (m *mockOpener) OpenStream(sessionID string, item *models.LibraryItem, episodeID string, startTime float64) Stream {
	st := newMockStream()
	m.mu.Lock()
	m.streams = append(m.streams, st)
	m.mu.Unlock()
	return st
}

func newTestManager() (*Manager, *mockStore, *mockNotifier, *mockOpener) {
	st := newMockStore()
	nt := &mockNotifier{}
	op := &mockOpener{}
	return NewManager(NewRegistry(), st, nt, op), st, nt, op
}

func testUser() *models.User {
	return &models.User{ID: "u1", Username: "alice"}
}

func testAudiobook() *models.LibraryItem {
	return &models.LibraryItem{
		ID:        "li1",
		Title:     "The Long Way Home",
		MediaType: models.MediaTypeAudiobook,
		Duration:  3600,
		AudioFiles: []models.AudioFile{
			{Index: 0, Path: "/media/book/part1.mp3", Duration: 1800, MimeType: "audio/mpeg"},
			{Index: 1, Path: "/media/book/part2.mp3", Duration: 1800, MimeType: "audio/mpeg"},
		},
	}
}

func TestStartSession_SingleSessionPerUser(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item

	ctx := context.Background()
	first, err := m.StartSession(ctx, user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.StartSession(ctx, user, models.DeviceInfo{}, item, "", models.PlayOptions{})
		require.NoError(t, err)
		live := m.Registry().FindByUser(user.ID)
		require.Len(t, live, 1)
	}

	assert.Nil(t, m.Registry().Find(first.ID), "first session should have been closed")
}

func TestStartSession_ConcurrentStartsKeepOneLive(t *testing.T) {
	m, st, _, _ := newTestManager()
	item := testAudiobook()
	st.items[item.ID] = item

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each request carries its own freshly loaded user, the way the
			// auth middleware hands one to every handler.
			_, err := m.StartSession(context.Background(), testUser(), models.DeviceInfo{}, item, "", models.PlayOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, m.Registry().FindByUser("u1"), 1)
	assert.Equal(t, 1, m.Registry().Count())
}

func TestStartSession_DirectPlay(t *testing.T) {
	m, st, _, op := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item

	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{
		SupportedMimeTypes: []string{"audio/mpeg"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PlayMethodDirectPlay, s.PlayMethod)
	assert.Len(t, s.AudioTracks, 2)
	assert.Equal(t, 1800.0, s.AudioTracks[1].StartOffset)
	assert.Empty(t, op.streams, "direct play must not open a stream")
	assert.Equal(t, s.ID, user.CurrentSessionID)
}

func TestStartSession_TranscodeWhenUnsupported(t *testing.T) {
	m, st, _, op := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item

	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{
		SupportedMimeTypes: []string{"audio/flac"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PlayMethodTranscode, s.PlayMethod)
	require.Len(t, op.streams, 1)
	assert.True(t, op.streams[0].generated)
	assert.True(t, op.streams[0].started)
	assert.Len(t, s.AudioTracks, 1)
	assert.True(t, s.HasStream())
}

func TestStartSession_ForceTranscode(t *testing.T) {
	m, st, _, op := newTestManager()
	item := testAudiobook()
	st.items[item.ID] = item

	s, err := m.StartSession(context.Background(), testUser(), models.DeviceInfo{}, item, "", models.PlayOptions{
		ForceTranscode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlayMethodTranscode, s.PlayMethod)
	assert.Len(t, op.streams, 1)
}

func TestStartSession_FinishedProgressRestarts(t *testing.T) {
	m, st, _, _ := newTestManager()
	item := testAudiobook()
	st.items[item.ID] = item
	user := testUser()
	user.MediaProgresses = []*models.MediaProgress{{
		LibraryItemID: item.ID,
		CurrentTime:   3550,
		Progress:      0.995,
		IsFinished:    true,
	}}

	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.CurrentTime, "finished items restart from the beginning")
}

func TestStartSession_ResumesFromProgress(t *testing.T) {
	m, st, _, _ := newTestManager()
	item := testAudiobook()
	st.items[item.ID] = item
	user := testUser()
	user.MediaProgresses = []*models.MediaProgress{{
		LibraryItemID: item.ID,
		CurrentTime:   1234,
		Progress:      0.34,
	}}

	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1234.0, s.CurrentTime)
}

func TestStartSession_MusicIgnoresProgress(t *testing.T) {
	m, st, _, _ := newTestManager()
	item := &models.LibraryItem{
		ID:        "track1",
		Title:     "Song",
		MediaType: models.MediaTypeMusic,
		Duration:  200,
		AudioFiles: []models.AudioFile{
			{Index: 0, Path: "/media/song.mp3", Duration: 200, MimeType: "audio/mpeg"},
		},
	}
	st.items[item.ID] = item
	user := testUser()
	user.MediaProgresses = []*models.MediaProgress{{
		LibraryItemID: item.ID,
		CurrentTime:   100,
	}}

	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.CurrentTime, "music playback never resumes")
}

func TestStartSession_VideoDirectPlaysOnly(t *testing.T) {
	m, st, _, op := newTestManager()
	item := &models.LibraryItem{
		ID:        "vid1",
		Title:     "Home Movie",
		MediaType: models.MediaTypeVideo,
		Duration:  600,
		VideoFile: &models.VideoTrack{Path: "/media/movie.mp4", MimeType: "video/mp4", Duration: 600},
	}
	st.items[item.ID] = item

	s, err := m.StartSession(context.Background(), testUser(), models.DeviceInfo{}, item, "", models.PlayOptions{
		ForceTranscode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlayMethodDirectPlay, s.PlayMethod)
	require.NotNil(t, s.VideoTrack)
	assert.Empty(t, op.streams, "video is never transcoded")
}

func TestSyncSession_MissingItem(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	s := &models.PlaybackSession{ID: "s1", UserID: user.ID, LibraryItemID: "gone", Duration: 100}

	_, err := m.SyncSession(user, s, models.SyncPayload{CurrentTime: 50, TimeListened: 10})
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, user.MediaProgresses, "failed sync must not touch user progress")
	assert.Zero(t, st.inserts)
	assert.Zero(t, st.userUpdates)
}

func TestSyncSession_AccumulatesAndPersists(t *testing.T) {
	m, st, nt, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item
	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)

	_, err = m.SyncSession(user, s, models.SyncPayload{CurrentTime: 60, TimeListened: 60, Duration: 3600})
	require.NoError(t, err)
	_, err = m.SyncSession(user, s, models.SyncPayload{CurrentTime: 120, TimeListened: 60, Duration: 3600})
	require.NoError(t, err)

	assert.Equal(t, 120.0, s.CurrentTime)
	assert.Equal(t, 120.0, s.TimeListening)
	require.NotNil(t, s.SavedAt, "first sync with listening time persists the session")
	assert.Equal(t, 1, st.inserts)
	assert.Equal(t, 1, st.updates)

	mp := user.GetMediaProgress(item.ID, "")
	require.NotNil(t, mp)
	assert.InDelta(t, 120.0/3600.0, mp.Progress, 1e-9)
	assert.Equal(t, 2, nt.count(EventProgressUpdated))
}

func TestSyncSession_SafeWhileSessionsEncoded(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item
	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)

	// Live sessions are encoded by the admin listing and by broadcasts while
	// syncs keep mutating them; both must be able to run at once.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			_, err := m.SyncSession(user, s, models.SyncPayload{CurrentTime: float64(i), TimeListened: 1, Duration: 3600})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := json.Marshal(m.Registry().All())
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, 200.0, s.CurrentTime)
	assert.Equal(t, 200.0, s.TimeListening)
}

func TestSaveSession_EmptyNeverPersisted(t *testing.T) {
	m, st, _, _ := newTestManager()
	s := &models.PlaybackSession{ID: "s1", TimeListening: 0}

	require.NoError(t, m.SaveSession(s))
	assert.Zero(t, st.inserts)
	assert.Zero(t, st.updates)
	assert.Nil(t, s.SavedAt)
}

func TestCloseSession_ReleasesStreamOnce(t *testing.T) {
	m, st, nt, op := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item

	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{
		ForceTranscode: true,
	})
	require.NoError(t, err)
	require.Len(t, op.streams, 1)

	m.CloseSession(user, s, nil)
	assert.Nil(t, m.Registry().Find(s.ID))
	assert.Equal(t, 1, op.streams[0].closeCount())
	assert.False(t, s.HasStream())
	assert.GreaterOrEqual(t, nt.count(EventSessionsUpdated), 2)

	// A second close must not release again.
	m.CloseSession(user, s, nil)
	assert.Equal(t, 1, op.streams[0].closeCount())
}

func TestCloseSession_WithPayloadSyncsFirst(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item
	s, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)

	m.CloseSession(user, s, &models.SyncPayload{CurrentTime: 300, TimeListened: 300, Duration: 3600})

	assert.Equal(t, 300.0, s.TimeListening)
	assert.Equal(t, 1, st.inserts)
	require.NotNil(t, user.GetMediaProgress(item.ID, ""))
}

func localPayload(id string, item *models.LibraryItem) *models.PlaybackSession {
	now := time.Now().Add(-10 * time.Minute)
	return &models.PlaybackSession{
		ID:            id,
		LibraryItemID: item.ID,
		MediaType:     item.MediaType,
		Title:         item.Title,
		CurrentTime:   500,
		Duration:      item.Duration,
		TimeListening: 450,
		StartedAt:     now.Add(-time.Hour),
		UpdatedAt:     now,
	}
}

func TestSyncLocalSession_InsertsNew(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item
	payload := localPayload("local1", item)
	clientUpdatedAt := payload.UpdatedAt

	s, err := m.SyncLocalSession(user, payload)
	require.NoError(t, err)
	assert.Equal(t, user.ID, s.UserID, "server trusts the authenticated user, not the payload")
	assert.Equal(t, 1, st.inserts)

	mp := user.GetMediaProgress(item.ID, "")
	require.NotNil(t, mp)
	assert.Equal(t, 500.0, mp.CurrentTime)
	assert.True(t, mp.LastUpdate.Equal(clientUpdatedAt),
		"progress timestamp must be the client's, not now")
}

func TestSyncLocalSession_UpdatesExisting(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item

	first := localPayload("local2", item)
	_, err := m.SyncLocalSession(user, first)
	require.NoError(t, err)
	savedAt := st.sessions["local2"].SavedAt
	require.NotNil(t, savedAt)

	second := localPayload("local2", item)
	second.CurrentTime = 900
	second.TimeListening = 850
	second.UpdatedAt = time.Now().Add(-time.Minute)

	s, err := m.SyncLocalSession(user, second)
	require.NoError(t, err)
	assert.Equal(t, 900.0, s.CurrentTime)
	assert.Equal(t, 850.0, s.TimeListening)
	assert.Equal(t, 1, st.inserts)
	assert.Equal(t, 1, st.updates)

	// The persisted timestamp keeps the client's own update time.
	stored := st.sessions["local2"]
	assert.True(t, stored.UpdatedAt.Equal(second.UpdatedAt))
	assert.True(t, stored.SavedAt.Equal(*savedAt), "saved-at is not reset on update")
	assert.Equal(t, time.Now().Weekday().String(), stored.DayOfWeek)
}

func TestSyncLocalSession_MissingItem(t *testing.T) {
	m, st, _, _ := newTestManager()
	payload := localPayload("local3", testAudiobook())

	_, err := m.SyncLocalSession(testUser(), payload)
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, st.inserts, "item is validated before any session write")
}

func TestSyncLocalSession_LockContention(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item
	st.blockItemLookup = make(chan struct{})

	payload := localPayload("local4", item)

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.SyncLocalSession(user, localPayload("local4", item))
		firstDone <- err
	}()

	// Wait for the first call to be holding the lock inside the item lookup.
	require.Eventually(t, func() bool {
		if m.locks.TryLock(payload.ID) {
			m.locks.Unlock(payload.ID)
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	_, err := m.SyncLocalSession(user, payload)
	require.ErrorIs(t, err, models.ErrSyncInProgress, "second concurrent sync must fail fast")

	close(st.blockItemLookup)
	require.NoError(t, <-firstDone)

	// Lock released after completion; a retry now succeeds.
	st.blockItemLookup = nil
	_, err = m.SyncLocalSession(user, payload)
	require.NoError(t, err)
}

func TestSyncLocalSession_ClosesConflictingLiveSession(t *testing.T) {
	m, st, _, _ := newTestManager()
	user := testUser()
	item := testAudiobook()
	st.items[item.ID] = item

	live, err := m.StartSession(context.Background(), user, models.DeviceInfo{}, item, "", models.PlayOptions{})
	require.NoError(t, err)

	_, err = m.SyncLocalSession(user, localPayload("local5", item))
	require.NoError(t, err)
	assert.Nil(t, m.Registry().Find(live.ID), "local sync wins over a conflicting live session")
}
