package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"shelfplay/internal/auth"
	"shelfplay/internal/models"
	"shelfplay/internal/notifier"
	"shelfplay/internal/session"
	"shelfplay/internal/store"
)

// stubStream satisfies the transcode surface without running ffmpeg.
type stubStream struct {
	done chan struct{}
}

func (s *stubStream) GeneratePlaylist(ctx context.Context) error { return nil }
func (s *stubStream) Start(ctx context.Context) error            { return nil }
func (s *stubStream) Closed() <-chan struct{}                    { return s.done }
func (s *stubStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func (s *stubStream) AudioTrack() models.AudioTrack {
	return models.AudioTrack{MimeType: "application/vnd.apple.mpegurl", Codec: "aac"}
}

type stubOpener struct{}

func (stubOpener) OpenStream(sessionID string, item *models.LibraryItem, episodeID string, startTime float64) session.Stream {
	return &stubStream{done: make(chan struct{})}
}

type testEnv struct {
	srv   *Server
	store *store.Store

	admin      *models.User
	adminToken string
	user       *models.User
	userToken  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	authSvc := auth.NewService(st)
	admin, err := authSvc.CreateUser("admin", "admin-password", true)
	if err != nil {
		t.Fatalf("creating admin: %v", err)
	}
	user, err := authSvc.CreateUser("alice", "alice-password", false)
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}

	mgr := session.NewManager(session.NewRegistry(), st, notifier.NewHub(), stubOpener{})
	srv := NewServer(st, mgr, notifier.NewHub(), authSvc)

	return &testEnv{
		srv:        srv,
		store:      st,
		admin:      admin,
		adminToken: admin.Token,
		user:       user,
		userToken:  user.Token,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) addItem(t *testing.T, item *models.LibraryItem) {
	t.Helper()
	if err := e.store.UpsertLibraryItem(item); err != nil {
		t.Fatal(err)
	}
}

func audiobookItem() *models.LibraryItem {
	return &models.LibraryItem{
		ID:        "li-1",
		Title:     "The Long Way Home",
		MediaType: models.MediaTypeAudiobook,
		Duration:  3600,
		AudioFiles: []models.AudioFile{
			{Index: 0, Path: "/media/book/part1.mp3", Duration: 1800, MimeType: "audio/mpeg"},
			{Index: 1, Path: "/media/book/part2.mp3", Duration: 1800, MimeType: "audio/mpeg"},
		},
	}
}
