package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shelfplay/internal/models"
)

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	sess := s.manager.Registry().Find(chi.URLParam(r, "id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.UserID != user.ID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	var payload models.SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync payload")
		return
	}

	if _, err := s.manager.SyncSession(user, sess, payload); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "library item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "syncing session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	sess := s.manager.Registry().Find(chi.URLParam(r, "id"))
	if sess == nil {
		// Already closed; closing is idempotent from the client's view.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if sess.UserID != user.ID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	var payload *models.SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid sync payload")
		return
	}

	s.manager.CloseSession(user, sess, payload)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocalSync(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var payload models.PlaybackSession
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session payload")
		return
	}
	if payload.ID == "" || payload.LibraryItemID == "" {
		writeError(w, http.StatusBadRequest, "session id and library item id are required")
		return
	}

	sess, err := s.manager.SyncLocalSession(user, &payload)
	switch {
	case errors.Is(err, models.ErrSyncInProgress):
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusConflict, "sync already in progress for this session")
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "library item not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "syncing local session")
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

// handleListSessions shows the full live session set to admins.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Registry().All())
}

// handleListOwnSessions returns the caller's persisted listening history.
func (s *Server) handleListOwnSessions(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	sessions, err := s.store.ListUserSessions(user.ID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	s.hub.ServeClient(w, r, user)
}
