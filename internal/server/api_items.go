package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"shelfplay/internal/models"
)

// handleUpsertItem is the library ingest boundary: the scanner (or an admin)
// registers items here so sessions can play them. Metadata management beyond
// the playback surface lives elsewhere.
func (s *Server) handleUpsertItem(w http.ResponseWriter, r *http.Request) {
	var item models.LibraryItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid library item")
		return
	}
	if item.ID == "" || item.Title == "" || item.MediaType == "" {
		writeError(w, http.StatusBadRequest, "id, title and media_type are required")
		return
	}

	if err := s.store.UpsertLibraryItem(&item); err != nil {
		writeError(w, http.StatusInternalServerError, "saving library item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleItemFile serves the raw bytes of a direct-play track.
func (s *Server) handleItemFile(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetLibraryItem(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "library item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading library item")
		return
	}

	index := chi.URLParam(r, "index")
	if index == "video" {
		if item.VideoFile == nil || item.VideoFile.Path == "" {
			writeError(w, http.StatusNotFound, "no video file")
			return
		}
		http.ServeFile(w, r, item.VideoFile.Path)
		return
	}

	ix, err := strconv.Atoi(index)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file index")
		return
	}
	for _, f := range item.AudioFiles {
		if f.Index == ix {
			http.ServeFile(w, r, f.Path)
			return
		}
	}
	for _, ep := range item.Episodes {
		if ep.AudioFile.Index == ix {
			http.ServeFile(w, r, ep.AudioFile.Path)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no such file")
}
