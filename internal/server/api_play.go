package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shelfplay/internal/device"
	"shelfplay/internal/models"
	"shelfplay/internal/version"
)

// handlePlay starts a playback session for a library item. The request layer
// owns precondition checks: the item must exist, episodic items need a valid
// episode, and the play options must not contradict themselves.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	itemID := chi.URLParam(r, "id")
	episodeID := chi.URLParam(r, "episodeID")

	var opts models.PlayOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid play options")
		return
	}
	if opts.ForceDirectPlay && opts.ForceTranscode {
		writeError(w, http.StatusBadRequest, "cannot force both direct play and transcode")
		return
	}

	item, err := s.store.GetLibraryItem(itemID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "library item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading library item")
		return
	}
	if item.MediaType == models.MediaTypePodcast && item.Episode(episodeID) == nil {
		writeError(w, http.StatusNotFound, "episode not found")
		return
	}
	if item.MediaType == models.MediaTypeVideo && item.VideoFile == nil {
		writeError(w, http.StatusBadRequest, "item has no playable video")
		return
	}

	dev := device.Resolve(r, opts.DeviceInfo, version.Version)
	if s.geoResolver != nil {
		if loc := s.geoResolver.LookupAddr(dev.IPAddress); loc != nil {
			dev.City = loc.City
			dev.Country = loc.Country
		}
	}

	// Transcodes are bound to the server lifetime, not this request.
	sess, err := s.manager.StartSession(s.lifetime, user, dev, item, episodeID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "starting session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
