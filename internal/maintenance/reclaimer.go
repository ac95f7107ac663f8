package maintenance

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"shelfplay/internal/session"
	"shelfplay/internal/stream"
)

// SessionPurger is the store surface the integrity sweep needs.
type SessionPurger interface {
	DeleteInvalidSessions() (int64, error)
}

// Reclaimer cleans up what crashed or abandoned sessions leave behind:
// on-disk transcode directories with no live session, and persisted sessions
// with corrupt listening-time values. Every sweep is best effort.
type Reclaimer struct {
	streamsRoot string
	registry    *session.Registry
	store       SessionPurger
}

func NewReclaimer(streamsRoot string, registry *session.Registry, store SessionPurger) *Reclaimer {
	return &Reclaimer{streamsRoot: streamsRoot, registry: registry, store: store}
}

// ReclaimOrphanStreams deletes stream directories with no matching live
// session. Only children carrying the reserved prefix are candidates;
// anything else in the streams root is left alone.
func (r *Reclaimer) ReclaimOrphanStreams() {
	if err := os.MkdirAll(r.streamsRoot, 0755); err != nil {
		log.Printf("reclaimer: creating streams root: %v", err)
		return
	}
	entries, err := os.ReadDir(r.streamsRoot)
	if err != nil {
		log.Printf("reclaimer: reading streams root: %v", err)
		return
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, stream.DirPrefix) {
			continue
		}
		sessionID := strings.TrimPrefix(name, stream.DirPrefix)
		if r.registry.Find(sessionID) != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.streamsRoot, name)); err != nil {
			log.Printf("reclaimer: removing orphan stream %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("reclaimer: removed %d orphan stream directories", removed)
	}
}

// PurgeInvalidSessions deletes persisted sessions whose listening time is
// corrupt. Reports the count; never fatal.
func (r *Reclaimer) PurgeInvalidSessions() int64 {
	n, err := r.store.DeleteInvalidSessions()
	if err != nil {
		log.Printf("reclaimer: purging invalid sessions: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("reclaimer: purged %d sessions with invalid listening time", n)
	}
	return n
}

// Sweep runs both reclamation passes.
func (r *Reclaimer) Sweep() {
	r.ReclaimOrphanStreams()
	r.PurgeInvalidSessions()
}
