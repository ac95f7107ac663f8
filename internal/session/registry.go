package session

import (
	"log"
	"sync"

	"shelfplay/internal/models"
)

// Registry is the in-memory table of live playback sessions. It is the sole
// authority over "live" status; only persisted sessions survive a restart,
// and those are inert history records.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.PlaybackSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*models.PlaybackSession)}
}

func (r *Registry) Find(id string) *models.PlaybackSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// FindByUser returns every live session owned by the user. More than one can
// exist transiently, before StartSession reconciles down to a single session.
func (r *Registry) FindByUser(userID string) []*models.PlaybackSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*models.PlaybackSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			result = append(result, s)
		}
	}
	return result
}

func (r *Registry) Add(s *models.PlaybackSession) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove deletes the session and releases any stream it still owns. The
// release happens under the table lock so no caller can observe a removed
// session whose stream is still live. Release failures are logged; removal
// always completes.
func (r *Registry) Remove(id string) *models.PlaybackSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	if st := s.TakeStream(); st != nil {
		if err := st.Close(); err != nil {
			log.Printf("session %s: closing stream: %v", id, err)
		}
	}
	return s
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*models.PlaybackSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*models.PlaybackSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
