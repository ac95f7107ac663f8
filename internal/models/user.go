package models

import "time"

// MediaProgress is a user's saved position in one item (or one episode of an
// episodic item). Keyed by (LibraryItemID, EpisodeID).
type MediaProgress struct {
	LibraryItemID string    `json:"library_item_id"`
	EpisodeID     string    `json:"episode_id,omitempty"`
	Duration      float64   `json:"duration"`
	CurrentTime   float64   `json:"current_time"`
	Progress      float64   `json:"progress"`
	IsFinished    bool      `json:"is_finished"`
	LastUpdate    time.Time `json:"last_update"`
}

// ProgressUpdate carries the fields a sync wants applied to a MediaProgress.
// A zero LastUpdate means "now"; local syncs pass the client's own timestamp
// so server records never look fresher than the client's.
type ProgressUpdate struct {
	Duration    float64
	CurrentTime float64
	Progress    float64
	IsFinished  *bool
	LastUpdate  time.Time
}

type User struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	PasswordHash     string    `json:"-"`
	Token            string    `json:"-"`
	IsAdmin          bool      `json:"is_admin"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	MediaProgresses []*MediaProgress `json:"media_progress,omitempty"`
}

// GetMediaProgress returns the user's saved progress for (itemID, episodeID),
// nil when the user has never played it.
func (u *User) GetMediaProgress(itemID, episodeID string) *MediaProgress {
	for _, mp := range u.MediaProgresses {
		if mp.LibraryItemID == itemID && mp.EpisodeID == episodeID {
			return mp
		}
	}
	return nil
}

// CreateUpdateMediaProgress applies an update to the user's progress for the
// item, creating the entry on first play. Reports whether anything changed.
func (u *User) CreateUpdateMediaProgress(item *LibraryItem, update ProgressUpdate, episodeID string) bool {
	if update.LastUpdate.IsZero() {
		update.LastUpdate = time.Now()
	}

	mp := u.GetMediaProgress(item.ID, episodeID)
	if mp == nil {
		mp = &MediaProgress{
			LibraryItemID: item.ID,
			EpisodeID:     episodeID,
		}
		u.MediaProgresses = append(u.MediaProgresses, mp)
		applyProgressUpdate(mp, update)
		return true
	}

	changed := mp.Duration != update.Duration ||
		mp.CurrentTime != update.CurrentTime ||
		mp.Progress != update.Progress
	finished := mp.IsFinished
	applyProgressUpdate(mp, update)
	return changed || mp.IsFinished != finished
}

func applyProgressUpdate(mp *MediaProgress, update ProgressUpdate) {
	mp.Duration = update.Duration
	mp.CurrentTime = update.CurrentTime
	mp.Progress = update.Progress
	mp.LastUpdate = update.LastUpdate
	if update.IsFinished != nil {
		mp.IsFinished = *update.IsFinished
	} else {
		mp.IsFinished = update.Progress >= FinishedThreshold
	}
}
