package models

import (
	"time"

	"github.com/google/uuid"
)

// MediaType classifies playable content. Songs come from the queue;
// everything else is filler media played between or around songs.
type MediaType string

const (
	MediaSong        MediaType = "song"
	MediaBackground  MediaType = "background"
	MediaPauseScreen MediaType = "pause_screen"
	MediaJingle      MediaType = "jingle"
	MediaSponsor     MediaType = "sponsor"
	MediaEncore      MediaType = "encore"
	MediaOutro       MediaType = "outro"
	MediaIntro       MediaType = "intro"
)

type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"unique"`
	Role      string    `json:"role"` // "host" or "singer"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Media is one playable item in the catalog: a karaoke song or a filler
// clip. The catalog is read-only at runtime.
type Media struct {
	ID              uuid.UUID `json:"id" gorm:"primaryKey"`
	Title           string    `json:"title"`
	Artist          string    `json:"artist"`
	Path            string    `json:"path"`
	DurationSeconds int       `json:"duration_seconds"`
	Type            MediaType `json:"type" gorm:"index"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Playlist struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name"`
	IsCurrent   bool      `json:"is_current"`
	IsPublic    bool      `json:"is_public"`
	FlagVisible bool      `json:"flag_visible"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QueueEntry is one queued song instance. Entries are distinct from Media:
// the same media can be queued many times by different submitters.
//
// Position values within one playlist are unique and contiguous starting at
// 0; every insert or delete renumbers. LinkedPublicEntryID is a weak
// back-reference set when an entry was promoted from the public suggestion
// playlist; deleting either side never cascades to the other.
type QueueEntry struct {
	ID                  uuid.UUID  `json:"id" gorm:"primaryKey"`
	PlaylistID          uuid.UUID  `json:"playlist_id" gorm:"index"`
	MediaID             uuid.UUID  `json:"media_id"`
	SubmitterID         uuid.UUID  `json:"submitter_id"`
	Position            int        `json:"position"`
	Played              bool       `json:"played"`
	Playing             bool       `json:"playing"`
	Refused             bool       `json:"refused"`
	Accepted            bool       `json:"accepted"`
	FreeUpvote          bool       `json:"free_upvote"`
	UpvoteCount         int        `json:"upvote_count"`
	LinkedPublicEntryID *uuid.UUID `json:"linked_public_entry_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
