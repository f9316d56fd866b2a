// Package selector decides what plays next: the next queued song, or a
// filler media (jingle, sponsor, intro, outro, encore, background). The
// decision is a pure function of a queue snapshot, the policy, and the
// session counters owned by the caller.
package selector

import (
	"math/rand"

	"github.com/karaoke-night-system/pkg/models"
)

type Policy struct {
	// JingleInterval is the number of songs between jingles. Zero disables.
	JingleInterval int
	// SponsorInterval is the number of songs between sponsor spots. Zero
	// disables. On a tick where both intervals lapse, the jingle wins and
	// the sponsor plays on the next tick.
	SponsorInterval int
	// IntroDuration > 0 plays an intro before the first song of a session.
	IntroDuration int
	// OutroDuration > 0 plays an outro once when the playlist exhausts.
	OutroDuration int
	// EncoreEnabled draws an encore before the last remaining song with
	// the given probability, at most once per session.
	EncoreEnabled     bool
	EncoreProbability float64
	// RepeatPlaylist starts a new round when every entry has been played.
	RepeatPlaylist bool
}

// Counters is the per-session filler state. The caller keeps it between
// calls and feeds back the returned value.
type Counters struct {
	SongsSinceJingle  int
	SongsSinceSponsor int
	SongsPlayed       int
	IntroPlayed       bool
	OutroPlayed       bool
	EncoreDrawn       bool
}

// Selection is the next item to play. Entry is set only for songs.
// RoundReset tells the caller to clear the playlist's played flags before
// loading: the selected song opens a new round.
type Selection struct {
	Type       models.MediaType
	Entry      *models.QueueEntry
	RoundReset bool
}

// Next computes the next item from a position-ordered snapshot of the
// current playlist. rnd is only consulted for the encore draw.
func Next(entries []models.QueueEntry, pol Policy, c Counters, rnd *rand.Rand) (Selection, Counters) {
	if pol.IntroDuration > 0 && !c.IntroPlayed && c.SongsPlayed == 0 && countUnplayed(entries) > 0 {
		c.IntroPlayed = true
		return Selection{Type: models.MediaIntro}, c
	}

	if pol.JingleInterval > 0 && c.SongsSinceJingle >= pol.JingleInterval {
		c.SongsSinceJingle = 0
		return Selection{Type: models.MediaJingle}, c
	}

	if pol.SponsorInterval > 0 && c.SongsSinceSponsor >= pol.SponsorInterval {
		c.SongsSinceSponsor = 0
		return Selection{Type: models.MediaSponsor}, c
	}

	if next := nextUnplayed(entries); next != nil {
		if pol.EncoreEnabled && !c.EncoreDrawn && countUnplayed(entries) == 1 {
			c.EncoreDrawn = true
			if rnd != nil && rnd.Float64() < pol.EncoreProbability {
				return Selection{Type: models.MediaEncore}, c
			}
		}
		return songSelection(next, c, false)
	}

	if pol.RepeatPlaylist {
		// New round: the caller resets played flags; selection order is the
		// original position order. Refused entries stay out.
		if next := firstPlayable(entries); next != nil {
			return songSelection(next, c, true)
		}
	}

	if pol.OutroDuration > 0 && !c.OutroPlayed && c.SongsPlayed > 0 {
		c.OutroPlayed = true
		return Selection{Type: models.MediaOutro}, c
	}

	// Idle loop media; filler counters do not advance.
	return Selection{Type: models.MediaBackground}, c
}

func songSelection(e *models.QueueEntry, c Counters, roundReset bool) (Selection, Counters) {
	c.SongsSinceJingle++
	c.SongsSinceSponsor++
	c.SongsPlayed++
	cp := *e
	return Selection{Type: models.MediaSong, Entry: &cp, RoundReset: roundReset}, c
}

func nextUnplayed(entries []models.QueueEntry) *models.QueueEntry {
	for i := range entries {
		if !entries[i].Played && !entries[i].Refused {
			return &entries[i]
		}
	}
	return nil
}

func firstPlayable(entries []models.QueueEntry) *models.QueueEntry {
	for i := range entries {
		if !entries[i].Refused {
			return &entries[i]
		}
	}
	return nil
}

func countUnplayed(entries []models.QueueEntry) int {
	n := 0
	for i := range entries {
		if !entries[i].Played && !entries[i].Refused {
			n++
		}
	}
	return n
}
