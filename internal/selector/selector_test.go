package selector

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karaoke-night-system/pkg/models"
)

func makeEntries(n int) []models.QueueEntry {
	entries := make([]models.QueueEntry, n)
	for i := range entries {
		entries[i] = models.QueueEntry{
			ID:          uuid.New(),
			MediaID:     uuid.New(),
			SubmitterID: uuid.New(),
			Position:    i,
		}
	}
	return entries
}

func markPlayed(entries []models.QueueEntry, id uuid.UUID) {
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Played = true
		}
	}
}

// play runs the selection loop for a fixed number of ticks, marking
// selected songs played like the playback loop would.
func play(entries []models.QueueEntry, pol Policy, ticks int) []models.MediaType {
	var seq []models.MediaType
	var c Counters
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < ticks; i++ {
		var sel Selection
		sel, c = Next(entries, pol, c, rnd)
		seq = append(seq, sel.Type)
		if sel.Type == models.MediaSong {
			markPlayed(entries, sel.Entry.ID)
		}
	}
	return seq
}

func TestJingleEveryThreeSongs(t *testing.T) {
	entries := makeEntries(7)
	seq := play(entries, Policy{JingleInterval: 3}, 9)

	want := []models.MediaType{
		models.MediaSong, models.MediaSong, models.MediaSong,
		models.MediaJingle,
		models.MediaSong, models.MediaSong, models.MediaSong,
		models.MediaJingle,
		models.MediaSong,
	}
	assert.Equal(t, want, seq)
}

func TestJingleBeatsSponsorOnSameTick(t *testing.T) {
	entries := makeEntries(5)
	seq := play(entries, Policy{JingleInterval: 2, SponsorInterval: 2}, 5)

	want := []models.MediaType{
		models.MediaSong, models.MediaSong,
		models.MediaJingle,
		models.MediaSponsor,
		models.MediaSong,
	}
	assert.Equal(t, want, seq)
}

func TestSongsPlayInPositionOrder(t *testing.T) {
	entries := makeEntries(4)
	var c Counters
	var got []uuid.UUID
	for i := 0; i < 4; i++ {
		sel, next := Next(entries, Policy{}, c, nil)
		require.Equal(t, models.MediaSong, sel.Type)
		got = append(got, sel.Entry.ID)
		markPlayed(entries, sel.Entry.ID)
		c = next
	}
	for i, id := range got {
		assert.Equal(t, entries[i].ID, id)
	}
}

func TestRefusedEntriesNeverSelected(t *testing.T) {
	entries := makeEntries(3)
	entries[0].Refused = true
	entries[2].Refused = true

	sel, c := Next(entries, Policy{}, Counters{}, nil)
	require.Equal(t, models.MediaSong, sel.Type)
	assert.Equal(t, entries[1].ID, sel.Entry.ID)
	markPlayed(entries, sel.Entry.ID)

	sel, _ = Next(entries, Policy{}, c, nil)
	assert.Equal(t, models.MediaBackground, sel.Type)
}

func TestBackgroundWhenEmpty_CountersFrozen(t *testing.T) {
	pol := Policy{JingleInterval: 3}
	c := Counters{SongsSinceJingle: 2, SongsSinceSponsor: 2}

	sel, after := Next(nil, pol, c, nil)
	assert.Equal(t, models.MediaBackground, sel.Type)
	assert.Equal(t, c, after, "filler counters must not advance on background")
}

func TestRepeatPlaylist_RoundResetRestartsFromFirst(t *testing.T) {
	entries := makeEntries(2)
	entries[0].Played = true
	entries[1].Played = true

	sel, _ := Next(entries, Policy{RepeatPlaylist: true}, Counters{SongsPlayed: 2}, nil)
	require.Equal(t, models.MediaSong, sel.Type)
	assert.True(t, sel.RoundReset)
	assert.Equal(t, entries[0].ID, sel.Entry.ID, "round reset replays original position order")
}

func TestRepeatPlaylist_AllRefusedStaysOut(t *testing.T) {
	entries := makeEntries(2)
	for i := range entries {
		entries[i].Played = true
		entries[i].Refused = true
	}

	sel, _ := Next(entries, Policy{RepeatPlaylist: true}, Counters{SongsPlayed: 2}, nil)
	assert.Equal(t, models.MediaBackground, sel.Type)
}

func TestIntroPrecedesFirstSong(t *testing.T) {
	entries := makeEntries(2)
	seq := play(entries, Policy{IntroDuration: 10}, 3)

	want := []models.MediaType{models.MediaIntro, models.MediaSong, models.MediaSong}
	assert.Equal(t, want, seq)
}

func TestOutroOnceAfterExhaustion(t *testing.T) {
	entries := makeEntries(1)
	seq := play(entries, Policy{OutroDuration: 10}, 4)

	want := []models.MediaType{
		models.MediaSong, models.MediaOutro,
		models.MediaBackground, models.MediaBackground,
	}
	assert.Equal(t, want, seq)
}

func TestEncoreBeforeLastSong(t *testing.T) {
	entries := makeEntries(2)
	pol := Policy{EncoreEnabled: true, EncoreProbability: 1.0}

	var c Counters
	sel, c := Next(entries, pol, c, rand.New(rand.NewSource(1)))
	require.Equal(t, models.MediaSong, sel.Type)
	markPlayed(entries, sel.Entry.ID)

	sel, c = Next(entries, pol, c, rand.New(rand.NewSource(1)))
	require.Equal(t, models.MediaEncore, sel.Type)

	sel, c = Next(entries, pol, c, rand.New(rand.NewSource(1)))
	require.Equal(t, models.MediaSong, sel.Type)
	assert.Equal(t, entries[1].ID, sel.Entry.ID)

	// The draw is latched: it does not repeat within the session.
	assert.True(t, c.EncoreDrawn)
}

func TestEncoreFailedDrawIsLatched(t *testing.T) {
	entries := makeEntries(1)
	pol := Policy{EncoreEnabled: true, EncoreProbability: 0.0}

	sel, c := Next(entries, pol, Counters{}, rand.New(rand.NewSource(1)))
	assert.Equal(t, models.MediaSong, sel.Type)
	assert.True(t, c.EncoreDrawn)
}
