package playback

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karaoke-night-system/internal/catalog"
	"github.com/karaoke-night-system/internal/player"
	"github.com/karaoke-night-system/internal/queue"
	"github.com/karaoke-night-system/internal/selector"
	"github.com/karaoke-night-system/pkg/events"
	"github.com/karaoke-night-system/pkg/models"
)

type fakeCatalog struct {
	media   map[uuid.UUID]*models.Media
	fillers map[models.MediaType]*models.Media
}

func (f *fakeCatalog) Lookup(id uuid.UUID) (*models.Media, error) {
	if m, ok := f.media[id]; ok {
		return m, nil
	}
	return nil, catalog.ErrNotFound
}

func (f *fakeCatalog) Filler(t models.MediaType) (*models.Media, error) {
	if m, ok := f.fillers[t]; ok {
		return m, nil
	}
	return nil, catalog.ErrNotFound
}

type rig struct {
	store   *queue.Store
	cat     *fakeCatalog
	mock    *player.Mock
	ctrl    *Controller
	bus     *events.Bus
	sub     <-chan events.Event
	pl      *models.Playlist
	entries []models.QueueEntry
}

func newRig(t *testing.T, pol selector.Policy, songs int, loadTimeout time.Duration, fillers ...models.MediaType) *rig {
	t.Helper()

	cat := &fakeCatalog{
		media:   make(map[uuid.UUID]*models.Media),
		fillers: make(map[models.MediaType]*models.Media),
	}
	for _, ft := range fillers {
		cat.fillers[ft] = &models.Media{
			ID: uuid.New(), Type: ft, Path: "/fillers/" + string(ft) + ".mp4", DurationSeconds: 15,
		}
	}

	store := queue.NewStore(queue.Config{QuotaPerUser: -1}, cat, nil)
	pl := store.AddPlaylist("night", true, false)

	var entries []models.QueueEntry
	for i := 0; i < songs; i++ {
		mediaID := uuid.New()
		cat.media[mediaID] = &models.Media{
			ID: mediaID, Type: models.MediaSong, Path: "/songs/" + mediaID.String() + ".mp4", DurationSeconds: 180,
		}
		e, err := store.AddEntry(context.Background(), pl.ID, mediaID, uuid.New(), -1)
		require.NoError(t, err)
		entries = append(entries, e)
	}

	bus := events.NewBus(zerolog.Nop())
	sub := bus.Subscribe()
	mock := player.NewMock()
	ctrl := NewController(store, cat, mock, bus, Config{
		Policy:      pol,
		LoadTimeout: loadTimeout,
		Rand:        rand.New(rand.NewSource(1)),
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})

	return &rig{store: store, cat: cat, mock: mock, ctrl: ctrl, bus: bus, sub: sub, pl: pl, entries: entries}
}

func (r *rig) waitLoads(t *testing.T, n int) []player.LoadCall {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.mock.Loads()) >= n },
		2*time.Second, 5*time.Millisecond, "expected %d loads", n)
	return r.mock.Loads()
}

func (r *rig) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, _, _ := r.ctrl.Status()
		return state == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s", want)
}

func (r *rig) entryPlayed(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	for _, e := range r.store.Snapshot(r.pl.ID) {
		if e.ID == id {
			return e.Played
		}
	}
	t.Fatalf("entry %s not found", id)
	return false
}

// stateTransitions drains the bus subscription and returns the state
// payloads observed so far.
func (r *rig) stateTransitions(t *testing.T, atLeast int) []events.PlaybackStatePayload {
	t.Helper()
	var out []events.PlaybackStatePayload
	deadline := time.After(2 * time.Second)
	for len(out) < atLeast {
		select {
		case ev := <-r.sub:
			if ev.Type != events.EventTypePlaybackStateChanged {
				continue
			}
			var p events.PlaybackStatePayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			out = append(out, p)
		case <-deadline:
			t.Fatalf("timed out waiting for %d state transitions, got %d", atLeast, len(out))
		}
	}
	return out
}

func TestStart_LoadsAndPlaysFirstSong(t *testing.T) {
	r := newRig(t, selector.Policy{}, 2, time.Second)

	require.NoError(t, r.ctrl.Start())
	loads := r.waitLoads(t, 1)
	assert.Equal(t, uint64(1), loads[0].Generation)

	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)

	plays, _, _ := r.mock.Counts()
	assert.GreaterOrEqual(t, plays, 1)

	_, slot, active := r.ctrl.Status()
	require.True(t, active)
	assert.Equal(t, models.MediaSong, slot.MediaType)
	assert.Equal(t, r.entries[0].ID, slot.Entry.ID)
}

func TestEOF_AdvancesAndMarksPlayed(t *testing.T) {
	r := newRig(t, selector.Policy{}, 2, time.Second)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)

	r.mock.SendEOF(1)
	loads := r.waitLoads(t, 2)
	assert.True(t, r.entryPlayed(t, r.entries[0].ID))
	assert.Equal(t, uint64(2), loads[1].Generation)

	r.mock.AckLoad(2, 180)
	r.waitState(t, StatePlaying)
	_, slot, _ := r.ctrl.Status()
	assert.Equal(t, r.entries[1].ID, slot.Entry.ID)
}

func TestPauseResume_EOFIgnoredWhilePaused(t *testing.T) {
	r := newRig(t, selector.Policy{}, 1, time.Second, models.MediaBackground)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)

	require.NoError(t, r.ctrl.Pause())
	r.waitState(t, StatePaused)

	// The player only reports EOF while actively playing; anything arriving
	// now is stale and must not advance the queue.
	r.mock.SendEOF(1)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, r.entryPlayed(t, r.entries[0].ID))
	state, _, _ := r.ctrl.Status()
	assert.Equal(t, StatePaused, state)

	require.NoError(t, r.ctrl.Resume())
	r.waitState(t, StatePlaying)
}

func TestSkip_FillerIsNotMarkedPlayed(t *testing.T) {
	r := newRig(t, selector.Policy{JingleInterval: 1}, 1, time.Second,
		models.MediaJingle, models.MediaBackground)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)

	// Song done; a jingle is due.
	r.mock.SendEOF(1)
	loads := r.waitLoads(t, 2)
	assert.Equal(t, "/fillers/jingle.mp4", loads[1].Path)
	r.mock.AckLoad(2, 15)
	r.waitState(t, StatePlaying)

	// Skipping the jingle marks nothing played and moves on to background.
	require.NoError(t, r.ctrl.Skip())
	loads = r.waitLoads(t, 3)
	assert.Equal(t, "/fillers/background.mp4", loads[2].Path)

	played := 0
	for _, e := range r.store.Snapshot(r.pl.ID) {
		if e.Played {
			played++
		}
	}
	assert.Equal(t, 1, played, "only the song is marked played")
}

func TestSkipWhileLoading_DeferredUntilAck(t *testing.T) {
	r := newRig(t, selector.Policy{}, 2, time.Second)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)

	// Skip lands while the load is still in flight; it must wait for the
	// acknowledgement, then pass through Loading -> Idle without ever
	// reaching Playing.
	require.NoError(t, r.ctrl.Skip())
	time.Sleep(20 * time.Millisecond)
	r.mock.AckLoad(1, 180)

	loads := r.waitLoads(t, 2)
	assert.True(t, r.entryPlayed(t, r.entries[0].ID))
	assert.Equal(t, uint64(2), loads[1].Generation)

	transitions := r.stateTransitions(t, 3)
	assert.Equal(t, "idle", transitions[0].OldState)
	assert.Equal(t, "loading", transitions[0].NewState)
	assert.Equal(t, "loading", transitions[1].OldState)
	assert.Equal(t, "idle", transitions[1].NewState)
	assert.Equal(t, "idle", transitions[2].OldState)
	assert.Equal(t, "loading", transitions[2].NewState)
	for _, tr := range transitions[:3] {
		assert.NotEqual(t, "playing", tr.NewState, "deferred skip must never reach playing")
	}
}

func TestStopWhileLoading_DeferredUntilAck(t *testing.T) {
	r := newRig(t, selector.Policy{}, 1, time.Second)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)

	require.NoError(t, r.ctrl.Stop())
	time.Sleep(20 * time.Millisecond)

	// Still loading: the stop is parked, not applied.
	state, _, _ := r.ctrl.Status()
	assert.Equal(t, StateLoading, state)

	r.mock.AckLoad(1, 180)
	r.waitState(t, StateIdle)

	plays, _, stops := r.mock.Counts()
	assert.Equal(t, 0, plays, "a stopped load must never start playing")
	assert.GreaterOrEqual(t, stops, 1)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.mock.Loads(), 1, "stop does not advance to the next item")
}

func TestStaleGenerationTelemetry_Discarded(t *testing.T) {
	r := newRig(t, selector.Policy{}, 2, time.Second)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)

	// Fast skip: generation moves to 2 while track 1 telemetry is in flight.
	require.NoError(t, r.ctrl.Skip())
	r.waitLoads(t, 2)

	r.mock.SendEOF(1)
	time.Sleep(50 * time.Millisecond)

	assert.False(t, r.entryPlayed(t, r.entries[1].ID), "stale EOF must not retire the new entry")
	state, _, _ := r.ctrl.Status()
	assert.Equal(t, StateLoading, state, "stale EOF produces no transition")
	assert.Len(t, r.mock.Loads(), 2)
}

func TestLoadTimeout_RetriesOnceThenAdvances(t *testing.T) {
	r := newRig(t, selector.Policy{}, 2, 40*time.Millisecond)

	require.NoError(t, r.ctrl.Start())

	// First attempt, automatic retry, then the item is abandoned and the
	// loop advances to the next song.
	loads := r.waitLoads(t, 3)
	assert.Equal(t, loads[0].Path, loads[1].Path, "retry reloads the same item")
	assert.NotEqual(t, loads[1].Path, loads[2].Path, "second failure advances")
	assert.True(t, r.entryPlayed(t, r.entries[0].ID), "failed item is retired")

	sawError := false
	deadline := time.After(time.Second)
	for !sawError {
		select {
		case ev := <-r.sub:
			if ev.Type == events.EventTypePlaybackError {
				sawError = true
			}
		case <-deadline:
			t.Fatal("expected a playback error event")
		}
	}
}

func TestTransportError_ForcesIdle(t *testing.T) {
	r := newRig(t, selector.Policy{}, 1, time.Second)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)

	r.mock.SendError(1, errors.New("pipe broke"))
	r.waitState(t, StateIdle)

	_, _, active := r.ctrl.Status()
	assert.False(t, active)

	// No playing flag survives the error.
	for _, e := range r.store.Snapshot(r.pl.ID) {
		assert.False(t, e.Playing)
	}
}

func TestStop_FromPlaying(t *testing.T) {
	r := newRig(t, selector.Policy{}, 1, time.Second)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)

	require.NoError(t, r.ctrl.Stop())
	r.waitState(t, StateIdle)

	_, slot, active := r.ctrl.Status()
	assert.False(t, active)
	assert.Equal(t, models.MediaPauseScreen, slot.MediaType)
}

func TestInvalidTransitions(t *testing.T) {
	r := newRig(t, selector.Policy{}, 1, time.Second)

	require.ErrorIs(t, r.ctrl.Pause(), ErrInvalidTransition)
	require.ErrorIs(t, r.ctrl.Resume(), ErrInvalidTransition)
	require.ErrorIs(t, r.ctrl.Stop(), ErrInvalidTransition)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	require.ErrorIs(t, r.ctrl.Start(), ErrInvalidTransition)

	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)
	require.ErrorIs(t, r.ctrl.Resume(), ErrInvalidTransition)
}

func TestRepeatPlaylist_NewRoundInOriginalOrder(t *testing.T) {
	r := newRig(t, selector.Policy{RepeatPlaylist: true}, 2, time.Second)

	require.NoError(t, r.ctrl.Start())
	r.waitLoads(t, 1)
	r.mock.AckLoad(1, 180)
	r.waitState(t, StatePlaying)
	r.mock.SendEOF(1)
	r.waitLoads(t, 2)
	r.mock.AckLoad(2, 180)
	r.waitState(t, StatePlaying)
	r.mock.SendEOF(2)

	// Both songs played: the round resets and the first song loads again.
	loads := r.waitLoads(t, 3)
	assert.Equal(t, loads[0].Path, loads[2].Path, "new round replays the first song")
}
