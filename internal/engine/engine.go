// Package engine is the core-exposed surface: it bridges transport
// callers (HTTP, WebSocket) to the queue store and the playback
// controller, consults the session collaborator for quotas and vote
// dedup, and publishes queue events.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karaoke-night-system/internal/playback"
	"github.com/karaoke-night-system/internal/queue"
	"github.com/karaoke-night-system/pkg/events"
	"github.com/karaoke-night-system/pkg/models"
)

// Sessions is the slice of the session collaborator the engine needs:
// quota reads and external vote dedup.
type Sessions interface {
	SongsSubmittedThisSession(ctx context.Context, userID, playlistID string) (int, error)
	IncrSongsSubmitted(ctx context.Context, userID, playlistID string) error
	DecrSongsSubmitted(ctx context.Context, userID, playlistID string) error
	RegisterVote(ctx context.Context, entryID, voterID string) (bool, error)
}

// Storage persists playlist state at process boundaries.
type Storage interface {
	LoadPlaylists() ([]*models.Playlist, []*models.QueueEntry, error)
	SavePlaylists(playlists []*models.Playlist, entries []*models.QueueEntry) error
}

type Engine struct {
	store      *queue.Store
	controller *playback.Controller
	bus        *events.Bus
	sessions   Sessions
	storage    Storage
	log        zerolog.Logger
}

func New(store *queue.Store, controller *playback.Controller, bus *events.Bus, sessions Sessions, storage Storage, log zerolog.Logger) *Engine {
	return &Engine{
		store:      store,
		controller: controller,
		bus:        bus,
		sessions:   sessions,
		storage:    storage,
		log:        log.With().Str("component", "engine").Logger(),
	}
}

// LoadState hydrates the queue store from storage. Called once at startup;
// when no playlists exist yet, a default current playlist and a public
// suggestion playlist are created.
func (e *Engine) LoadState(ctx context.Context) error {
	playlists, entries, err := e.storage.LoadPlaylists()
	if err != nil {
		return fmt.Errorf("failed to load playlists: %w", err)
	}
	if len(playlists) == 0 {
		e.store.AddPlaylist("Karaoke Night", true, false)
		e.store.AddPlaylist("Suggestions", false, true)
		e.log.Info().Msg("initialized default playlists")
		return nil
	}
	e.store.Import(playlists, entries)
	e.log.Info().Int("playlists", len(playlists)).Int("entries", len(entries)).Msg("loaded playlist state")
	return nil
}

// SaveState writes the queue store back to storage. Called at shutdown.
func (e *Engine) SaveState(ctx context.Context) error {
	playlists, entries := e.store.Export()
	if err := e.storage.SavePlaylists(playlists, entries); err != nil {
		return fmt.Errorf("failed to save playlists: %w", err)
	}
	e.log.Info().Int("playlists", len(playlists)).Int("entries", len(entries)).Msg("saved playlist state")
	return nil
}

// SubmitSong queues a media for the user on the given playlist.
func (e *Engine) SubmitSong(ctx context.Context, playlistID, mediaID, userID uuid.UUID) (models.QueueEntry, error) {
	entry, err := e.store.AddEntry(ctx, playlistID, mediaID, userID, -1)
	if err != nil {
		return models.QueueEntry{}, err
	}

	if err := e.sessions.IncrSongsSubmitted(ctx, userID.String(), playlistID.String()); err != nil {
		e.log.Warn().Err(err).Msg("failed to bump submission counter")
	}

	e.queueChanged(playlistID)
	return entry, nil
}

// RemoveSongs deletes entries and returns the ids actually removed. The
// playing entry is skipped; removed entries release their submitter's
// quota slot.
func (e *Engine) RemoveSongs(ctx context.Context, ids []uuid.UUID) []uuid.UUID {
	// Capture submitters before removal for quota release.
	type owner struct{ userID, playlistID uuid.UUID }
	owners := make(map[uuid.UUID]owner)
	for _, pl := range e.store.Playlists() {
		for _, entry := range e.store.Snapshot(pl.ID) {
			if !entry.Played {
				owners[entry.ID] = owner{userID: entry.SubmitterID, playlistID: entry.PlaylistID}
			}
		}
	}

	removed := e.store.RemoveEntries(ids)
	touched := make(map[uuid.UUID]bool)
	for _, id := range removed {
		if o, ok := owners[id]; ok {
			if err := e.sessions.DecrSongsSubmitted(ctx, o.userID.String(), o.playlistID.String()); err != nil {
				e.log.Warn().Err(err).Msg("failed to release quota slot")
			}
			touched[o.playlistID] = true
		}
	}
	for plID := range touched {
		e.queueChanged(plID)
	}
	return removed
}

// ReorderSong moves an entry to a new position in its playlist.
func (e *Engine) ReorderSong(ctx context.Context, id uuid.UUID, newPos int) error {
	if err := e.store.Reorder(id, newPos); err != nil {
		return err
	}
	if pl, ok := e.playlistOf(id); ok {
		e.queueChanged(pl)
	}
	return nil
}

// VoteSong applies one upvote from the voter. Dedup is two-layered: the
// session voter set rejects repeat voters outright, and the store's
// in-flight marker absorbs an identical call racing right behind the
// first.
func (e *Engine) VoteSong(ctx context.Context, id, voterID uuid.UUID) (int, error) {
	first, err := e.sessions.RegisterVote(ctx, id.String(), voterID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to check voter: %w", err)
	}
	if !first {
		// Repeat vote: report the current count unchanged.
		for _, pl := range e.store.Playlists() {
			for _, entry := range e.store.Snapshot(pl.ID) {
				if entry.ID == id {
					return entry.UpvoteCount, nil
				}
			}
		}
		return 0, queue.ErrNotFound
	}

	count, err := e.store.ApplyUpvote(id, voterID)
	if err != nil {
		return 0, err
	}
	if pl, ok := e.playlistOf(id); ok {
		e.queueChanged(pl)
	}
	return count, nil
}

// SetSongFlag sets a moderation flag on an entry.
func (e *Engine) SetSongFlag(ctx context.Context, id uuid.UUID, flag queue.Flag, value bool) error {
	if err := e.store.SetFlag(id, flag, value); err != nil {
		return err
	}
	if pl, ok := e.playlistOf(id); ok {
		e.queueChanged(pl)
	}
	return nil
}

// PromoteSong copies a public suggestion into the current playlist.
// Refusal wins over promotion.
func (e *Engine) PromoteSong(ctx context.Context, publicEntryID uuid.UUID) (models.QueueEntry, error) {
	current, ok := e.store.CurrentPlaylist()
	if !ok {
		return models.QueueEntry{}, queue.ErrNotFound
	}
	entry, err := e.store.PromoteEntry(publicEntryID, current.ID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	e.queueChanged(current.ID)
	return entry, nil
}

// PlaybackControl dispatches a playback action.
func (e *Engine) PlaybackControl(action string) error {
	switch action {
	case "start":
		return e.controller.Start()
	case "pause":
		return e.controller.Pause()
	case "resume":
		return e.controller.Resume()
	case "skip":
		return e.controller.Skip()
	case "stop":
		return e.controller.Stop()
	default:
		return fmt.Errorf("action %q: %w", action, playback.ErrInvalidTransition)
	}
}

// NowPlaying returns the controller's published state and slot snapshot.
func (e *Engine) NowPlaying() (playback.State, playback.Slot, bool) {
	return e.controller.Status()
}

// Playlists lists all playlists.
func (e *Engine) Playlists() []models.Playlist {
	return e.store.Playlists()
}

// QueueView returns the playlist's entries in position order.
func (e *Engine) QueueView(playlistID uuid.UUID) []models.QueueEntry {
	return e.store.Snapshot(playlistID)
}

func (e *Engine) playlistOf(entryID uuid.UUID) (uuid.UUID, bool) {
	for _, pl := range e.store.Playlists() {
		for _, entry := range e.store.Snapshot(pl.ID) {
			if entry.ID == entryID {
				return pl.ID, true
			}
		}
	}
	return uuid.Nil, false
}

func (e *Engine) queueChanged(playlistID uuid.UUID) {
	e.bus.Publish(events.EventTypeQueueChanged, events.QueueChangedPayload{PlaylistID: playlistID.String()})
}
