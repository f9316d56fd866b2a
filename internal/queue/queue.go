package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karaoke-night-system/internal/catalog"
	"github.com/karaoke-night-system/pkg/models"
)

// Flag names accepted by SetFlag.
type Flag string

const (
	FlagPlayed     Flag = "played"
	FlagRefused    Flag = "refused"
	FlagAccepted   Flag = "accepted"
	FlagFreeUpvote Flag = "free_upvote"
)

// QuotaFunc reports how many songs a user has submitted to a playlist this
// session. Supplied by the session collaborator; nil means unlimited.
type QuotaFunc func(ctx context.Context, userID, playlistID uuid.UUID) (int, error)

type Config struct {
	// QuotaPerUser is the per-session song limit per playlist. Negative
	// means unlimited.
	QuotaPerUser int
	// FreeUpvoteThreshold is the upvote count at which an entry becomes
	// free (exempting one submission from its submitter's quota). Zero
	// disables the mechanic.
	FreeUpvoteThreshold int
}

// Markers younger than this make a repeated identical upvote a no-op.
const upvoteInflightTTL = 2 * time.Second

// Store owns the ordered queue entries of all playlists. All operations
// are synchronous and atomic under a single store lock; the data volume is
// hundreds of entries, so coarse locking is fine.
//
// Invariants held across every mutation:
//   - positions within a playlist are a dense 0..n-1 permutation
//   - at most one entry across all playlists has Playing set
//   - Refused and Accepted are mutually exclusive per entry
type Store struct {
	mu      sync.Mutex
	cfg     Config
	catalog catalog.Catalog
	quota   QuotaFunc

	playlists map[uuid.UUID]*models.Playlist
	entries   map[uuid.UUID][]*models.QueueEntry // per playlist, position order
	inflight  map[string]time.Time               // entryID|voterID upvote markers

	now func() time.Time
}

func NewStore(cfg Config, cat catalog.Catalog, quota QuotaFunc) *Store {
	return &Store{
		cfg:       cfg,
		catalog:   cat,
		quota:     quota,
		playlists: make(map[uuid.UUID]*models.Playlist),
		entries:   make(map[uuid.UUID][]*models.QueueEntry),
		inflight:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// AddPlaylist registers a playlist. The current flag is exclusive
// system-wide, the public flag too; setting either clears it elsewhere.
func (s *Store) AddPlaylist(name string, isCurrent, isPublic bool) *models.Playlist {
	s.mu.Lock()
	defer s.mu.Unlock()

	pl := &models.Playlist{
		ID:          uuid.New(),
		Name:        name,
		FlagVisible: true,
		CreatedAt:   s.now().UTC(),
		UpdatedAt:   s.now().UTC(),
	}
	s.playlists[pl.ID] = pl
	s.entries[pl.ID] = nil

	if isCurrent {
		s.setCurrentLocked(pl.ID)
	}
	if isPublic {
		s.setPublicLocked(pl.ID)
	}
	return pl
}

// SetCurrent flags the playlist as the single current one.
func (s *Store) SetCurrent(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.playlists[id]; !ok {
		return fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	}
	s.setCurrentLocked(id)
	return nil
}

func (s *Store) setCurrentLocked(id uuid.UUID) {
	for _, pl := range s.playlists {
		pl.IsCurrent = pl.ID == id
	}
}

func (s *Store) setPublicLocked(id uuid.UUID) {
	for _, pl := range s.playlists {
		pl.IsPublic = pl.ID == id
	}
}

// CurrentPlaylist returns a copy of the playlist flagged current, if any.
func (s *Store) CurrentPlaylist() (models.Playlist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pl := range s.playlists {
		if pl.IsCurrent {
			return *pl, true
		}
	}
	return models.Playlist{}, false
}

// PublicPlaylist returns a copy of the playlist flagged public, if any.
func (s *Store) PublicPlaylist() (models.Playlist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pl := range s.playlists {
		if pl.IsPublic {
			return *pl, true
		}
	}
	return models.Playlist{}, false
}

// Playlists returns copies of all playlists.
func (s *Store) Playlists() []models.Playlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Playlist, 0, len(s.playlists))
	for _, pl := range s.playlists {
		out = append(out, *pl)
	}
	return out
}

// AddEntry queues a media for a submitter. pos < 0 appends at the end;
// otherwise the entry is inserted at pos (clamped) and the playlist is
// renumbered.
func (s *Store) AddEntry(ctx context.Context, playlistID, mediaID, submitterID uuid.UUID, pos int) (models.QueueEntry, error) {
	if _, err := s.catalog.Lookup(mediaID); err != nil {
		return models.QueueEntry{}, fmt.Errorf("media %s: %w", mediaID, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.playlists[playlistID]; !ok {
		return models.QueueEntry{}, fmt.Errorf("playlist %s: %w", playlistID, ErrNotFound)
	}

	list := s.entries[playlistID]
	for _, e := range list {
		if e.MediaID == mediaID && e.SubmitterID == submitterID && !e.Played {
			return models.QueueEntry{}, ErrAlreadyQueued
		}
	}

	if err := s.checkQuotaLocked(ctx, submitterID, playlistID); err != nil {
		return models.QueueEntry{}, err
	}

	entry := &models.QueueEntry{
		ID:          uuid.New(),
		PlaylistID:  playlistID,
		MediaID:     mediaID,
		SubmitterID: submitterID,
		CreatedAt:   s.now().UTC(),
		UpdatedAt:   s.now().UTC(),
	}

	if pos < 0 || pos >= len(list) {
		list = append(list, entry)
	} else {
		list = append(list[:pos], append([]*models.QueueEntry{entry}, list[pos:]...)...)
	}
	s.entries[playlistID] = list
	s.renumberLocked(playlistID)

	return *entry, nil
}

func (s *Store) checkQuotaLocked(ctx context.Context, submitterID, playlistID uuid.UUID) error {
	if s.cfg.QuotaPerUser < 0 || s.quota == nil {
		return nil
	}
	used, err := s.quota(ctx, submitterID, playlistID)
	if err != nil {
		return fmt.Errorf("failed to read quota: %w", err)
	}
	// Free-upvoted pending songs give their submitter a quota exemption.
	free := 0
	for _, e := range s.entries[playlistID] {
		if e.SubmitterID == submitterID && e.FreeUpvote && !e.Played {
			free++
		}
	}
	if used-free >= s.cfg.QuotaPerUser {
		return ErrQuotaExceeded
	}
	return nil
}

// RemoveEntries deletes the given entries and returns the ids actually
// removed. The currently-playing entry is silently skipped; playback must
// be stopped before it can be removed.
func (s *Store) RemoveEntries(ids []uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var removed []uuid.UUID
	for plID, list := range s.entries {
		kept := list[:0]
		touched := false
		for _, e := range list {
			if want[e.ID] && !e.Playing {
				removed = append(removed, e.ID)
				touched = true
				continue
			}
			kept = append(kept, e)
		}
		if touched {
			s.entries[plID] = kept
			s.renumberLocked(plID)
		}
	}
	return removed
}

// Reorder moves an entry to newPos, clamped into [0, n-1]. Reordering the
// playing entry is disallowed.
func (s *Store) Reorder(id uuid.UUID, newPos int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plID, idx, entry := s.findLocked(id)
	if entry == nil {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if entry.Playing {
		return fmt.Errorf("entry %s is playing: %w", id, ErrInvalidState)
	}

	list := s.entries[plID]
	if newPos < 0 {
		newPos = 0
	}
	if newPos > len(list)-1 {
		newPos = len(list) - 1
	}

	list = append(list[:idx], list[idx+1:]...)
	list = append(list[:newPos], append([]*models.QueueEntry{entry}, list[newPos:]...)...)
	s.entries[plID] = list
	s.renumberLocked(plID)
	return nil
}

// SetFlag sets one of an entry's flags. accepted=true clears refused and
// vice versa.
func (s *Store) SetFlag(id uuid.UUID, flag Flag, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, entry := s.findLocked(id)
	if entry == nil {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}

	switch flag {
	case FlagPlayed:
		entry.Played = value
	case FlagRefused:
		entry.Refused = value
		if value {
			entry.Accepted = false
		}
	case FlagAccepted:
		entry.Accepted = value
		if value {
			entry.Refused = false
		}
	case FlagFreeUpvote:
		entry.FreeUpvote = value
	default:
		return fmt.Errorf("flag %q: %w", flag, ErrNotFound)
	}
	entry.UpdatedAt = s.now().UTC()
	return nil
}

// ApplyUpvote increments the entry's upvote count. Voter dedup is owned by
// the caller; the store only guarantees that re-applying the same voter in
// immediate succession does not double count, via a short-lived in-flight
// marker.
func (s *Store) ApplyUpvote(id, voterID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, entry := s.findLocked(id)
	if entry == nil {
		return 0, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}

	key := id.String() + "|" + voterID.String()
	now := s.now()
	if at, ok := s.inflight[key]; ok && now.Sub(at) < upvoteInflightTTL {
		return entry.UpvoteCount, nil
	}
	s.inflight[key] = now
	s.pruneInflightLocked(now)

	entry.UpvoteCount++
	entry.UpdatedAt = now.UTC()
	if s.cfg.FreeUpvoteThreshold > 0 && entry.UpvoteCount >= s.cfg.FreeUpvoteThreshold {
		entry.FreeUpvote = true
	}
	return entry.UpvoteCount, nil
}

func (s *Store) pruneInflightLocked(now time.Time) {
	for k, at := range s.inflight {
		if now.Sub(at) >= upvoteInflightTTL {
			delete(s.inflight, k)
		}
	}
}

// NextUnplayed returns the lowest-position entry that is neither played
// nor refused.
func (s *Store) NextUnplayed(playlistID uuid.UUID) (models.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[playlistID] {
		if !e.Played && !e.Refused {
			return *e, true
		}
	}
	return models.QueueEntry{}, false
}

// MarkPlayed flags the entry played and no longer playing. The entry is
// retained for history until external pruning.
func (s *Store) MarkPlayed(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, entry := s.findLocked(id)
	if entry == nil {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	entry.Played = true
	entry.Playing = false
	entry.UpdatedAt = s.now().UTC()
	return nil
}

// MarkPlaying flags the entry as the single playing one system-wide.
func (s *Store) MarkPlaying(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, entry := s.findLocked(id)
	if entry == nil {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	for _, list := range s.entries {
		for _, e := range list {
			e.Playing = false
		}
	}
	entry.Playing = true
	entry.UpdatedAt = s.now().UTC()
	return nil
}

// ClearPlaying clears the playing flag wherever it is set.
func (s *Store) ClearPlaying() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.entries {
		for _, e := range list {
			e.Playing = false
		}
	}
}

// ResetPlayed starts a new round: every non-refused entry of the playlist
// gets its played flag cleared. Refused entries are not resurrected.
// Returns the number of entries reset.
func (s *Store) ResetPlayed(playlistID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries[playlistID] {
		if e.Played && !e.Refused {
			e.Played = false
			n++
		}
	}
	return n
}

// PromoteEntry copies a public suggestion into the target playlist,
// recording a weak back-reference to its origin. A refused suggestion is
// never promoted: refusal takes precedence over any pending promotion.
func (s *Store) PromoteEntry(publicEntryID, targetPlaylistID uuid.UUID) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, src := s.findLocked(publicEntryID)
	if src == nil {
		return models.QueueEntry{}, fmt.Errorf("entry %s: %w", publicEntryID, ErrNotFound)
	}
	if src.Refused {
		return models.QueueEntry{}, fmt.Errorf("entry %s is refused: %w", publicEntryID, ErrInvalidState)
	}
	if _, ok := s.playlists[targetPlaylistID]; !ok {
		return models.QueueEntry{}, fmt.Errorf("playlist %s: %w", targetPlaylistID, ErrNotFound)
	}
	for _, e := range s.entries[targetPlaylistID] {
		if e.MediaID == src.MediaID && e.SubmitterID == src.SubmitterID && !e.Played {
			return models.QueueEntry{}, ErrAlreadyQueued
		}
	}

	linked := src.ID
	entry := &models.QueueEntry{
		ID:                  uuid.New(),
		PlaylistID:          targetPlaylistID,
		MediaID:             src.MediaID,
		SubmitterID:         src.SubmitterID,
		UpvoteCount:         src.UpvoteCount,
		FreeUpvote:          src.FreeUpvote,
		LinkedPublicEntryID: &linked,
		CreatedAt:           s.now().UTC(),
		UpdatedAt:           s.now().UTC(),
	}
	s.entries[targetPlaylistID] = append(s.entries[targetPlaylistID], entry)
	s.renumberLocked(targetPlaylistID)
	return *entry, nil
}

// Snapshot returns value copies of the playlist's entries in position
// order.
func (s *Store) Snapshot(playlistID uuid.UUID) []models.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[playlistID]
	out := make([]models.QueueEntry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

// Export returns the full state for the storage collaborator. Called at
// process boundaries only.
func (s *Store) Export() ([]*models.Playlist, []*models.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var playlists []*models.Playlist
	var entries []*models.QueueEntry
	for _, pl := range s.playlists {
		cp := *pl
		playlists = append(playlists, &cp)
	}
	for _, list := range s.entries {
		for _, e := range list {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	return playlists, entries
}

// Import replaces the store's state with persisted playlists and entries.
// Called once at startup, before any concurrent access. The playback slot
// is never persisted, so any stale playing flag is dropped here.
func (s *Store) Import(playlists []*models.Playlist, entries []*models.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.playlists = make(map[uuid.UUID]*models.Playlist, len(playlists))
	s.entries = make(map[uuid.UUID][]*models.QueueEntry)
	for _, pl := range playlists {
		cp := *pl
		s.playlists[cp.ID] = &cp
		s.entries[cp.ID] = nil
	}
	for _, e := range entries {
		if _, ok := s.playlists[e.PlaylistID]; !ok {
			continue
		}
		cp := *e
		cp.Playing = false
		s.entries[cp.PlaylistID] = append(s.entries[cp.PlaylistID], &cp)
	}
	for plID := range s.entries {
		list := s.entries[plID]
		sort.Slice(list, func(i, j int) bool { return list[i].Position < list[j].Position })
		s.entries[plID] = list
		s.renumberLocked(plID)
	}
}

func (s *Store) findLocked(id uuid.UUID) (uuid.UUID, int, *models.QueueEntry) {
	for plID, list := range s.entries {
		for i, e := range list {
			if e.ID == id {
				return plID, i, e
			}
		}
	}
	return uuid.Nil, -1, nil
}

func (s *Store) renumberLocked(playlistID uuid.UUID) {
	for i, e := range s.entries[playlistID] {
		e.Position = i
	}
}
