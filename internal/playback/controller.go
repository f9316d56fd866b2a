// Package playback owns the player state machine: it selects what plays
// next, drives the transport driver through its lifecycle, and consumes
// player telemetry. A single loop goroutine is the only writer of the
// playback slot and the only issuer of transport commands.
package playback

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karaoke-night-system/internal/catalog"
	"github.com/karaoke-night-system/internal/player"
	"github.com/karaoke-night-system/internal/queue"
	"github.com/karaoke-night-system/internal/selector"
	"github.com/karaoke-night-system/pkg/events"
	"github.com/karaoke-night-system/pkg/models"
)

var (
	// ErrInvalidTransition means the requested control is illegal in the
	// current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTransportTimeout means the player did not acknowledge a load in
	// time.
	ErrTransportTimeout = errors.New("transport timeout")
)

// After this many consecutive transport errors the controller stops
// auto-restarting and waits for an explicit start.
const maxConsecutiveErrors = 3

type action int

const (
	actionStart action = iota
	actionPause
	actionResume
	actionSkip
	actionStop
)

func (a action) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionPause:
		return "pause"
	case actionResume:
		return "resume"
	case actionSkip:
		return "skip"
	case actionStop:
		return "stop"
	default:
		return "unknown"
	}
}

type command struct {
	act   action
	reply chan error
}

// pendingLoad tracks the one transport load that may be in flight. A stop
// or skip arriving while it is unresolved is deferred here and applied
// once the acknowledgement (or timeout) lands.
type pendingLoad struct {
	sel      selector.Selection
	media    *models.Media
	timer    *time.Timer
	deferred *action
	retried  bool
}

type Config struct {
	Policy      selector.Policy
	LoadTimeout time.Duration
	AutoRestart bool
	Rand        *rand.Rand
}

type Controller struct {
	store  *queue.Store
	cat    catalog.Catalog
	driver player.TransportDriver
	bus    *events.Bus
	cfg    Config
	log    zerolog.Logger

	cmds chan command
	ctx  context.Context

	// loop-owned state
	state     State
	slot      *Slot
	counters  selector.Counters
	gen       uint64
	pending   *pendingLoad
	errStreak int

	// read-side mirror for Status
	statusMu  sync.RWMutex
	pubState  State
	pubSlot   Slot
	pubActive bool
}

func NewController(store *queue.Store, cat catalog.Catalog, driver player.TransportDriver, bus *events.Bus, cfg Config, log zerolog.Logger) *Controller {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Controller{
		store:  store,
		cat:    cat,
		driver: driver,
		bus:    bus,
		cfg:    cfg,
		log:    log.With().Str("component", "playback").Logger(),
		cmds:   make(chan command, 16),
	}
}

// Run executes the playback loop until the context is cancelled. It must
// be running for the control methods to make progress.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	tele := c.driver.Telemetry()
	for {
		var timeout <-chan time.Time
		if c.pending != nil {
			timeout = c.pending.timer.C
		}
		select {
		case <-ctx.Done():
			c.drainCommands()
			return
		case cmd := <-c.cmds:
			cmd.reply <- c.handleCommand(cmd.act)
		case t := <-tele:
			c.handleTelemetry(t)
		case <-timeout:
			c.handleLoadTimeout()
		}
	}
}

func (c *Controller) drainCommands() {
	for {
		select {
		case cmd := <-c.cmds:
			cmd.reply <- ErrInvalidTransition
		default:
			return
		}
	}
}

// Control methods. Each submits a command to the loop and waits for the
// validity verdict; state work happens on the loop goroutine.

func (c *Controller) Start() error  { return c.submit(actionStart) }
func (c *Controller) Pause() error  { return c.submit(actionPause) }
func (c *Controller) Resume() error { return c.submit(actionResume) }
func (c *Controller) Skip() error   { return c.submit(actionSkip) }
func (c *Controller) Stop() error   { return c.submit(actionStop) }

func (c *Controller) submit(act action) error {
	cmd := command{act: act, reply: make(chan error, 1)}
	c.cmds <- cmd
	return <-cmd.reply
}

// Status returns the last published state and slot snapshot. The slot is
// absent while nothing is loaded.
func (c *Controller) Status() (State, Slot, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.pubState, c.pubSlot, c.pubActive
}

func (c *Controller) publishStatus() {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.pubState = c.state
	if c.slot != nil {
		c.pubSlot = *c.slot
		c.pubActive = true
	} else {
		c.pubSlot = pauseScreenSlot()
		c.pubActive = false
	}
}

func (c *Controller) handleCommand(act action) error {
	c.log.Debug().Str("action", act.String()).Str("state", c.state.String()).Msg("control command")

	switch act {
	case actionStart:
		if c.state != StateIdle {
			return ErrInvalidTransition
		}
		c.errStreak = 0
		c.advance()
		return nil

	case actionPause:
		if c.state != StatePlaying {
			return ErrInvalidTransition
		}
		if err := c.driver.Pause(); err != nil {
			c.transportError(err)
			return nil
		}
		c.slot.PlayerState = PlayerPaused
		c.setState(StatePaused)
		return nil

	case actionResume:
		if c.state != StatePaused {
			return ErrInvalidTransition
		}
		if err := c.driver.Play(); err != nil {
			c.transportError(err)
			return nil
		}
		c.slot.PlayerState = PlayerPlaying
		c.setState(StatePlaying)
		return nil

	case actionSkip:
		switch c.state {
		case StatePlaying, StatePaused:
			c.finishCurrent(true)
			c.advance()
			return nil
		case StateLoading:
			c.deferCommand(actionSkip)
			return nil
		default:
			return ErrInvalidTransition
		}

	case actionStop:
		switch c.state {
		case StatePlaying, StatePaused:
			c.setState(StateStopping)
			if err := c.driver.Stop(); err != nil {
				c.log.Warn().Err(err).Msg("transport stop failed")
			}
			c.clearSlot()
			c.setState(StateIdle)
			return nil
		case StateLoading:
			c.deferCommand(actionStop)
			return nil
		default:
			return ErrInvalidTransition
		}
	}
	return ErrInvalidTransition
}

// deferCommand parks a stop/skip until the in-flight load resolves. A
// load in flight is never abandoned silently; stop wins over skip.
func (c *Controller) deferCommand(act action) {
	if c.pending == nil {
		return
	}
	if c.pending.deferred != nil && *c.pending.deferred == actionStop {
		return
	}
	c.pending.deferred = &act
}

// advance asks the selector for the next item and issues the load.
func (c *Controller) advance() {
	c.setState(StateLoading)

	pl, ok := c.store.CurrentPlaylist()
	if !ok {
		c.log.Warn().Msg("no current playlist")
		c.clearSlot()
		c.setState(StateIdle)
		return
	}

	snap := c.store.Snapshot(pl.ID)
	sel, counters := selector.Next(snap, c.cfg.Policy, c.counters, c.cfg.Rand)
	c.counters = counters
	if sel.RoundReset {
		n := c.store.ResetPlayed(pl.ID)
		c.log.Info().Int("entries", n).Msg("playlist round reset")
		c.bus.Publish(events.EventTypeQueueChanged, events.QueueChangedPayload{PlaylistID: pl.ID.String()})
	}

	var media *models.Media
	var err error
	if sel.Type == models.MediaSong {
		media, err = c.cat.Lookup(sel.Entry.MediaID)
		if err != nil {
			// Corrupt reference; retire the entry so it cannot wedge the loop.
			c.log.Error().Str("entry", sel.Entry.ID.String()).Msg("queued media missing from catalog")
			if merr := c.store.MarkPlayed(sel.Entry.ID); merr != nil {
				c.log.Warn().Err(merr).Msg("failed to retire entry")
			}
			c.advance()
			return
		}
	} else {
		media, err = c.cat.Filler(sel.Type)
		if err != nil {
			if sel.Type == models.MediaBackground {
				c.log.Warn().Msg("no background media configured")
				c.clearSlot()
				c.setState(StateIdle)
				return
			}
			// Empty filler pool: the counter for this filler is already
			// reset, so re-selecting cannot loop.
			c.log.Debug().Str("type", string(sel.Type)).Msg("empty filler pool, skipping")
			c.advance()
			return
		}
	}

	c.load(sel, media)
}

func (c *Controller) load(sel selector.Selection, media *models.Media) {
	c.gen++
	c.slot = &Slot{
		Entry:       sel.Entry,
		Media:       media,
		MediaType:   sel.Type,
		PlayerState: PlayerStopped,
		Duration:    float64(media.DurationSeconds),
		Generation:  c.gen,
	}

	if sel.Type == models.MediaSong {
		if err := c.store.MarkPlaying(sel.Entry.ID); err != nil {
			c.log.Warn().Err(err).Msg("failed to flag playing entry")
		}
	}

	c.emitNowPlaying()

	c.pending = &pendingLoad{
		sel:   sel,
		media: media,
		timer: time.NewTimer(c.cfg.LoadTimeout),
	}
	if err := c.driver.Load(c.ctx, media.Path, c.gen); err != nil {
		c.transportError(err)
	}
}

func (c *Controller) handleTelemetry(t player.Telemetry) {
	if t.Generation != c.gen {
		c.log.Debug().Uint64("got", t.Generation).Uint64("want", c.gen).Msg("stale telemetry discarded")
		return
	}

	if t.Err != nil {
		c.transportError(t.Err)
		return
	}

	if t.Loaded {
		c.handleLoaded(t)
		return
	}

	if t.EOFReached {
		// EOF is only honored while actively playing; the player cannot
		// reach it while paused, so anything else here is stale.
		if c.state != StatePlaying {
			return
		}
		c.slot.EOFReached = true
		c.finishCurrent(true)
		c.advance()
		return
	}

	if c.slot != nil {
		c.slot.TimePosition = t.TimePosition
		if t.Duration > 0 {
			c.slot.Duration = t.Duration
		}
		c.publishStatus()
	}
}

func (c *Controller) handleLoaded(t player.Telemetry) {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	deferred := c.pending.deferred
	sel := c.pending.sel
	c.pending = nil
	c.errStreak = 0

	if deferred != nil {
		switch *deferred {
		case actionStop:
			if err := c.driver.Stop(); err != nil {
				c.log.Warn().Err(err).Msg("transport stop failed")
			}
			c.clearSlot()
			c.setState(StateIdle)
		case actionSkip:
			if sel.Type == models.MediaSong {
				if err := c.store.MarkPlayed(sel.Entry.ID); err != nil {
					c.log.Warn().Err(err).Msg("failed to mark skipped entry played")
				}
			}
			if err := c.driver.Stop(); err != nil {
				c.log.Warn().Err(err).Msg("transport stop failed")
			}
			c.clearSlot()
			c.setState(StateIdle)
			c.advance()
		}
		return
	}

	if t.Duration > 0 {
		c.slot.Duration = t.Duration
	}
	c.slot.EOFReached = false
	if err := c.driver.Play(); err != nil {
		c.transportError(err)
		return
	}
	c.slot.PlayerState = PlayerPlaying
	c.setState(StatePlaying)
}

func (c *Controller) handleLoadTimeout() {
	if c.pending == nil {
		return
	}
	deferred := c.pending.deferred
	sel := c.pending.sel
	media := c.pending.media

	if deferred != nil {
		// A stop/skip was waiting on this load; the timeout resolves it.
		c.pending = nil
		c.emitError(ErrTransportTimeout)
		if *deferred == actionSkip {
			if sel.Type == models.MediaSong {
				_ = c.store.MarkPlayed(sel.Entry.ID)
			}
			c.clearSlot()
			c.setState(StateIdle)
			c.advance()
			return
		}
		c.clearSlot()
		c.setState(StateIdle)
		return
	}

	if !c.pending.retried {
		c.pending.retried = true
		c.gen++
		c.slot.Generation = c.gen
		c.pending.timer = time.NewTimer(c.cfg.LoadTimeout)
		c.log.Warn().Str("path", media.Path).Msg("load timed out, retrying once")
		if err := c.driver.Load(c.ctx, media.Path, c.gen); err != nil {
			c.transportError(err)
		}
		return
	}

	// Second consecutive failure on the same selection: fatal for this
	// item. Songs are marked played so a corrupt file cannot wedge the
	// loop; the loop advances.
	c.pending = nil
	c.log.Error().Str("path", media.Path).Msg("load timed out twice, giving up on item")
	c.emitError(ErrTransportTimeout)
	if sel.Type == models.MediaSong {
		if err := c.store.MarkPlayed(sel.Entry.ID); err != nil {
			c.log.Warn().Err(err).Msg("failed to retire entry")
		}
	}
	c.advance()
}

// finishCurrent retires the active item. Songs are marked played unless
// told otherwise; fillers are not queue entries and are never marked.
func (c *Controller) finishCurrent(markPlayed bool) {
	if c.slot == nil {
		return
	}
	if c.slot.MediaType == models.MediaSong && c.slot.Entry != nil {
		if markPlayed {
			if err := c.store.MarkPlayed(c.slot.Entry.ID); err != nil {
				c.log.Warn().Err(err).Msg("failed to mark entry played")
			}
		} else {
			c.store.ClearPlaying()
		}
		if pl, ok := c.store.CurrentPlaylist(); ok {
			c.bus.Publish(events.EventTypeQueueChanged, events.QueueChangedPayload{PlaylistID: pl.ID.String()})
		}
	}
}

func (c *Controller) transportError(err error) {
	c.log.Error().Err(err).Msg("transport error")
	if c.pending != nil {
		c.pending.timer.Stop()
		c.pending = nil
	}
	c.emitError(err)
	if err := c.driver.Stop(); err != nil {
		c.log.Debug().Err(err).Msg("stop after transport error failed")
	}
	c.store.ClearPlaying()
	c.clearSlot()
	c.setState(StateIdle)

	c.errStreak++
	if c.cfg.AutoRestart && c.errStreak < maxConsecutiveErrors {
		c.log.Info().Msg("auto-restarting playback")
		c.advance()
	}
}

func (c *Controller) emitError(err error) {
	c.bus.Publish(events.EventTypePlaybackError, events.PlaybackErrorPayload{Reason: err.Error()})
}

func (c *Controller) clearSlot() {
	if c.slot != nil && c.slot.MediaType == models.MediaSong {
		c.store.ClearPlaying()
	}
	c.slot = nil
	c.emitNowPlaying()
}

func (c *Controller) emitNowPlaying() {
	snapshot := pauseScreenSlot()
	if c.slot != nil {
		snapshot = *c.slot
	}
	c.bus.Publish(events.EventTypeNowPlayingChanged, snapshot)
	c.publishStatus()
}

func (c *Controller) setState(next State) {
	if c.state == next {
		return
	}
	old := c.state
	c.state = next
	c.log.Debug().Str("from", old.String()).Str("to", next.String()).Msg("state transition")
	c.bus.Publish(events.EventTypePlaybackStateChanged, events.PlaybackStatePayload{
		OldState: old.String(),
		NewState: next.String(),
	})
	c.publishStatus()
}
