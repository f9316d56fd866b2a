package playback

import (
	"encoding/json"

	"github.com/karaoke-night-system/pkg/models"
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// PlayerState is the transport-level state of the external player.
type PlayerState int

const (
	PlayerStopped PlayerState = iota
	PlayerPaused
	PlayerPlaying
)

func (s PlayerState) String() string {
	switch s {
	case PlayerStopped:
		return "stopped"
	case PlayerPaused:
		return "paused"
	case PlayerPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

func (s PlayerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Slot is the single live "now playing" state. It is re-created on every
// load, owned exclusively by the controller, and never persisted.
type Slot struct {
	Entry        *models.QueueEntry `json:"entry,omitempty"`
	Media        *models.Media      `json:"media,omitempty"`
	MediaType    models.MediaType   `json:"media_type"`
	PlayerState  PlayerState        `json:"player_state"`
	TimePosition float64            `json:"time_position"`
	Duration     float64            `json:"duration"`
	EOFReached   bool               `json:"eof_reached"`
	Generation   uint64             `json:"-"`
}

// pauseScreenSlot is what viewers see when nothing is loaded.
func pauseScreenSlot() Slot {
	return Slot{MediaType: models.MediaPauseScreen, PlayerState: PlayerStopped}
}
