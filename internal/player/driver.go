// Package player abstracts the external media player process. The
// playback controller only ever talks to a TransportDriver; the real
// implementation drives mpv through its JSON IPC socket.
package player

import "context"

// Telemetry is one report from the player. Every report is tagged with
// the load generation it belongs to, so consumers can discard reports
// from a superseded load.
type Telemetry struct {
	Generation   uint64
	Loaded       bool
	TimePosition float64
	Duration     float64
	EOFReached   bool
	Err          error
}

// TransportDriver is the transport command surface of the external
// player. Load is asynchronous: the call returns once the command is
// issued, and the acknowledgement arrives as a Telemetry report with
// Loaded set and the matching generation.
type TransportDriver interface {
	Load(ctx context.Context, path string, generation uint64) error
	Play() error
	Pause() error
	Stop() error
	Seek(seconds float64) error

	// Telemetry returns the single-consumer telemetry stream.
	Telemetry() <-chan Telemetry

	Close() error
}
