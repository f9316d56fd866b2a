package player

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MPV drives an mpv process over its JSON IPC socket (mpv started with
// --input-ipc-server=<path> --idle --pause). Commands are
// newline-delimited JSON; telemetry arrives as observed-property changes
// and player events on the same connection.
type MPV struct {
	socketPath string
	log        zerolog.Logger

	writeMu sync.Mutex
	conn    net.Conn

	// generation of the load currently in flight or playing; tags all
	// outgoing telemetry
	gen atomic.Uint64

	telemetry chan Telemetry
	done      chan struct{}
	closeOnce sync.Once
}

const (
	mpvPropTimePos  = 1
	mpvPropDuration = 2
)

func NewMPV(socketPath string, log zerolog.Logger) *MPV {
	return &MPV{
		socketPath: socketPath,
		log:        log.With().Str("component", "mpv").Logger(),
		telemetry:  make(chan Telemetry, 64),
		done:       make(chan struct{}),
	}
}

// Connect dials the IPC socket and starts the telemetry reader. mpv may
// still be starting up, so the dial is retried until the context expires.
func (m *MPV) Connect(ctx context.Context) error {
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("unix", m.socketPath, time.Second)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to connect to mpv socket %s: %w", m.socketPath, err)
		case <-time.After(250 * time.Millisecond):
		}
	}
	m.conn = conn

	if err := m.command("observe_property", mpvPropTimePos, "time-pos"); err != nil {
		return err
	}
	if err := m.command("observe_property", mpvPropDuration, "duration"); err != nil {
		return err
	}

	go m.readLoop()
	return nil
}

func (m *MPV) command(args ...interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"command": args})
	if err != nil {
		return fmt.Errorf("failed to marshal mpv command: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("mpv not connected")
	}
	if _, err := m.conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("failed to write mpv command: %w", err)
	}
	return nil
}

// Load replaces the playing file. The file is loaded paused; the
// controller issues Play once the file-loaded acknowledgement arrives.
func (m *MPV) Load(ctx context.Context, path string, generation uint64) error {
	m.gen.Store(generation)
	if err := m.command("set_property", "pause", true); err != nil {
		return err
	}
	return m.command("loadfile", path, "replace")
}

func (m *MPV) Play() error {
	return m.command("set_property", "pause", false)
}

func (m *MPV) Pause() error {
	return m.command("set_property", "pause", true)
}

func (m *MPV) Stop() error {
	return m.command("stop")
}

func (m *MPV) Seek(seconds float64) error {
	return m.command("seek", seconds, "absolute")
}

func (m *MPV) Telemetry() <-chan Telemetry {
	return m.telemetry
}

func (m *MPV) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		if m.conn != nil {
			err = m.conn.Close()
		}
	})
	return err
}

type mpvMessage struct {
	Event  string      `json:"event"`
	ID     int         `json:"id"`
	Name   string      `json:"name"`
	Data   interface{} `json:"data"`
	Reason string      `json:"reason"`
	Error  string      `json:"error"`
}

func (m *MPV) readLoop() {
	scanner := bufio.NewScanner(m.conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	var duration float64
	for scanner.Scan() {
		var msg mpvMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			m.log.Debug().Err(err).Msg("unparseable mpv message")
			continue
		}

		gen := m.gen.Load()
		switch msg.Event {
		case "file-loaded":
			m.emit(Telemetry{Generation: gen, Loaded: true, Duration: duration}, true)
		case "end-file":
			if msg.Reason == "eof" {
				m.emit(Telemetry{Generation: gen, EOFReached: true}, true)
			}
		case "property-change":
			switch msg.ID {
			case mpvPropTimePos:
				if pos, ok := msg.Data.(float64); ok {
					m.emit(Telemetry{Generation: gen, TimePosition: pos, Duration: duration}, false)
				}
			case mpvPropDuration:
				if d, ok := msg.Data.(float64); ok {
					duration = d
				}
			}
		}
	}

	select {
	case <-m.done:
		return
	default:
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("mpv connection closed")
	}
	m.emit(Telemetry{Generation: m.gen.Load(), Err: err}, true)
}

// emit forwards a telemetry report. Position updates are droppable when
// the consumer lags; lifecycle reports (loaded, eof, errors) are not.
func (m *MPV) emit(t Telemetry, critical bool) {
	if critical {
		select {
		case m.telemetry <- t:
		case <-m.done:
		}
		return
	}
	select {
	case m.telemetry <- t:
	default:
	}
}
