package player

import (
	"context"
	"sync"
)

// LoadCall records one Load issued to the mock.
type LoadCall struct {
	Path       string
	Generation uint64
}

// Mock is a scripted TransportDriver for tests. Commands are recorded;
// telemetry is injected by the test through the Ack/Send helpers.
type Mock struct {
	mu      sync.Mutex
	loads   []LoadCall
	plays   int
	pauses  int
	stops   int
	loadErr error

	telemetry chan Telemetry
}

func NewMock() *Mock {
	return &Mock{telemetry: make(chan Telemetry, 64)}
}

func (m *Mock) Load(_ context.Context, path string, generation uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loads = append(m.loads, LoadCall{Path: path, Generation: generation})
	return nil
}

func (m *Mock) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plays++
	return nil
}

func (m *Mock) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
	return nil
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *Mock) Seek(float64) error { return nil }

func (m *Mock) Telemetry() <-chan Telemetry { return m.telemetry }

func (m *Mock) Close() error { return nil }

// FailLoads makes subsequent Load calls return err (nil restores normal
// behavior).
func (m *Mock) FailLoads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// AckLoad reports a successful load for the given generation.
func (m *Mock) AckLoad(generation uint64, duration float64) {
	m.telemetry <- Telemetry{Generation: generation, Loaded: true, Duration: duration}
}

// SendEOF reports end-of-file for the given generation.
func (m *Mock) SendEOF(generation uint64) {
	m.telemetry <- Telemetry{Generation: generation, EOFReached: true}
}

// SendPosition reports a time position for the given generation.
func (m *Mock) SendPosition(generation uint64, pos float64) {
	m.telemetry <- Telemetry{Generation: generation, TimePosition: pos}
}

// SendError reports a transport failure for the given generation.
func (m *Mock) SendError(generation uint64, err error) {
	m.telemetry <- Telemetry{Generation: generation, Err: err}
}

// Loads returns the recorded Load calls.
func (m *Mock) Loads() []LoadCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LoadCall, len(m.loads))
	copy(out, m.loads)
	return out
}

// Counts returns how many Play, Pause and Stop commands were issued.
func (m *Mock) Counts() (plays, pauses, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plays, m.pauses, m.stops
}
