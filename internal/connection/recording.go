package connection

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/state"
)

// recordingMonitor tracks whether the remote camera is producing data. Each
// mark keeps it on; silence for the timeout turns it off.
type recordingMonitor struct {
	timeout time.Duration
	store   state.Store
	emit    func(Event)
	log     zerolog.Logger

	mu        sync.Mutex
	recording bool
	timer     *time.Timer
	gen       uint64
}

func newRecordingMonitor(timeout time.Duration, store state.Store, emit func(Event), log zerolog.Logger) *recordingMonitor {
	return &recordingMonitor{timeout: timeout, store: store, emit: emit, log: log}
}

func (m *recordingMonitor) mark() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(gen) })
	m.setLocked(true)
}

func (m *recordingMonitor) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	m.log.Debug().Dur("timeout", m.timeout).Msg("no camera data, marking as not recording")
	m.setLocked(false)
}

func (m *recordingMonitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.setLocked(false)
}

func (m *recordingMonitor) setLocked(recording bool) {
	if recording == m.recording {
		return
	}
	m.recording = recording

	var err error
	if recording {
		err = m.store.Set(state.KeyWasRecording, "true")
	} else {
		err = m.store.Delete(state.KeyWasRecording)
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to persist recording flag")
	}
	m.emit(RecordingStatusChanged{Recording: recording})
}

func (m *recordingMonitor) isRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// idWindow remembers the most recent ids up to a fixed count.
type idWindow struct {
	size  int
	order []string
	seen  map[string]struct{}
}

func newIDWindow(size int) *idWindow {
	return &idWindow{size: size, seen: make(map[string]struct{}, size)}
}

// add reports whether id was not seen before.
func (w *idWindow) add(id string) bool {
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.size {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	return true
}
