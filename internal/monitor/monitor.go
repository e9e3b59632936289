package monitor

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/connection"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/session"
)

// Point is one received heart-rate reading.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	HeartRate float64 `json:"value"`
	PPG       float64 `json:"ppg"`
}

// HRV holds variability metrics in milliseconds. They are derived from the
// reported rates, not from beat-to-beat timing, and carry no clinical value.
type HRV struct {
	RMSSD float64 `json:"rmssd"`
	SDNN  float64 `json:"sdnn"`
}

type Snapshot struct {
	Status    session.State
	SessionID string
	Transport string
	Paired    *connection.DevicesPaired
	Current   float64
	History   []Point
	HRV       HRV
	Recording bool
	LastFrame *protocol.CameraFrame
	Messages  []protocol.Message
}

// Monitor accumulates what a viewer displays from a connection service's
// events.
type Monitor struct {
	size int
	log  zerolog.Logger

	mu        sync.Mutex
	status    session.State
	sessionID string
	transport string
	paired    *connection.DevicesPaired
	history   []Point
	recording bool
	lastFrame *protocol.CameraFrame
	messages  []protocol.Message
}

func New(size int, log zerolog.Logger) *Monitor {
	if size <= 0 {
		size = constants.HistorySize
	}
	return &Monitor{
		size:   size,
		log:    log.With().Str("component", "monitor").Logger(),
		status: session.StateDisconnected,
	}
}

// Subscriber is the part of connection.Service the monitor listens on.
type Subscriber interface {
	On(name connection.EventName, h connection.Handler) connection.Subscription
}

// Attach registers the monitor for every viewer event and returns a function
// that removes the registrations.
func (m *Monitor) Attach(svc Subscriber) func() {
	names := []connection.EventName{
		connection.EventConnectionStatusChanged,
		connection.EventDevicesPaired,
		connection.EventDeviceDisconnected,
		connection.EventHeartRateData,
		connection.EventMessage,
		connection.EventCameraFrame,
		connection.EventRecordingStatusChanged,
	}
	subs := make([]connection.Subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, svc.On(name, m.Handle))
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

func (m *Monitor) Handle(ev connection.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case connection.ConnectionStatusChanged:
		m.status = e.Status
		m.sessionID = e.SessionID
		m.transport = e.Transport
		if e.Status != session.StateConnected {
			m.paired = nil
		}
	case connection.DevicesPaired:
		p := e
		m.paired = &p
		m.status = session.StateConnected
	case connection.DeviceDisconnected:
		m.log.Info().Str("device_id", e.Device.DeviceID).Str("role", string(e.Device.Role)).Msg("device left")
	case connection.HeartRateData:
		if e.Sample.HeartRate <= 0 || math.IsNaN(e.Sample.HeartRate) {
			m.log.Warn().Float64("bpm", e.Sample.HeartRate).Msg("ignoring invalid heart rate")
			return
		}
		m.history = append(m.history, Point{
			Timestamp: e.Sample.Timestamp,
			HeartRate: e.Sample.HeartRate,
			PPG:       e.Sample.RawValue,
		})
		if len(m.history) > m.size {
			m.history = append(m.history[:0], m.history[len(m.history)-m.size:]...)
		}
	case connection.MessageReceived:
		m.messages = append(m.messages, e.Message)
		if len(m.messages) > session.MaxMessages {
			m.messages = append(m.messages[:0], m.messages[len(m.messages)-session.MaxMessages:]...)
		}
	case connection.CameraFrameReceived:
		f := e.Frame
		m.lastFrame = &f
	case connection.RecordingStatusChanged:
		m.recording = e.Recording
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Status:    m.status,
		SessionID: m.sessionID,
		Transport: m.transport,
		History:   append([]Point(nil), m.history...),
		Recording: m.recording,
		Messages:  append([]protocol.Message(nil), m.messages...),
	}
	if m.paired != nil {
		p := *m.paired
		snap.Paired = &p
	}
	if m.lastFrame != nil {
		f := *m.lastFrame
		snap.LastFrame = &f
	}
	if n := len(m.history); n > 0 {
		snap.Current = m.history[n-1].HeartRate
	}
	snap.HRV = ComputeHRV(snap.History)
	return snap
}

// Reset clears the readings but keeps the connection status.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.lastFrame = nil
	m.messages = nil
}

// ComputeHRV converts each rate to an RR interval (60000/bpm) and returns
// the RMS of successive differences and the standard deviation of the
// intervals. Fewer than two points yield zeros.
func ComputeHRV(points []Point) HRV {
	rr := make([]float64, 0, len(points))
	for _, p := range points {
		if p.HeartRate > 0 {
			rr = append(rr, 60000/p.HeartRate)
		}
	}
	if len(rr) < 2 {
		return HRV{}
	}

	var sumSq, mean float64
	for i, v := range rr {
		mean += v
		if i > 0 {
			d := v - rr[i-1]
			sumSq += d * d
		}
	}
	mean /= float64(len(rr))

	var variance float64
	for _, v := range rr {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(rr))

	return HRV{
		RMSSD: math.Sqrt(sumSq / float64(len(rr)-1)),
		SDNN:  math.Sqrt(variance),
	}
}
