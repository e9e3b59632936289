package connection

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/session"
)

type EventName string

const (
	EventConnectionStatusChanged EventName = "connectionStatusChanged"
	EventDevicesPaired           EventName = "devicesPaired"
	EventDeviceDisconnected      EventName = "deviceDisconnected"
	EventHeartRateData           EventName = "heartRateData"
	EventMessage                 EventName = "message"
	EventCameraFrame             EventName = "cameraFrame"
	EventRecordingStatusChanged  EventName = "recordingStatusChanged"
)

// Event is the payload passed to handlers. Switch on the concrete type.
type Event interface {
	Name() EventName
}

type ConnectionStatusChanged struct {
	Status    session.State
	SessionID string
	Transport string
}

type DevicesPaired struct {
	SessionID string
	Mobile    protocol.DeviceRecord
	Desktop   protocol.DeviceRecord
}

type DeviceDisconnected struct {
	SessionID string
	Device    protocol.DeviceRecord
}

type HeartRateData struct {
	Sample protocol.HeartRateSample
}

type MessageReceived struct {
	Message protocol.Message
}

type CameraFrameReceived struct {
	Frame protocol.CameraFrame
}

type RecordingStatusChanged struct {
	Recording bool
}

func (ConnectionStatusChanged) Name() EventName { return EventConnectionStatusChanged }
func (DevicesPaired) Name() EventName           { return EventDevicesPaired }
func (DeviceDisconnected) Name() EventName      { return EventDeviceDisconnected }
func (HeartRateData) Name() EventName           { return EventHeartRateData }
func (MessageReceived) Name() EventName         { return EventMessage }
func (CameraFrameReceived) Name() EventName     { return EventCameraFrame }
func (RecordingStatusChanged) Name() EventName  { return EventRecordingStatusChanged }

type Handler func(Event)

// Subscription identifies one registered handler.
type Subscription struct {
	emitter *emitter
	name    EventName
	id      uint64
}

// Unsubscribe removes the handler. Calling it more than once is harmless.
func (s Subscription) Unsubscribe() {
	if s.emitter != nil {
		s.emitter.off(s)
	}
}

type registration struct {
	id uint64
	h  Handler
}

// emitter delivers events to handlers on a single goroutine, in emission
// order. The queue is unbounded so emitting never blocks, and handlers may
// call back into the service.
type emitter struct {
	log zerolog.Logger

	mu       sync.Mutex
	next     uint64
	handlers map[EventName][]registration

	qmu    sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

func newEmitter(log zerolog.Logger) *emitter {
	e := &emitter{
		log:      log,
		handlers: make(map[EventName][]registration),
		done:     make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.qmu)
	go e.run()
	return e
}

func (e *emitter) on(name EventName, h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.handlers[name] = append(e.handlers[name], registration{id: e.next, h: h})
	return Subscription{emitter: e, name: name, id: e.next}
}

func (e *emitter) off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.handlers[sub.name]
	for i, r := range regs {
		if r.id == sub.id {
			e.handlers[sub.name] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(ev Event) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

func (e *emitter) run() {
	defer close(e.done)
	for {
		e.qmu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.qmu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		e.dispatch(ev)
	}
}

func (e *emitter) dispatch(ev Event) {
	e.mu.Lock()
	regs := append([]registration(nil), e.handlers[ev.Name()]...)
	e.mu.Unlock()

	for _, r := range regs {
		e.call(ev, r.h)
	}
}

func (e *emitter) call(ev Event, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().
				Str("event", string(ev.Name())).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}

// close drains the queued events and stops the delivery goroutine.
func (e *emitter) close() {
	e.qmu.Lock()
	e.closed = true
	e.cond.Signal()
	e.qmu.Unlock()
	<-e.done
}
