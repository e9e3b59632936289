package connection

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cardboardhrv/internal/config"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/session"
	"cardboardhrv/internal/state"
	"cardboardhrv/internal/transport"
)

const waitFor = 3 * time.Second

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Connection.PingInterval = 50 * time.Millisecond
	cfg.Connection.PresenceTimeout = 300 * time.Millisecond
	cfg.Connection.InitTimeout = time.Second
	cfg.Connection.SendTimeout = time.Second
	cfg.Connection.RecordingTimeout = 150 * time.Millisecond
	return cfg
}

func newService(t *testing.T, factories ...transport.Factory) *Service {
	t.Helper()
	return newServiceWithStore(t, state.NewMemoryStore(), factories...)
}

func newServiceWithStore(t *testing.T, store state.Store, factories ...transport.Factory) *Service {
	t.Helper()
	s := New(Options{
		Config:    testConfig(),
		Store:     store,
		Factories: factories,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) watch(s *Service, names ...EventName) {
	for _, name := range names {
		s.On(name, l.record)
	}
}

func (l *eventLog) of(name EventName) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) wait(t *testing.T, name EventName, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.of(name)) >= n }, waitFor, 5*time.Millisecond,
		"waiting for %d %s events", n, name)
	return l.of(name)
}

func allEvents() []EventName {
	return []EventName{
		EventConnectionStatusChanged, EventDevicesPaired, EventDeviceDisconnected,
		EventHeartRateData, EventMessage, EventCameraFrame, EventRecordingStatusChanged,
	}
}

// pair brings up a desktop and a mobile service on a shared bus and waits
// until both report the pairing.
func pair(t *testing.T) (desktop, mobile *Service, desktopLog, mobileLog *eventLog) {
	t.Helper()
	bus := transport.NewDirectBus()
	desktop = newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	mobile = newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))

	desktopLog, mobileLog = &eventLog{}, &eventLog{}
	desktopLog.watch(desktop, allEvents()...)
	mobileLog.watch(mobile, allEvents()...)

	ctx := context.Background()
	require.True(t, desktop.Initialize(ctx, "ab12cd34", protocol.RoleDesktop))
	require.True(t, mobile.Initialize(ctx, "ab12cd34", protocol.RoleMobile))

	desktopLog.wait(t, EventDevicesPaired, 1)
	mobileLog.wait(t, EventDevicesPaired, 1)
	return desktop, mobile, desktopLog, mobileLog
}

func TestInitializeRejectsInvalidArguments(t *testing.T) {
	s := newService(t, transport.NewDirectFactory(transport.NewDirectBus(), zerolog.Nop()))
	ctx := context.Background()

	require.False(t, s.Initialize(ctx, "", protocol.RoleDesktop))
	require.False(t, s.Initialize(ctx, "has space", protocol.RoleDesktop))
	require.False(t, s.Initialize(ctx, "ab12cd34", protocol.Role("tablet")))
	require.Equal(t, session.StateDisconnected, s.State())
}

func TestInitializeWithoutTransportFails(t *testing.T) {
	s := newService(t)
	require.False(t, s.Initialize(context.Background(), "ab12cd34", protocol.RoleDesktop))
}

// gatedFactory blocks Open until released.
type gatedFactory struct {
	transport.Factory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *gatedFactory) Open(ctx context.Context, t transport.Target) (transport.Channel, error) {
	f.once.Do(func() { close(f.entered) })
	<-f.release
	return f.Factory.Open(ctx, t)
}

func TestConcurrentInitializeOnlyOneSucceeds(t *testing.T) {
	gate := &gatedFactory{
		Factory: transport.NewDirectFactory(transport.NewDirectBus(), zerolog.Nop()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newService(t, gate)
	ctx := context.Background()

	first := make(chan bool)
	go func() { first <- s.Initialize(ctx, "session-a", protocol.RoleDesktop) }()
	<-gate.entered

	require.False(t, s.Initialize(ctx, "session-b", protocol.RoleDesktop), "in-flight initialization rejects others")
	close(gate.release)
	require.True(t, <-first)

	require.False(t, s.Initialize(ctx, "session-c", protocol.RoleDesktop), "already initialized")
	require.Equal(t, "session-a", s.SessionID())
}

func TestDevicesPairedOnlyWithBothRoles(t *testing.T) {
	bus := transport.NewDirectBus()
	desktop := newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	var log eventLog
	log.watch(desktop, allEvents()...)

	require.True(t, desktop.Initialize(context.Background(), "ab12cd34", protocol.RoleDesktop))
	status := log.wait(t, EventConnectionStatusChanged, 1)
	require.Equal(t, session.StateConnecting, status[0].(ConnectionStatusChanged).Status)

	// A second desktop does not complete a pair.
	other := newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	require.True(t, other.Initialize(context.Background(), "ab12cd34", protocol.RoleDesktop))
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, log.of(EventDevicesPaired))
	require.Equal(t, session.StateConnecting, desktop.State())

	mobile := newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	require.True(t, mobile.Initialize(context.Background(), "ab12cd34", protocol.RoleMobile))

	paired := log.wait(t, EventDevicesPaired, 1)[0].(DevicesPaired)
	require.Equal(t, mobile.DeviceID(), paired.Mobile.DeviceID)
	// The most recently registered desktop is canonical.
	require.Equal(t, other.DeviceID(), paired.Desktop.DeviceID)
	require.Equal(t, session.StateConnected, desktop.State())

	peer, ok := desktop.Counterpart()
	require.True(t, ok)
	require.Equal(t, mobile.DeviceID(), peer.DeviceID)
}

func TestHeartRateRoundTrip(t *testing.T) {
	desktop, mobile, desktopLog, _ := pair(t)
	ctx := context.Background()

	ts := time.Now().UnixMilli()
	sample := protocol.HeartRateSample{HeartRate: 72, Timestamp: ts, RawValue: 128}
	require.True(t, mobile.SendHeartRateData(ctx, sample))
	// Redelivery of the same sample is suppressed.
	require.True(t, mobile.SendHeartRateData(ctx, sample))

	got := desktopLog.wait(t, EventHeartRateData, 1)
	require.True(t, desktop.Recording())
	time.Sleep(100 * time.Millisecond)
	require.Len(t, desktopLog.of(EventHeartRateData), 1)

	hr := got[0].(HeartRateData).Sample
	require.Equal(t, 72.0, hr.HeartRate)
	require.Equal(t, ts, hr.Timestamp)
	require.Equal(t, 128.0, hr.RawValue)
	require.Equal(t, mobile.DeviceID(), hr.SourceDeviceID)
}

type countingFactory struct {
	transport.Factory
	sends atomic.Int64
}

func (f *countingFactory) Open(ctx context.Context, t transport.Target) (transport.Channel, error) {
	ch, err := f.Factory.Open(ctx, t)
	if err != nil {
		return nil, err
	}
	return &countingChannel{Channel: ch, sends: &f.sends}, nil
}

type countingChannel struct {
	transport.Channel
	sends *atomic.Int64
}

func (c *countingChannel) Send(ctx context.Context, env protocol.Envelope) error {
	c.sends.Add(1)
	return c.Channel.Send(ctx, env)
}

func TestDesktopCannotSendSensorData(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.PingInterval = time.Hour
	counter := &countingFactory{Factory: transport.NewDirectFactory(transport.NewDirectBus(), zerolog.Nop())}
	desktop := New(Options{Config: cfg, Factories: []transport.Factory{counter}, Logger: zerolog.Nop()})
	defer desktop.Close(context.Background())

	ctx := context.Background()
	require.True(t, desktop.Initialize(ctx, "ab12cd34", protocol.RoleDesktop))
	before := counter.sends.Load()

	require.False(t, desktop.SendHeartRateData(ctx, protocol.HeartRateSample{HeartRate: 72}))
	require.False(t, desktop.SendCameraFrame(ctx, protocol.CameraFrame{ImageData: "data:image/jpeg;base64,AA=="}))
	require.Equal(t, before, counter.sends.Load(), "no traffic for rejected sends")

	require.True(t, desktop.SendMessage(ctx, "hello"))
	require.Equal(t, before+1, counter.sends.Load())
}

func TestMessagesAndOff(t *testing.T) {
	desktop, mobile, _, _ := pair(t)
	ctx := context.Background()

	var removed, kept eventLog
	sub := desktop.On(EventMessage, removed.record)
	desktop.On(EventMessage, kept.record)
	desktop.Off(sub)
	sub.Unsubscribe()

	require.True(t, mobile.SendMessage(ctx, "hello desktop"))

	msg := kept.wait(t, EventMessage, 1)[0].(MessageReceived).Message
	require.Equal(t, "hello desktop", msg.Text)
	require.Equal(t, protocol.RoleMobile, msg.FromRole)
	require.Equal(t, desktop.DeviceID(), msg.TargetDeviceID)
	require.Empty(t, removed.of(EventMessage))

	require.False(t, mobile.SendMessage(ctx, "   "))
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	desktop, mobile, _, _ := pair(t)

	var order []string
	var mu sync.Mutex
	desktop.On(EventMessage, func(Event) { panic("boom") })
	desktop.On(EventMessage, func(Event) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	require.True(t, mobile.SendMessage(context.Background(), "ping"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestCameraFrameMarksRecordingUntilTimeout(t *testing.T) {
	desktop, mobile, desktopLog, _ := pair(t)

	require.True(t, mobile.SendCameraFrame(context.Background(), protocol.CameraFrame{
		ImageData: "data:image/jpeg;base64,AA==",
		Width:     160,
		Height:    120,
		HeartRate: 70,
	}))

	frame := desktopLog.wait(t, EventCameraFrame, 1)[0].(CameraFrameReceived).Frame
	require.Equal(t, 160, frame.Width)

	changes := desktopLog.wait(t, EventRecordingStatusChanged, 2)
	require.True(t, changes[0].(RecordingStatusChanged).Recording)
	require.False(t, changes[1].(RecordingStatusChanged).Recording)
	require.False(t, desktop.Recording())
	require.Equal(t, session.StateConnected, desktop.State(), "recording is independent of pairing")
}

func TestDisconnect(t *testing.T) {
	desktop, mobile, desktopLog, mobileLog := pair(t)
	ctx := context.Background()

	mobile.Disconnect(ctx)

	lost := desktopLog.wait(t, EventDeviceDisconnected, 1)[0].(DeviceDisconnected)
	require.Equal(t, mobile.DeviceID(), lost.Device.DeviceID)
	require.Eventually(t, func() bool { return desktop.State() == session.StateConnecting }, waitFor, 5*time.Millisecond)

	statuses := mobileLog.wait(t, EventConnectionStatusChanged, 3)
	require.Equal(t, session.StateDisconnected, statuses[len(statuses)-1].(ConnectionStatusChanged).Status)

	require.False(t, mobile.SendHeartRateData(ctx, protocol.HeartRateSample{HeartRate: 70}))
	require.False(t, mobile.SendMessage(ctx, "anyone?"))
	require.Equal(t, session.StateDisconnected, mobile.State())

	// Disconnecting twice is a no-op.
	mobile.Disconnect(ctx)
}

func TestPresenceTimeout(t *testing.T) {
	bus := transport.NewDirectBus()
	desktop := newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	var log eventLog
	log.watch(desktop, allEvents()...)
	ctx := context.Background()
	require.True(t, desktop.Initialize(ctx, "ab12cd34", protocol.RoleDesktop))

	// A mobile that registers and then goes silent.
	ghost := transport.NewDirectChannel(bus, transport.Target{SessionID: "ab12cd34", DeviceID: "ghost"}, zerolog.Nop())
	defer ghost.Close()
	require.NoError(t, ghost.Send(ctx, protocol.Envelope{
		Type:      protocol.TypeInit,
		SessionID: "ab12cd34",
		DeviceID:  "ghost",
		Role:      protocol.RoleMobile,
		Timestamp: time.Now().UnixMilli(),
	}))

	log.wait(t, EventDevicesPaired, 1)
	lost := log.wait(t, EventDeviceDisconnected, 1)[0].(DeviceDisconnected)
	require.Equal(t, "ghost", lost.Device.DeviceID)
	require.Equal(t, session.StateConnecting, desktop.State())
}

func TestLastRegisteredMobileWins(t *testing.T) {
	bus := transport.NewDirectBus()
	desktop := newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	var log eventLog
	log.watch(desktop, EventDevicesPaired)
	ctx := context.Background()
	require.True(t, desktop.Initialize(ctx, "ab12cd34", protocol.RoleDesktop))

	phone := func(id string, registeredAt int64) {
		ch := transport.NewDirectChannel(bus, transport.Target{SessionID: "ab12cd34", DeviceID: id}, zerolog.Nop())
		t.Cleanup(func() { ch.Close() })
		require.NoError(t, ch.Send(ctx, protocol.Envelope{
			Type:      protocol.TypeInit,
			SessionID: "ab12cd34",
			DeviceID:  id,
			Role:      protocol.RoleMobile,
			Timestamp: registeredAt,
		}))
	}

	now := time.Now().UnixMilli()
	phone("old-phone", now)
	log.wait(t, EventDevicesPaired, 1)
	phone("new-phone", now+10)

	events := log.wait(t, EventDevicesPaired, 2)
	require.Equal(t, "old-phone", events[0].(DevicesPaired).Mobile.DeviceID)
	require.Equal(t, "new-phone", events[1].(DevicesPaired).Mobile.DeviceID)
}

func TestResumeUsesPersistedSession(t *testing.T) {
	store := state.NewMemoryStore()
	bus := transport.NewDirectBus()
	ctx := context.Background()

	first := newServiceWithStore(t, store, transport.NewDirectFactory(bus, zerolog.Nop()))
	require.False(t, first.Resume(ctx, protocol.RoleDesktop), "nothing to resume yet")
	require.True(t, first.Initialize(ctx, "ab12cd34", protocol.RoleDesktop))

	id, ok := store.Get(state.KeySessionID)
	require.True(t, ok)
	require.Equal(t, "ab12cd34", id)

	second := newServiceWithStore(t, store, transport.NewDirectFactory(transport.NewDirectBus(), zerolog.Nop()))
	require.True(t, second.Resume(ctx, protocol.RoleDesktop))
	require.Equal(t, "ab12cd34", second.SessionID())
	require.Equal(t, first.DeviceID(), second.DeviceID(), "device id is persisted")

	second.Disconnect(ctx)
	_, ok = store.Get(state.KeySessionID)
	require.False(t, ok)
}

func TestIDWindow(t *testing.T) {
	w := newIDWindow(2)
	require.True(t, w.add("a"))
	require.False(t, w.add("a"))
	require.True(t, w.add("b"))
	require.True(t, w.add("c"))
	require.True(t, w.add("a"), "evicted ids are accepted again")
}

// rawPhone attaches a bare direct channel as a mobile peer and registers it.
func rawPhone(t *testing.T, bus *transport.DirectBus, id string) *transport.DirectChannel {
	t.Helper()
	ch := transport.NewDirectChannel(bus, transport.Target{SessionID: "ab12cd34", DeviceID: id, Role: protocol.RoleMobile}, zerolog.Nop())
	t.Cleanup(func() { ch.Close() })
	require.NoError(t, ch.Send(context.Background(), protocol.Envelope{
		Type:      protocol.TypeInit,
		SessionID: "ab12cd34",
		DeviceID:  id,
		Role:      protocol.RoleMobile,
		Timestamp: time.Now().UnixMilli(),
	}))
	return ch
}

func TestMessagesWithoutIDAreDelivered(t *testing.T) {
	bus := transport.NewDirectBus()
	desktop := newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	var log eventLog
	log.watch(desktop, EventMessage)
	ctx := context.Background()
	require.True(t, desktop.Initialize(ctx, "ab12cd34", protocol.RoleDesktop))

	phone := rawPhone(t, bus, "phone")
	now := time.Now().UnixMilli()
	send := func(text string, ts int64) {
		require.NoError(t, phone.Send(ctx, protocol.Envelope{
			Type:      protocol.TypeMessage,
			SessionID: "ab12cd34",
			DeviceID:  "phone",
			Role:      protocol.RoleMobile,
			Timestamp: ts,
			Message:   &protocol.Message{Text: text, FromDeviceID: "phone", FromRole: protocol.RoleMobile, Timestamp: ts},
		}))
	}
	send("one", now)
	send("two", now+1)
	send("three", now+2)

	events := log.wait(t, EventMessage, 3)
	require.Equal(t, "one", events[0].(MessageReceived).Message.Text)
	require.Equal(t, "three", events[2].(MessageReceived).Message.Text)

	// A retransmission of the same id-less message is still suppressed.
	send("three", now+2)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, log.of(EventMessage), 3)
}

func TestZeroTimestampSamplesUseEnvelopeTime(t *testing.T) {
	bus := transport.NewDirectBus()
	desktop := newService(t, transport.NewDirectFactory(bus, zerolog.Nop()))
	var log eventLog
	log.watch(desktop, EventHeartRateData, EventCameraFrame)
	ctx := context.Background()
	require.True(t, desktop.Initialize(ctx, "ab12cd34", protocol.RoleDesktop))

	phone := rawPhone(t, bus, "phone")
	now := time.Now().UnixMilli()
	for i := int64(0); i < 2; i++ {
		require.NoError(t, phone.Send(ctx, protocol.Envelope{
			Type:      protocol.TypeHeartRateData,
			SessionID: "ab12cd34",
			DeviceID:  "phone",
			Role:      protocol.RoleMobile,
			Timestamp: now + i,
			HeartRate: &protocol.HeartRateSample{HeartRate: 70 + float64(i)},
		}))
		require.NoError(t, phone.Send(ctx, protocol.Envelope{
			Type:      protocol.TypeCameraFrame,
			SessionID: "ab12cd34",
			DeviceID:  "phone",
			Role:      protocol.RoleMobile,
			Timestamp: now + i,
			Frame:     &protocol.CameraFrame{ImageData: "data:image/jpeg;base64,AAAA"},
		}))
	}

	samples := log.wait(t, EventHeartRateData, 2)
	require.Equal(t, now+1, samples[1].(HeartRateData).Sample.Timestamp)
	require.Equal(t, "phone", samples[1].(HeartRateData).Sample.SourceDeviceID)
	log.wait(t, EventCameraFrame, 2)
}

func TestInitializeExpiresStaleSnapshot(t *testing.T) {
	dir := t.TempDir()
	stale := time.Now().Add(-time.Hour).UnixMilli()
	sess := session.New("ab12cd34", stale)
	sess.Apply(protocol.Envelope{
		Type:      protocol.TypeInit,
		SessionID: "ab12cd34",
		DeviceID:  "old-phone",
		Role:      protocol.RoleMobile,
		Timestamp: stale,
	})
	data, err := json.Marshal(map[string]any{"session": sess, "seq": 0, "log": []any{}})
	require.NoError(t, err)
	path := transport.PollingPath(dir, "ab12cd34")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	desktop := newService(t, transport.NewPollingFactory(dir, 20*time.Millisecond, zerolog.Nop()))
	var log eventLog
	log.watch(desktop, EventDevicesPaired, EventConnectionStatusChanged)
	require.True(t, desktop.Initialize(context.Background(), "ab12cd34", protocol.RoleDesktop))

	time.Sleep(200 * time.Millisecond)
	require.Empty(t, log.of(EventDevicesPaired))
	require.Equal(t, session.StateConnecting, desktop.State())
	for _, ev := range log.of(EventConnectionStatusChanged) {
		require.NotEqual(t, session.StateConnected, ev.(ConnectionStatusChanged).Status)
	}
}
