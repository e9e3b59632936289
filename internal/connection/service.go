package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cardboardhrv/internal/config"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/security"
	"cardboardhrv/internal/session"
	"cardboardhrv/internal/state"
	"cardboardhrv/internal/transport"
)

type Options struct {
	Config    *config.Config
	Store     state.Store
	Factories []transport.Factory
	Logger    zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service pairs the local device with its counterpart over one transport
// channel and exposes the session as events.
type Service struct {
	cfg       config.ConnectionConfig
	store     state.Store
	factories []transport.Factory
	log       zerolog.Logger
	now       func() time.Time

	events       *emitter
	recording    *recordingMonitor
	initializing atomic.Bool

	mu     sync.RWMutex
	active *activeSession
}

// activeSession is the state of one successful Initialize. Fields below the
// marker are owned by the loop goroutine.
type activeSession struct {
	sessionID    string
	deviceID     string
	role         protocol.Role
	registeredAt int64
	transport    string
	channel      transport.Channel
	unsub        transport.Unsubscribe
	dir          *session.Directory
	inbox        chan protocol.Envelope
	cancel       context.CancelFunc
	done         chan struct{}

	lastSample map[string]int64
	lastFrame  map[string]int64
	messages   *idWindow
}

func New(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	store := opts.Store
	if store == nil {
		store = state.NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		cfg:       cfg.Connection,
		store:     store,
		factories: opts.Factories,
		log:       opts.Logger.With().Str("component", "connection").Logger(),
		now:       now,
	}
	s.events = newEmitter(s.log)
	s.recording = newRecordingMonitor(s.cfg.RecordingTimeout, store, s.events.emit, s.log)
	return s
}

func (s *Service) nowMillis() int64 {
	return protocol.Millis(s.now())
}

func (s *Service) current() *activeSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// On registers h for the named event. Handlers run in registration order on
// a single delivery goroutine.
func (s *Service) On(name EventName, h Handler) Subscription {
	return s.events.on(name, h)
}

func (s *Service) Off(sub Subscription) {
	s.events.off(sub)
}

// Initialize joins sessionID as role. It returns false when the arguments are
// invalid, another initialization is running, the service is already
// initialized, or no transport could be brought up.
func (s *Service) Initialize(ctx context.Context, sessionID string, role protocol.Role) bool {
	log := s.log.With().Str("session_id", sessionID).Str("role", string(role)).Logger()

	if !security.ValidateSessionID(sessionID) {
		log.Warn().Msg("invalid session id")
		return false
	}
	if !role.Valid() {
		log.Warn().Msg("invalid role")
		return false
	}
	if !s.initializing.CompareAndSwap(false, true) {
		log.Warn().Msg("initialization already in progress")
		return false
	}
	defer s.initializing.Store(false)

	if a := s.current(); a != nil {
		log.Warn().Str("active_session", a.sessionID).Msg("already initialized, disconnect first")
		return false
	}

	deviceID, err := s.deviceIdentity()
	if err != nil {
		log.Warn().Err(err).Msg("device id not persisted")
	}

	a := &activeSession{
		sessionID:    sessionID,
		deviceID:     deviceID,
		role:         role,
		registeredAt: s.nowMillis(),
		dir:          session.NewDirectory(),
		inbox:        make(chan protocol.Envelope, constants.ClientSendQueue*4),
		done:         make(chan struct{}),
		lastSample:   make(map[string]int64),
		lastFrame:    make(map[string]int64),
		messages:     newIDWindow(constants.MessageDedupeWindow),
	}
	log = log.With().Str("device_id", deviceID).Logger()

	enqueue := func(env protocol.Envelope) {
		select {
		case a.inbox <- env:
		default:
			log.Warn().Str("type", string(env.Type)).Msg("inbox full, dropping envelope")
		}
	}

	setup := func(ctx context.Context, ch transport.Channel) error {
		unsub, err := ch.Subscribe(enqueue)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		if err := ch.Send(ctx, s.presence(a, protocol.TypeInit)); err != nil {
			unsub()
			return fmt.Errorf("register: %w", err)
		}
		a.unsub = unsub
		return nil
	}

	target := transport.Target{SessionID: sessionID, DeviceID: deviceID, Role: role}
	sel, err := transport.Select(ctx, log, s.factories, target, s.cfg.InitTimeout, setup)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize connection")
		return false
	}
	a.channel = sel.Channel
	a.transport = sel.Name

	var snapshot []protocol.DeviceRecord
	hasSnapshot := false
	if dr, ok := sel.Channel.(transport.DirectoryReader); ok {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
		snapshot, err = dr.Devices(rctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("directory read failed")
		} else {
			hasSnapshot = true
		}
	}

	if err := s.store.Set(state.KeySessionID, sessionID); err != nil {
		log.Warn().Err(err).Msg("session id not persisted")
	}

	a.dir.RegisterLocal(s.localRecord(a))
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	s.mu.Lock()
	s.active = a
	s.mu.Unlock()

	log.Info().Str("transport", a.transport).Msg("connection initialized")

	s.applyTransition(a)
	if hasSnapshot {
		a.dir.Replace(snapshot)
		a.dir.Expire(s.nowMillis(), s.cfg.PresenceTimeout)
		s.applyTransition(a)
	}

	go s.loop(loopCtx, a)

	if v, ok := s.store.Get(state.KeyWasRecording); ok && v == "true" {
		// Resume the indicator; it turns off unless data keeps arriving.
		s.recording.mark()
	}
	return true
}

// Resume initializes with the session id persisted by the last successful
// Initialize.
func (s *Service) Resume(ctx context.Context, role protocol.Role) bool {
	id, ok := s.store.Get(state.KeySessionID)
	if !ok || id == "" {
		s.log.Debug().Msg("no persisted session to resume")
		return false
	}
	return s.Initialize(ctx, id, role)
}

func (s *Service) deviceIdentity() (string, error) {
	if id, ok := s.store.Get(state.KeyDeviceID); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	return id, s.store.Set(state.KeyDeviceID, id)
}

func (s *Service) localRecord(a *activeSession) protocol.DeviceRecord {
	return protocol.DeviceRecord{
		DeviceID:        a.deviceID,
		Role:            a.role,
		LastSeen:        s.nowMillis(),
		RegisteredAt:    a.registeredAt,
		ConnectionState: protocol.DeviceOnline,
	}
}

func (s *Service) envelope(a *activeSession, t protocol.Type) protocol.Envelope {
	return protocol.Envelope{
		Type:      t,
		SessionID: a.sessionID,
		DeviceID:  a.deviceID,
		Role:      a.role,
		Timestamp: s.nowMillis(),
	}
}

// presence builds an envelope carrying the local device record.
func (s *Service) presence(a *activeSession, t protocol.Type) protocol.Envelope {
	env := s.envelope(a, t)
	rec := s.localRecord(a)
	env.Device = &rec
	return env
}

func (s *Service) loop(ctx context.Context, a *activeSession) {
	defer close(a.done)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-a.inbox:
			s.handleEnvelope(ctx, a, env)
		case <-ticker.C:
			s.tick(ctx, a)
		}
	}
}

func (s *Service) tick(ctx context.Context, a *activeSession) {
	a.dir.RegisterLocal(s.localRecord(a))
	if !s.send(ctx, a, s.presence(a, protocol.TypePing)) {
		s.log.Warn().Str("session_id", a.sessionID).Msg("ping failed")
	}

	if dr, ok := a.channel.(transport.DirectoryReader); ok {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		devices, err := dr.Devices(rctx)
		cancel()
		if err != nil {
			s.log.Debug().Err(err).Msg("directory read failed")
		} else {
			a.dir.Replace(devices)
		}
	}

	for _, rec := range a.dir.Expire(s.nowMillis(), s.cfg.PresenceTimeout) {
		s.log.Info().Str("device_id", rec.DeviceID).Str("role", string(rec.Role)).Msg("device presence timed out")
	}
	s.applyTransition(a)
}

func (s *Service) handleEnvelope(ctx context.Context, a *activeSession, env protocol.Envelope) {
	if env.SessionID != a.sessionID || env.DeviceID == a.deviceID {
		return
	}

	log := s.log.With().Str("type", string(env.Type)).Str("from", env.DeviceID).Logger()

	if env.Type != protocol.TypeDeviceDisconnected && env.Role.Valid() {
		a.dir.Upsert(env.Record())
	}

	switch env.Type {
	case protocol.TypeInit:
		log.Info().Str("role", string(env.Role)).Msg("device registered")
		if !s.send(ctx, a, s.presence(a, protocol.TypeConnectionConfirmed)) {
			log.Warn().Msg("failed to confirm connection")
		}

	case protocol.TypeDeviceDisconnected:
		a.dir.Remove(env.DeviceID)

	case protocol.TypeHeartRateData:
		sample := *env.HeartRate
		if sample.SourceDeviceID == "" {
			sample.SourceDeviceID = env.DeviceID
		}
		if sample.Timestamp == 0 {
			sample.Timestamp = env.Timestamp
		}
		if last, ok := a.lastSample[sample.SourceDeviceID]; ok && sample.Timestamp <= last {
			log.Debug().Int64("timestamp", sample.Timestamp).Msg("dropping stale heart rate sample")
			break
		}
		a.lastSample[sample.SourceDeviceID] = sample.Timestamp
		s.recording.mark()
		s.events.emit(HeartRateData{Sample: sample})

	case protocol.TypeCameraFrame:
		frame := *env.Frame
		if frame.SourceDeviceID == "" {
			frame.SourceDeviceID = env.DeviceID
		}
		if frame.Timestamp == 0 {
			frame.Timestamp = env.Timestamp
		}
		if last, ok := a.lastFrame[frame.SourceDeviceID]; ok && frame.Timestamp <= last {
			break
		}
		a.lastFrame[frame.SourceDeviceID] = frame.Timestamp
		s.recording.mark()
		s.events.emit(CameraFrameReceived{Frame: frame})

	case protocol.TypeMessage:
		msg := *env.Message
		if !msg.Broadcast() && msg.TargetDeviceID != a.deviceID {
			break
		}
		if msg.FromDeviceID == "" {
			msg.FromDeviceID = env.DeviceID
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = env.Timestamp
		}
		if !a.messages.add(msg.DedupeKey()) {
			log.Debug().Str("message_id", msg.ID).Msg("dropping duplicate message")
			break
		}
		s.events.emit(MessageReceived{Message: msg})

	case protocol.TypeConnectionStatus:
		log.Debug().Str("status", env.Status).Msg("peer status")
	}

	s.applyTransition(a)
}

// applyTransition emits the events for a change in pairing state.
func (s *Service) applyTransition(a *activeSession) {
	tr, changed := a.dir.Evaluate()
	if !changed {
		return
	}

	if tr.Lost != nil {
		s.log.Info().Str("device_id", tr.Lost.DeviceID).Msg("counterpart disconnected")
		s.events.emit(DeviceDisconnected{SessionID: a.sessionID, Device: *tr.Lost})
	}
	if tr.From != tr.To {
		s.log.Info().Str("from", string(tr.From)).Str("to", string(tr.To)).Msg("connection status changed")
		s.events.emit(ConnectionStatusChanged{Status: tr.To, SessionID: a.sessionID, Transport: a.transport})
	}
	if tr.To == session.StateConnected && tr.Pair != nil {
		s.events.emit(DevicesPaired{SessionID: a.sessionID, Mobile: tr.Pair.Mobile, Desktop: tr.Pair.Desktop})
	}
}

// send delivers env with the configured send timeout and reports success.
func (s *Service) send(ctx context.Context, a *activeSession, env protocol.Envelope) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Str("panic", fmt.Sprint(rec)).Str("type", string(env.Type)).Msg("send panicked")
			ok = false
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	if err := a.channel.Send(sctx, env); err != nil {
		s.log.Warn().Err(err).Str("type", string(env.Type)).Str("transport", a.transport).Msg("send failed")
		return false
	}
	return true
}

// SendHeartRateData publishes a sample. Only the mobile role produces
// samples.
func (s *Service) SendHeartRateData(ctx context.Context, sample protocol.HeartRateSample) bool {
	a := s.current()
	if a == nil {
		s.log.Warn().Msg("cannot send heart rate: not initialized")
		return false
	}
	if a.role != protocol.RoleMobile {
		s.log.Warn().Str("role", string(a.role)).Msg("only the mobile role sends heart rate data")
		return false
	}

	if sample.Timestamp == 0 {
		sample.Timestamp = s.nowMillis()
	}
	sample.SourceDeviceID = a.deviceID

	env := s.envelope(a, protocol.TypeHeartRateData)
	env.HeartRate = &sample
	return s.send(ctx, a, env)
}

// SendCameraFrame publishes an encoded preview frame. Mobile role only.
func (s *Service) SendCameraFrame(ctx context.Context, frame protocol.CameraFrame) bool {
	a := s.current()
	if a == nil {
		s.log.Warn().Msg("cannot send camera frame: not initialized")
		return false
	}
	if a.role != protocol.RoleMobile {
		s.log.Warn().Str("role", string(a.role)).Msg("only the mobile role sends camera frames")
		return false
	}
	if frame.ImageData == "" {
		s.log.Warn().Msg("camera frame without image data")
		return false
	}

	if frame.Timestamp == 0 {
		frame.Timestamp = s.nowMillis()
	}
	frame.SourceDeviceID = a.deviceID

	env := s.envelope(a, protocol.TypeCameraFrame)
	env.Frame = &frame
	return s.send(ctx, a, env)
}

// SendMessage sends text to the paired counterpart, or to everyone in the
// session when there is none.
func (s *Service) SendMessage(ctx context.Context, text string) bool {
	a := s.current()
	if a == nil {
		s.log.Warn().Msg("cannot send message: not initialized")
		return false
	}

	text = security.SanitizeText(text)
	if strings.TrimSpace(text) == "" {
		s.log.Warn().Msg("refusing to send empty message")
		return false
	}

	msg := protocol.Message{
		ID:           uuid.NewString(),
		Text:         text,
		FromDeviceID: a.deviceID,
		FromRole:     a.role,
		Timestamp:    s.nowMillis(),
	}
	if peer, ok := a.dir.Counterpart(); ok {
		msg.TargetDeviceID = peer.DeviceID
	}

	env := s.envelope(a, protocol.TypeMessage)
	env.Message = &msg
	return s.send(ctx, a, env)
}

// Disconnect leaves the session. Sends fail until the next Initialize.
func (s *Service) Disconnect(ctx context.Context) {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()

	if a == nil {
		return
	}

	if !s.send(ctx, a, s.envelope(a, protocol.TypeDeviceDisconnected)) {
		s.log.Warn().Str("session_id", a.sessionID).Msg("failed to announce disconnect")
	}

	a.cancel()
	<-a.done
	if a.unsub != nil {
		a.unsub()
	}
	if err := a.channel.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close channel")
	}

	a.dir.Reset()
	s.recording.stop()
	if err := s.store.Delete(state.KeySessionID); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear session id")
	}

	s.log.Info().Str("session_id", a.sessionID).Msg("disconnected")
	s.events.emit(ConnectionStatusChanged{Status: session.StateDisconnected, SessionID: a.sessionID, Transport: a.transport})
}

// Close disconnects and stops event delivery. It must not be called from an
// event handler.
func (s *Service) Close(ctx context.Context) {
	s.Disconnect(ctx)
	s.events.close()
}

func (s *Service) State() session.State {
	if a := s.current(); a != nil {
		return a.dir.State()
	}
	return session.StateDisconnected
}

func (s *Service) SessionID() string {
	if a := s.current(); a != nil {
		return a.sessionID
	}
	return ""
}

func (s *Service) DeviceID() string {
	if a := s.current(); a != nil {
		return a.deviceID
	}
	id, _ := s.store.Get(state.KeyDeviceID)
	return id
}

func (s *Service) Role() protocol.Role {
	if a := s.current(); a != nil {
		return a.role
	}
	return ""
}

// Transport names the selected channel kind.
func (s *Service) Transport() string {
	if a := s.current(); a != nil {
		return a.transport
	}
	return ""
}

func (s *Service) Counterpart() (protocol.DeviceRecord, bool) {
	if a := s.current(); a != nil {
		return a.dir.Counterpart()
	}
	return protocol.DeviceRecord{}, false
}

func (s *Service) Devices() []protocol.DeviceRecord {
	if a := s.current(); a != nil {
		return a.dir.Devices()
	}
	return nil
}

func (s *Service) Recording() bool {
	return s.recording.isRecording()
}
