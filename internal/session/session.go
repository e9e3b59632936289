package session

import (
	"cardboardhrv/internal/protocol"
)

// State is the client-local pairing state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	// StateConnected means both roles are present; the UI calls it "paired".
	StateConnected State = "connected"
)

// MaxMessages bounds how many messages a stored session keeps.
const MaxMessages = 100

// Session is the shared state of one pairing scope as persisted by the
// storage-backed transports.
type Session struct {
	ID              string                           `json:"id"`
	CreatedAt       int64                            `json:"createdAt"`
	UpdatedAt       int64                            `json:"updatedAt"`
	Devices         map[string]protocol.DeviceRecord `json:"devices"`
	LatestHeartRate *protocol.HeartRateSample        `json:"heartRateData,omitempty"`
	Messages        []protocol.Message               `json:"messages,omitempty"`
}

func New(id string, now int64) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Devices:   make(map[string]protocol.DeviceRecord),
	}
}

// Apply folds an envelope into the stored session. Only the sender's own
// device record is ever written.
func (s *Session) Apply(env protocol.Envelope) {
	if s.Devices == nil {
		s.Devices = make(map[string]protocol.DeviceRecord)
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = env.Timestamp
	}
	s.UpdatedAt = env.Timestamp

	switch {
	case env.Type.Presence():
		rec := env.Record()
		if existing, ok := s.Devices[env.DeviceID]; ok && existing.RegisteredAt != 0 && env.Type != protocol.TypeInit {
			rec.RegisteredAt = existing.RegisteredAt
		}
		if rec.RegisteredAt == 0 {
			rec.RegisteredAt = rec.LastSeen
		}
		s.Devices[env.DeviceID] = rec
	case env.Type == protocol.TypeDeviceDisconnected:
		delete(s.Devices, env.DeviceID)
	case env.Type == protocol.TypeHeartRateData:
		sample := *env.HeartRate
		s.LatestHeartRate = &sample
	case env.Type == protocol.TypeMessage:
		for _, m := range s.Messages {
			if m.DedupeKey() == env.Message.DedupeKey() {
				return
			}
		}
		s.Messages = append(s.Messages, *env.Message)
		if len(s.Messages) > MaxMessages {
			s.Messages = s.Messages[len(s.Messages)-MaxMessages:]
		}
	}
}

// DeviceList returns the device records in no particular order.
func (s *Session) DeviceList() []protocol.DeviceRecord {
	out := make([]protocol.DeviceRecord, 0, len(s.Devices))
	for _, rec := range s.Devices {
		out = append(out, rec)
	}
	return out
}
