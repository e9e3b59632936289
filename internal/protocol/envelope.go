package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeInit                Type = "init"
	TypePing                Type = "ping"
	TypeHeartRateData       Type = "heartRateData"
	TypeCameraFrame         Type = "cameraFrame"
	TypeMessage             Type = "message"
	TypeConnectionStatus    Type = "connectionStatus"
	TypeDeviceConnected     Type = "deviceConnected"
	TypeDeviceDisconnected  Type = "deviceDisconnected"
	TypeConnectionConfirmed Type = "connectionConfirmed"
)

var (
	ErrUnknownType     = errors.New("unknown envelope type")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Envelope is the uniform message carried by every transport channel. Type
// is the discriminant; exactly the payload that belongs to the tag is set.
type Envelope struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
	Role      Role   `json:"role,omitempty"`
	Timestamp int64  `json:"timestamp"`

	Device    *DeviceRecord    `json:"device,omitempty"`
	HeartRate *HeartRateSample `json:"heartRate,omitempty"`
	Frame     *CameraFrame     `json:"frame,omitempty"`
	Message   *Message         `json:"message,omitempty"`
	Status    string           `json:"status,omitempty"`
}

// Known reports whether t is one of the envelope tags this protocol defines.
func (t Type) Known() bool {
	switch t {
	case TypeInit, TypePing, TypeHeartRateData, TypeCameraFrame, TypeMessage,
		TypeConnectionStatus, TypeDeviceConnected, TypeDeviceDisconnected, TypeConnectionConfirmed:
		return true
	}
	return false
}

// Presence reports whether envelopes of this type register or refresh the
// sender's device record.
func (t Type) Presence() bool {
	switch t {
	case TypeInit, TypePing, TypeDeviceConnected, TypeConnectionConfirmed:
		return true
	}
	return false
}

// Validate checks the envelope against the shape its tag requires.
func (e Envelope) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidEnvelope)
	}
	if e.DeviceID == "" {
		return fmt.Errorf("%w: missing deviceId", ErrInvalidEnvelope)
	}
	if e.Role != "" && !e.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidEnvelope, e.Role)
	}

	switch {
	case e.Type.Presence():
		if !e.Role.Valid() {
			return fmt.Errorf("%w: %s requires a role", ErrInvalidEnvelope, e.Type)
		}
	case e.Type == TypeHeartRateData:
		if e.HeartRate == nil {
			return fmt.Errorf("%w: heartRateData without sample", ErrInvalidEnvelope)
		}
	case e.Type == TypeCameraFrame:
		if e.Frame == nil || e.Frame.ImageData == "" {
			return fmt.Errorf("%w: cameraFrame without image", ErrInvalidEnvelope)
		}
	case e.Type == TypeMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: message without body", ErrInvalidEnvelope)
		}
	case e.Type == TypeConnectionStatus:
		if e.Status == "" {
			return fmt.Errorf("%w: connectionStatus without status", ErrInvalidEnvelope)
		}
	}
	return nil
}

// Record returns the device record the envelope describes, falling back to
// the envelope header when the sender did not attach one. Only an init
// envelope implies a registration time on its own.
func (e Envelope) Record() DeviceRecord {
	rec := DeviceRecord{
		DeviceID:        e.DeviceID,
		Role:            e.Role,
		LastSeen:        e.Timestamp,
		ConnectionState: DeviceOnline,
	}
	if e.Type == TypeInit {
		rec.RegisteredAt = e.Timestamp
	}
	if e.Device != nil {
		if e.Device.RegisteredAt != 0 {
			rec.RegisteredAt = e.Device.RegisteredAt
		}
		if e.Device.LastSeen > rec.LastSeen {
			rec.LastSeen = e.Device.LastSeen
		}
	}
	return rec
}

func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates raw envelope bytes received from a transport.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
