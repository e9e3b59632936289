package protocol

import (
	"strconv"
	"time"
)

type Role string

const (
	RoleMobile  Role = "mobile"
	RoleDesktop Role = "desktop"
)

// Valid reports whether r is one of the two participant roles.
func (r Role) Valid() bool {
	return r == RoleMobile || r == RoleDesktop
}

// Counterpart returns the role a device of role r pairs with.
func (r Role) Counterpart() Role {
	switch r {
	case RoleMobile:
		return RoleDesktop
	case RoleDesktop:
		return RoleMobile
	}
	return ""
}

type ConnectionState string

const (
	DeviceOnline  ConnectionState = "online"
	DeviceOffline ConnectionState = "offline"
)

type DeviceRecord struct {
	DeviceID        string          `json:"deviceId"`
	Role            Role            `json:"role"`
	LastSeen        int64           `json:"lastSeen"`
	RegisteredAt    int64           `json:"registeredAt"`
	ConnectionState ConnectionState `json:"connectionState"`
}

type HeartRateSample struct {
	HeartRate      float64 `json:"heartRate"`
	Timestamp      int64   `json:"timestamp"`
	RawValue       float64 `json:"rawValue"`
	SourceDeviceID string  `json:"sourceDeviceId,omitempty"`
}

type Message struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	FromDeviceID   string `json:"fromDeviceId"`
	FromRole       Role   `json:"fromRole"`
	Timestamp      int64  `json:"timestamp"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
}

// Broadcast reports whether the message is addressed to every device.
func (m Message) Broadcast() bool {
	return m.TargetDeviceID == ""
}

// DedupeKey identifies the message for duplicate suppression. Messages
// without an id are keyed by sender, timestamp and text.
func (m Message) DedupeKey() string {
	if m.ID != "" {
		return m.ID
	}
	return m.FromDeviceID + "|" + strconv.FormatInt(m.Timestamp, 10) + "|" + m.Text
}

type CameraFrame struct {
	ImageData      string  `json:"imageData"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	HeartRate      float64 `json:"heartRate,omitempty"`
	PPGValue       float64 `json:"ppgValue,omitempty"`
	Timestamp      int64   `json:"timestamp"`
	SourceDeviceID string  `json:"sourceDeviceId,omitempty"`
}

// Millis converts t to epoch milliseconds, the timestamp unit used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
