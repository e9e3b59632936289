package state

import "errors"

// Keys of the client-local values that let a restarted process resume its
// session without re-presenting the pairing code.
const (
	KeySessionID    = "cardboardhrv-session-id"
	KeyDeviceID     = "cardboardhrv-device-id"
	KeyWasRecording = "cardboardhrv-was-recording"
)

var ErrClosed = errors.New("state store closed")

// Store is the key-value persistence port injected into the connection
// service.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}
