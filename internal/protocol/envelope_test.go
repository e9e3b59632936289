package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name: "ping",
			raw:  `{"type":"ping","sessionId":"abc","deviceId":"d1","role":"mobile","timestamp":1}`,
		},
		{
			name: "heart rate",
			raw:  `{"type":"heartRateData","sessionId":"abc","deviceId":"d1","timestamp":1,"heartRate":{"heartRate":72,"timestamp":1,"rawValue":128}}`,
		},
		{
			name:    "unknown tag",
			raw:     `{"type":"hello","sessionId":"abc","deviceId":"d1","timestamp":1}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "not json",
			raw:     `{"type":`,
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "missing session",
			raw:     `{"type":"ping","deviceId":"d1","role":"mobile","timestamp":1}`,
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "presence without role",
			raw:     `{"type":"init","sessionId":"abc","deviceId":"d1","timestamp":1}`,
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "bad role",
			raw:     `{"type":"ping","sessionId":"abc","deviceId":"d1","role":"tablet","timestamp":1}`,
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "heart rate without sample",
			raw:     `{"type":"heartRateData","sessionId":"abc","deviceId":"d1","timestamp":1}`,
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "frame without image",
			raw:     `{"type":"cameraFrame","sessionId":"abc","deviceId":"d1","timestamp":1,"frame":{"timestamp":1}}`,
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "message without body",
			raw:     `{"type":"message","sessionId":"abc","deviceId":"d1","timestamp":1}`,
			wantErr: ErrInvalidEnvelope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(Envelope{Type: TypeMessage, SessionID: "abc", DeviceID: "d1"})
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestRecordPrefersAttachedRegistration(t *testing.T) {
	env := Envelope{
		Type:      TypePing,
		SessionID: "abc",
		DeviceID:  "d1",
		Role:      RoleDesktop,
		Timestamp: 500,
		Device:    &DeviceRecord{RegisteredAt: 100},
	}

	rec := env.Record()
	require.Equal(t, int64(100), rec.RegisteredAt)
	require.Equal(t, int64(500), rec.LastSeen)
	require.Equal(t, DeviceOnline, rec.ConnectionState)
}

func TestRoleCounterpart(t *testing.T) {
	require.Equal(t, RoleDesktop, RoleMobile.Counterpart())
	require.Equal(t, RoleMobile, RoleDesktop.Counterpart())
	require.False(t, Role("watch").Valid())
}
