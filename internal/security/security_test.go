package security

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"ab12cd34", true},
		{"demo-session_1", true},
		{"", false},
		{"has space", false},
		{"../etc", false},
		{"a/b", false},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, ValidateSessionID(tt.id), "id %q", tt.id)
	}
}

func TestValidateChannelName(t *testing.T) {
	require.True(t, ValidateChannelName("cardboardhrv"))
	require.False(t, ValidateChannelName(""))
	require.False(t, ValidateChannelName("a/b"))
}

func TestValidateOrigin(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/cardboardhrv", nil)
	require.True(t, ValidateOrigin(r, []string{"https://app.example"}))

	r.Header.Set("Origin", "https://app.example")
	require.True(t, ValidateOrigin(r, nil))
	require.True(t, ValidateOrigin(r, []string{"https://app.example"}))
	require.False(t, ValidateOrigin(r, []string{"https://other.example"}))
	require.True(t, ValidateOrigin(r, []string{"*"}))
}

func TestSanitizeText(t *testing.T) {
	require.Equal(t, "hello\nworld", SanitizeText("hel\x00lo\n\x07world"))
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)

	require.True(t, cl.TryConnect("1.2.3.4"))
	require.True(t, cl.TryConnect("1.2.3.4"))
	require.False(t, cl.TryConnect("1.2.3.4"))
	require.True(t, cl.TryConnect("5.6.7.8"))

	cl.Disconnect("1.2.3.4")
	require.Equal(t, 1, cl.Active("1.2.3.4"))
	require.True(t, cl.TryConnect("1.2.3.4"))

	cl.Disconnect("9.9.9.9")
	require.Zero(t, cl.Active("9.9.9.9"))
}

func TestProxyPolicyClientIP(t *testing.T) {
	p := NewProxyPolicy(ParseProxyList(""))

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", p.ClientIP(r))

	r.RemoteAddr = "198.51.100.2:5555"
	require.Equal(t, "198.51.100.2", p.ClientIP(r))

	strict := NewProxyPolicy(ParseProxyList("192.0.2.0/24, bogus"))
	r.RemoteAddr = "127.0.0.1:5555"
	require.Equal(t, "127.0.0.1", strict.ClientIP(r))
}
