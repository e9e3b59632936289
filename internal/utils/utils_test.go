package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRelayWSURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8090":  "ws://localhost:8090/ws/cardboardhrv",
		"https://relay.example/": "wss://relay.example/ws/cardboardhrv",
		"ws://localhost:8090":    "ws://localhost:8090/ws/cardboardhrv",
		"wss://relay.example":    "wss://relay.example/ws/cardboardhrv",
		"relay.example:8090":     "ws://relay.example:8090/ws/cardboardhrv",
	}
	for in, want := range tests {
		require.Equal(t, want, RelayWSURL(in, "cardboardhrv"), in)
	}
}

func TestPairingURLRoundTrip(t *testing.T) {
	link := PairingURL("http://localhost:5173/connect-mobile", "ab12cd34")
	require.Equal(t, "http://localhost:5173/connect-mobile?session=ab12cd34", link)
	require.Equal(t, "ab12cd34", ExtractSessionID(link))
	require.Equal(t, "ab12cd34", ExtractSessionID("ab12cd34"))
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "42s", FormatDuration(42*time.Second))
	require.Equal(t, "3m05s", FormatDuration(3*time.Minute+5*time.Second))
	require.Equal(t, "2h10m", FormatDuration(2*time.Hour+10*time.Minute))
}
