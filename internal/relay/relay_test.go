package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(opts, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + EndpointWebSocket + room
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Hub.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayForwardsToOthersInRoom(t *testing.T) {
	s, ts := newTestRelay(t, Options{})

	a := dial(t, ts, "cardboardhrv")
	b := dial(t, ts, "cardboardhrv")
	other := dial(t, ts, "elsewhere")
	waitClients(t, s, 3)
	require.Equal(t, 2, s.Hub.Rooms())

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ping"}`, string(data))

	// Neither the sender nor another room sees the frame.
	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = a.ReadMessage()
	require.Error(t, err)

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = other.ReadMessage()
	require.Error(t, err)
}

func TestRelayRemovesClosedClients(t *testing.T) {
	s, ts := newTestRelay(t, Options{})

	a := dial(t, ts, "cardboardhrv")
	dial(t, ts, "cardboardhrv")
	waitClients(t, s, 2)

	a.Close()
	waitClients(t, s, 1)
}

func TestRelayConnectionLimit(t *testing.T) {
	_, ts := newTestRelay(t, Options{MaxConnPerIP: 1})

	dial(t, ts, "cardboardhrv")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + EndpointWebSocket + "cardboardhrv"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRelayRejectsBadRequests(t *testing.T) {
	_, ts := newTestRelay(t, Options{AllowedOrigins: []string{"https://app.example"}})

	resp, err := http.Get(ts.URL + EndpointWebSocket + "bad%20name")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + EndpointWebSocket + "cardboardhrv"
	_, resp, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRelayHealth(t *testing.T) {
	s, ts := newTestRelay(t, Options{})
	dial(t, ts, "cardboardhrv")
	waitClients(t, s, 1)

	resp, err := http.Get(ts.URL + EndpointHealth)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Clients)
	require.Equal(t, 1, body.Rooms)
}
