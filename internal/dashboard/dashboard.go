package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cardboardhrv/internal/connection"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/monitor"
	"cardboardhrv/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  constants.WSBufferSize,
	WriteBufferSize: constants.WSBufferSize,
}

// Dashboard serves the viewer's live readings on a local HTTP port: JSON
// snapshots for polling clients and a websocket feed of updates.
type Dashboard struct {
	mon *monitor.Monitor
	log zerolog.Logger

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]chan []byte

	server *http.Server
}

type view struct {
	Status      string                 `json:"status"`
	SessionID   string                 `json:"sessionId"`
	Transport   string                 `json:"transport"`
	Mobile      *protocol.DeviceRecord `json:"mobile,omitempty"`
	HeartRate   float64                `json:"heartRate"`
	HRV         monitor.HRV            `json:"hrv"`
	Recording   bool                   `json:"recording"`
	LastFrameAt int64                  `json:"lastFrameAt,omitempty"`
	History     []monitor.Point        `json:"history"`
}

type update struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func New(mon *monitor.Monitor, log zerolog.Logger) *Dashboard {
	return &Dashboard{
		mon:     mon,
		log:     log.With().Str("component", "dashboard").Logger(),
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWebSocket)
	mux.HandleFunc("/api/snapshot", d.handleSnapshot)
	mux.HandleFunc("/api/frame", d.handleFrame)
	return mux
}

// Start listens on addr and serves in the background.
func (d *Dashboard) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	d.server = &http.Server{
		Handler:      d.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error().Err(err).Msg("dashboard server error")
		}
	}()

	d.log.Info().Str("addr", ln.Addr().String()).Msg("dashboard listening")
	return ln.Addr(), nil
}

func (d *Dashboard) Stop() error {
	d.clientsMu.Lock()
	for conn, send := range d.clients {
		close(send)
		delete(d.clients, conn)
	}
	d.clientsMu.Unlock()

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DashboardShutdownTimeout)
		defer cancel()
		return d.server.Shutdown(ctx)
	}
	return nil
}

// Attach pushes an update to websocket clients whenever the service reports
// a reading or a change in pairing. Register the monitor first so the pushed
// view already includes the event.
func (d *Dashboard) Attach(svc monitor.Subscriber) func() {
	push := func(ev connection.Event) {
		d.broadcast(update{Type: string(ev.Name()), Data: d.view()})
	}
	names := []connection.EventName{
		connection.EventConnectionStatusChanged,
		connection.EventDevicesPaired,
		connection.EventDeviceDisconnected,
		connection.EventHeartRateData,
		connection.EventRecordingStatusChanged,
	}
	subs := make([]connection.Subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, svc.On(name, push))
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

func (d *Dashboard) Clients() int {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	return len(d.clients)
}

func (d *Dashboard) view() view {
	s := d.mon.Snapshot()
	v := view{
		Status:    string(s.Status),
		SessionID: s.SessionID,
		Transport: s.Transport,
		HeartRate: s.Current,
		HRV:       s.HRV,
		Recording: s.Recording,
		History:   s.History,
	}
	if s.Paired != nil {
		m := s.Paired.Mobile
		v.Mobile = &m
	}
	if s.LastFrame != nil {
		v.LastFrameAt = s.LastFrame.Timestamp
	}
	if v.History == nil {
		v.History = []monitor.Point{}
	}
	return v
}

func (d *Dashboard) broadcast(u update) {
	data, err := json.Marshal(u)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to encode update")
		return
	}

	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	for conn, send := range d.clients {
		select {
		case send <- data:
		default:
			d.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("dropping slow dashboard client")
			close(send)
			delete(d.clients, conn)
		}
	}
}

func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	initial, err := json.Marshal(update{Type: "snapshot", Data: d.view()})
	if err != nil {
		conn.Close()
		return
	}
	send := make(chan []byte, constants.DashboardClientQueue)
	send <- initial

	d.clientsMu.Lock()
	d.clients[conn] = send
	d.clientsMu.Unlock()

	go d.writePump(conn, send)

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	d.clientsMu.Lock()
	if _, ok := d.clients[conn]; ok {
		close(send)
		delete(d.clients, conn)
	}
	d.clientsMu.Unlock()
}

func (d *Dashboard) writePump(conn *websocket.Conn, send <-chan []byte) {
	defer conn.Close()
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (d *Dashboard) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.view())
}

func (d *Dashboard) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame := d.mon.Snapshot().LastFrame
	if frame == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frame)
}
