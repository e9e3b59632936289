package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/security"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
	Uptime  string `json:"uptime"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Version: constants.Version,
		Rooms:   s.Hub.Rooms(),
		Clients: s.Hub.Clients(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := s.Proxies.ClientIP(r)

	room := strings.Trim(strings.TrimPrefix(r.URL.Path, EndpointWebSocket), "/")
	if !security.ValidateChannelName(room) {
		http.Error(w, "Invalid channel name", http.StatusBadRequest)
		return
	}

	if !security.ValidateOrigin(r, s.opts.AllowedOrigins) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	if !s.ConnLimiter.TryConnect(clientIP) {
		s.log.Warn().Str("ip", clientIP).Msg("connection limit exceeded")
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  constants.WSBufferSize,
		WriteBufferSize: constants.WSBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true // checked above
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.ConnLimiter.Disconnect(clientIP)
		s.log.Warn().Err(err).Str("ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	c := s.Hub.join(room, conn, clientIP)
	go c.writePump()
	go func() {
		defer s.ConnLimiter.Disconnect(clientIP)
		c.readPump()
		s.log.Debug().Str("room", room).Str("ip", clientIP).Msg("client left")
	}()
}
