package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/utils"
)

// BroadcastChannel publishes envelopes to a named relay channel. Every other
// connection on the same name receives them; the relay never echoes back.
type BroadcastChannel struct {
	conn     *websocket.Conn
	target   Target
	log      zerolog.Logger
	handlers handlerSet

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialBroadcast connects to the relay at base, retrying with exponential
// backoff until ctx expires.
func DialBroadcast(ctx context.Context, base, channel string, t Target, log zerolog.Logger) (*BroadcastChannel, error) {
	wsURL := utils.RelayWSURL(base, channel)
	log = log.With().Str("transport", "broadcast").Str("url", wsURL).Logger()

	dialer := &websocket.Dialer{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.WSHandshakeTimeout,
	}

	dial := func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, backoff.Permanent(fmt.Errorf("relay not found at %s", wsURL))
			}
			log.Debug().Err(err).Msg("relay dial failed")
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	conn.SetReadLimit(int64(constants.MaxWSMessageSize))

	c := &BroadcastChannel{
		conn:   conn,
		target: t,
		log:    log,
		send:   make(chan []byte, constants.ClientSendQueue),
		done:   make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	log.Debug().Msg("relay connected")
	return c, nil
}

func (c *BroadcastChannel) readPump() {
	defer c.wg.Done()
	defer c.shutdown()

	c.conn.SetReadDeadline(time.Now().Add(constants.WSPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WSPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		c.handlers.receive(c.log, c.target, data)
	}
}

func (c *BroadcastChannel) writePump() {
	defer c.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(constants.WSPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("relay write failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *BroadcastChannel) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *BroadcastChannel) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *BroadcastChannel) Subscribe(h Handler) (Unsubscribe, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	return c.handlers.add(h), nil
}

func (c *BroadcastChannel) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

type broadcastFactory struct {
	url     string
	channel string
	log     zerolog.Logger
}

func NewBroadcastFactory(url, channel string, log zerolog.Logger) Factory {
	return &broadcastFactory{url: url, channel: channel, log: log}
}

func (f *broadcastFactory) Name() string { return "broadcast" }

func (f *broadcastFactory) Open(ctx context.Context, t Target) (Channel, error) {
	return DialBroadcast(ctx, f.url, f.channel, t, f.log)
}
