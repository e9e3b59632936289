package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/protocol"
)

// DirectBus connects channels living in the same process, such as a desktop
// view and the mobile view it opened. Every post reaches every other
// endpoint on the bus.
type DirectBus struct {
	mu        sync.RWMutex
	endpoints map[*DirectChannel]struct{}
}

func NewDirectBus() *DirectBus {
	return &DirectBus{endpoints: make(map[*DirectChannel]struct{})}
}

func (b *DirectBus) attach(c *DirectChannel) {
	b.mu.Lock()
	b.endpoints[c] = struct{}{}
	b.mu.Unlock()
}

func (b *DirectBus) detach(c *DirectChannel) {
	b.mu.Lock()
	delete(b.endpoints, c)
	b.mu.Unlock()
}

func (b *DirectBus) post(origin *DirectChannel, data []byte) {
	b.mu.RLock()
	peers := make([]*DirectChannel, 0, len(b.endpoints))
	for c := range b.endpoints {
		if c != origin {
			peers = append(peers, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range peers {
		select {
		case c.inbox <- data:
		case <-c.done:
		default:
			c.log.Warn().Msg("direct channel inbox full, dropping envelope")
		}
	}
}

// Endpoints returns how many channels are attached.
func (b *DirectBus) Endpoints() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

// DirectChannel is one endpoint on a DirectBus.
type DirectChannel struct {
	bus      *DirectBus
	target   Target
	log      zerolog.Logger
	handlers handlerSet

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDirectChannel(bus *DirectBus, t Target, log zerolog.Logger) *DirectChannel {
	c := &DirectChannel{
		bus:    bus,
		target: t,
		log:    log.With().Str("transport", "direct").Logger(),
		inbox:  make(chan []byte, constants.ClientSendQueue),
		done:   make(chan struct{}),
	}
	bus.attach(c)

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *DirectChannel) run() {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.inbox:
			c.handlers.receive(c.log, c.target, data)
		case <-c.done:
			return
		}
	}
}

func (c *DirectChannel) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.bus.post(c, data)
	return nil
}

func (c *DirectChannel) Subscribe(h Handler) (Unsubscribe, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	return c.handlers.add(h), nil
}

func (c *DirectChannel) Close() error {
	c.closeOnce.Do(func() {
		c.bus.detach(c)
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

type directFactory struct {
	bus *DirectBus
	log zerolog.Logger
}

func NewDirectFactory(bus *DirectBus, log zerolog.Logger) Factory {
	return &directFactory{bus: bus, log: log}
}

func (f *directFactory) Name() string { return "direct" }

func (f *directFactory) Open(ctx context.Context, t Target) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewDirectChannel(f.bus, t, f.log), nil
}
