package transport

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/protocol"
)

// handlerSet holds the subscribed handlers of one channel, called in
// subscription order.
type handlerSet struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]Handler
}

func (hs *handlerSet) add(h Handler) Unsubscribe {
	hs.mu.Lock()
	if hs.handlers == nil {
		hs.handlers = make(map[uint64]Handler)
	}
	hs.next++
	id := hs.next
	hs.handlers[id] = h
	hs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hs.mu.Lock()
			delete(hs.handlers, id)
			hs.mu.Unlock()
		})
	}
}

func (hs *handlerSet) dispatch(env protocol.Envelope) {
	hs.mu.RLock()
	ids := make([]uint64, 0, len(hs.handlers))
	for id := range hs.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, hs.handlers[id])
	}
	hs.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// receive decodes raw bytes from the wire and dispatches envelopes that
// belong to the session and were not sent by the local device.
func (hs *handlerSet) receive(log zerolog.Logger, t Target, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Msg("dropping undecodable envelope")
		return
	}
	if env.SessionID != t.SessionID || env.DeviceID == t.DeviceID {
		return
	}
	hs.dispatch(env)
}
