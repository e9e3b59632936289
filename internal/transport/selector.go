package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/config"
)

// SetupFunc finishes bringing up a freshly opened channel, typically by
// subscribing and sending the registration envelope. An error rejects the
// candidate.
type SetupFunc func(ctx context.Context, ch Channel) error

// Selected is the channel that won selection.
type Selected struct {
	Channel Channel
	Name    string
}

// Select tries each factory in order and returns the first channel that opens
// and completes setup within timeout. Rejected channels are closed.
func Select(ctx context.Context, log zerolog.Logger, factories []Factory, t Target, timeout time.Duration, setup SetupFunc) (Selected, error) {
	var errs []error

	for _, f := range factories {
		if err := ctx.Err(); err != nil {
			return Selected{}, err
		}

		ch, err := tryCandidate(ctx, f, t, timeout, setup)
		if err != nil {
			log.Warn().Err(err).Str("transport", f.Name()).Msg("transport unavailable, trying next")
			errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
			continue
		}

		log.Info().Str("transport", f.Name()).Str("session_id", t.SessionID).Msg("transport selected")
		return Selected{Channel: ch, Name: f.Name()}, nil
	}

	return Selected{}, errors.Join(append([]error{ErrNoCandidate}, errs...)...)
}

func tryCandidate(ctx context.Context, f Factory, t Target, timeout time.Duration, setup SetupFunc) (Channel, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := f.Open(cctx, t)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		if err := setup(cctx, ch); err != nil {
			ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

// Candidates builds the ordered candidate list from configuration: the hosted
// database when an address is set, the in-process bus when one is supplied,
// the relay when a URL is set, and the polling store always.
func Candidates(cfg *config.Config, bus *DirectBus, log zerolog.Logger) []Factory {
	var out []Factory

	if cfg.Redis.Addr != "" {
		out = append(out, NewRedisFactory(cfg.Redis, cfg.Connection.PresenceTimeout, log))
	}
	if bus != nil {
		out = append(out, NewDirectFactory(bus, log))
	}
	if cfg.Relay.URL != "" {
		out = append(out, NewBroadcastFactory(cfg.Relay.URL, cfg.Relay.Channel, log))
	}
	out = append(out, NewPollingFactory(cfg.Polling.Dir, cfg.Polling.Interval, log))

	return out
}
