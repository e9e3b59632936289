package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cardboardhrv/internal/config"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/session"
)

// RedisChannel keeps the session in Redis and fans envelopes out over a
// pub/sub channel. Presence keys expire on their own when a device stops
// pinging, which lets Devices drop vanished peers.
type RedisChannel struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	target   Target
	presence time.Duration
	log      zerolog.Logger
	handlers handlerSet

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
	once   sync.Once
}

type redisKeys struct {
	prefix string
}

func keysFor(sessionID string) redisKeys {
	return redisKeys{prefix: constants.RedisKeyPrefix + sessionID}
}

func (k redisKeys) meta() string      { return k.prefix + ":meta" }
func (k redisKeys) devices() string   { return k.prefix + ":devices" }
func (k redisKeys) heartRate() string { return k.prefix + ":heartRateData" }
func (k redisKeys) messages() string  { return k.prefix + ":messages" }
func (k redisKeys) events() string    { return k.prefix + ":events" }
func (k redisKeys) presence(deviceID string) string {
	return k.prefix + ":presence:" + deviceID
}

func NewRedisChannel(ctx context.Context, cfg config.RedisConfig, presence time.Duration, t Target, log zerolog.Logger) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	if presence <= 0 {
		presence = constants.PresenceTimeout
	}

	keys := keysFor(t.SessionID)
	pubsub := client.Subscribe(ctx, keys.events())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &RedisChannel{
		client:   client,
		pubsub:   pubsub,
		target:   t,
		presence: presence,
		log:      log.With().Str("transport", "redis").Str("addr", cfg.Addr).Logger(),
		ctx:      cctx,
		cancel:   cancel,
	}

	c.wg.Add(1)
	go c.listen()
	return c, nil
}

func (c *RedisChannel) listen() {
	defer c.wg.Done()

	msgs := c.pubsub.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handlers.receive(c.log, c.target, []byte(msg.Payload))
		}
	}
}

func (c *RedisChannel) Send(ctx context.Context, env protocol.Envelope) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	keys := keysFor(env.SessionID)
	ttl := constants.RedisSessionTTL

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, keys.meta(), "createdAt", env.Timestamp)
		pipe.HSet(ctx, keys.meta(), "updatedAt", env.Timestamp)
		pipe.Expire(ctx, keys.meta(), ttl)

		switch {
		case env.Type.Presence():
			rec := env.Record()
			if rec.RegisteredAt == 0 {
				rec.RegisteredAt = rec.LastSeen
			}
			recJSON, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, keys.devices(), env.DeviceID, recJSON)
			pipe.Expire(ctx, keys.devices(), ttl)
			pipe.Set(ctx, keys.presence(env.DeviceID), strconv.FormatInt(env.Timestamp, 10), c.presence)
		case env.Type == protocol.TypeDeviceDisconnected:
			pipe.HDel(ctx, keys.devices(), env.DeviceID)
			pipe.Del(ctx, keys.presence(env.DeviceID))
		case env.Type == protocol.TypeHeartRateData:
			sample, err := json.Marshal(env.HeartRate)
			if err != nil {
				return err
			}
			pipe.Set(ctx, keys.heartRate(), sample, ttl)
		case env.Type == protocol.TypeMessage:
			msg, err := json.Marshal(env.Message)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: keys.messages(),
				MaxLen: session.MaxMessages,
				Approx: true,
				Values: map[string]any{"id": env.Message.ID, "message": msg},
			})
			pipe.Expire(ctx, keys.messages(), ttl)
		}

		pipe.Publish(ctx, keys.events(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis send %s: %w", env.Type, err)
	}
	return nil
}

func (c *RedisChannel) Subscribe(h Handler) (Unsubscribe, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return c.handlers.add(h), nil
}

// Devices reads the device directory. Records whose presence key has expired
// are removed from the directory and left out of the result.
func (c *RedisChannel) Devices(ctx context.Context) ([]protocol.DeviceRecord, error) {
	keys := keysFor(c.target.SessionID)

	raw, err := c.client.HGetAll(ctx, keys.devices()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}

	alive := make(map[string]*redis.IntCmd, len(ids))
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			alive[id] = pipe.Exists(ctx, keys.presence(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	var out []protocol.DeviceRecord
	var stale []string
	for _, id := range ids {
		if alive[id].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		var rec protocol.DeviceRecord
		if err := json.Unmarshal([]byte(raw[id]), &rec); err != nil {
			c.log.Warn().Err(err).Str("device_id", id).Msg("dropping malformed device record")
			stale = append(stale, id)
			continue
		}
		out = append(out, rec)
	}

	if len(stale) > 0 {
		if err := c.client.HDel(ctx, keys.devices(), stale...).Err(); err != nil {
			c.log.Warn().Err(err).Msg("failed to remove stale devices")
		} else {
			c.log.Debug().Strs("device_ids", stale).Msg("removed devices with expired presence")
		}
	}
	return out, nil
}

// LatestHeartRate returns the most recently stored sample, if any.
func (c *RedisChannel) LatestHeartRate(ctx context.Context) (*protocol.HeartRateSample, error) {
	data, err := c.client.Get(ctx, keysFor(c.target.SessionID).heartRate()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sample protocol.HeartRateSample
	if err := json.Unmarshal([]byte(data), &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

// Messages returns the stored messages in arrival order.
func (c *RedisChannel) Messages(ctx context.Context) ([]protocol.Message, error) {
	entries, err := c.client.XRange(ctx, keysFor(c.target.SessionID).messages(), "-", "+").Result()
	if err != nil {
		return nil, err
	}

	out := make([]protocol.Message, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["message"].(string)
		if !ok {
			continue
		}
		var m protocol.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *RedisChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.pubsub.Close()
		c.wg.Wait()
		err = c.client.Close()
	})
	return err
}

type redisFactory struct {
	cfg      config.RedisConfig
	presence time.Duration
	log      zerolog.Logger
}

func NewRedisFactory(cfg config.RedisConfig, presence time.Duration, log zerolog.Logger) Factory {
	return &redisFactory{cfg: cfg, presence: presence, log: log}
}

func (f *redisFactory) Name() string { return "redis" }

func (f *redisFactory) Open(ctx context.Context, t Target) (Channel, error) {
	return NewRedisChannel(ctx, f.cfg, f.presence, t, f.log)
}
