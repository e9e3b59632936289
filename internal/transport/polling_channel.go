package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/session"
	"cardboardhrv/internal/state"
)

// pollingDoc is the shared document of one session. Log holds the most recent
// envelopes with increasing sequence numbers.
type pollingDoc struct {
	Session *session.Session `json:"session"`
	Seq     uint64           `json:"seq"`
	Log     []pollingEntry   `json:"log"`
}

type pollingEntry struct {
	Seq      uint64          `json:"seq"`
	Envelope json.RawMessage `json:"envelope"`
}

// fileLocks serializes read-modify-write cycles on the same document within
// this process. Writers in other processes are not coordinated.
var fileLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PollingChannel shares envelopes through a JSON document on disk that every
// participant polls.
type PollingChannel struct {
	path     string
	target   Target
	interval time.Duration
	log      zerolog.Logger
	handlers handlerSet

	lastSeq   uint64
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func PollingPath(dir, sessionID string) string {
	return filepath.Join(dir, constants.PollingFilePrefix+sessionID+".json")
}

func NewPollingChannel(dir string, interval time.Duration, t Target, log zerolog.Logger) (*PollingChannel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create polling directory: %w", err)
	}
	if interval <= 0 {
		interval = constants.PollInterval
	}

	c := &PollingChannel{
		path:     PollingPath(dir, t.SessionID),
		target:   t,
		interval: interval,
		log:      log.With().Str("transport", "polling").Logger(),
		done:     make(chan struct{}),
	}

	doc, err := c.read()
	if err != nil {
		return nil, err
	}
	c.lastSeq = doc.Seq

	var watcher *fsnotify.Watcher
	if w, err := fsnotify.NewWatcher(); err != nil {
		c.log.Debug().Err(err).Msg("file notifications unavailable, polling only")
	} else if err := w.Add(dir); err != nil {
		c.log.Debug().Err(err).Msg("cannot watch polling directory, polling only")
		w.Close()
	} else {
		watcher = w
	}

	c.wg.Add(1)
	go c.run(watcher)
	return c, nil
}

func (c *PollingChannel) read() (*pollingDoc, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return &pollingDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session document: %w", err)
	}

	var doc pollingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse session document: %w", err)
	}
	return &doc, nil
}

func (c *PollingChannel) run(watcher *fsnotify.Watcher) {
	defer c.wg.Done()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	name := filepath.Base(c.path)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.poll()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				c.poll()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.Debug().Err(err).Msg("file watcher error")
		}
	}
}

func (c *PollingChannel) poll() {
	doc, err := c.read()
	if err != nil {
		c.log.Warn().Err(err).Msg("poll failed")
		return
	}

	if doc.Seq < c.lastSeq {
		// The document was reset underneath us.
		c.lastSeq = doc.Seq
		return
	}

	for _, entry := range doc.Log {
		if entry.Seq <= c.lastSeq {
			continue
		}
		c.lastSeq = entry.Seq
		c.handlers.receive(c.log, c.target, entry.Envelope)
	}
	if doc.Seq > c.lastSeq {
		c.lastSeq = doc.Seq
	}
}

func (c *PollingChannel) Send(ctx context.Context, env protocol.Envelope) error {
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

	mu := lockFor(c.path)
	mu.Lock()
	defer mu.Unlock()

	doc, err := c.read()
	if err != nil {
		return err
	}
	if doc.Session == nil {
		doc.Session = session.New(c.target.SessionID, env.Timestamp)
	}
	doc.Session.Apply(env)

	doc.Seq++
	doc.Log = append(doc.Log, pollingEntry{Seq: doc.Seq, Envelope: data})
	if len(doc.Log) > constants.PollingLogSize {
		doc.Log = doc.Log[len(doc.Log)-constants.PollingLogSize:]
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode session document: %w", err)
	}
	return state.WriteFileAtomic(c.path, out)
}

func (c *PollingChannel) Subscribe(h Handler) (Unsubscribe, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	return c.handlers.add(h), nil
}

// Devices returns the device records stored in the session document.
func (c *PollingChannel) Devices(ctx context.Context) ([]protocol.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := c.read()
	if err != nil {
		return nil, err
	}
	if doc.Session == nil {
		return nil, nil
	}
	return doc.Session.DeviceList(), nil
}

func (c *PollingChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

type pollingFactory struct {
	dir      string
	interval time.Duration
	log      zerolog.Logger
}

func NewPollingFactory(dir string, interval time.Duration, log zerolog.Logger) Factory {
	return &pollingFactory{dir: dir, interval: interval, log: log}
}

func (f *pollingFactory) Name() string { return "polling" }

func (f *pollingFactory) Open(ctx context.Context, t Target) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewPollingChannel(f.dir, f.interval, t, f.log)
}
