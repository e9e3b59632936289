package ppg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/config"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/protocol"
)

type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateStreaming State = "streaming"
	StateStopped   State = "stopped"
	StateErrored   State = "errored"
)

var ErrNotStreaming = errors.New("pipeline is not streaming")

// Sink receives the pipeline's output. The connection service satisfies it.
type Sink interface {
	SendHeartRateData(ctx context.Context, sample protocol.HeartRateSample) bool
	SendCameraFrame(ctx context.Context, frame protocol.CameraFrame) bool
}

type Options struct {
	Source Source
	Sink   Sink
	// Clock defaults to a TickerClock at the configured frame rate.
	Clock  Clock
	Sensor config.SensorConfig
	Logger zerolog.Logger
	Now    func() time.Time
}

// Stats is a snapshot of the pipeline for display.
type Stats struct {
	State     State
	HeartRate int
	Value     float64
	Frames    uint64
	Skipped   uint64
	Buffered  int
}

// Pipeline samples frames from a Source, estimates heart rate and hands the
// results to a Sink without ever blocking capture on delivery.
type Pipeline struct {
	source Source
	sink   Sink
	clock  Clock
	cfg    config.SensorConfig
	log    zerolog.Logger
	now    func() time.Time

	inFlight atomic.Bool
	skipped  atomic.Uint64

	mu        sync.Mutex
	state     State
	err       error
	gen       uint64
	window    *Window
	frames    uint64
	heartRate int
	value     float64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	out       *latestSender
}

func NewPipeline(opts Options) *Pipeline {
	cfg := opts.Sensor
	if cfg.FrameRate <= 0 {
		cfg = config.Default().Sensor
	}
	clock := opts.Clock
	if clock == nil {
		clock = TickerClock{FPS: cfg.FrameRate}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		source: opts.Source,
		sink:   opts.Sink,
		clock:  clock,
		cfg:    cfg,
		log:    opts.Logger.With().Str("component", "ppg").Logger(),
		now:    now,
		state:  StateIdle,
		window: NewWindow(cfg.Window),
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that moved the pipeline to StateErrored.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:     p.state,
		HeartRate: p.heartRate,
		Value:     p.value,
		Frames:    p.frames,
		Skipped:   p.skipped.Load(),
		Buffered:  p.window.Len(),
	}
}

// Start acquires the source and begins streaming. An acquisition failure
// leaves the pipeline errored and is returned as *AcquireError.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateAcquiring || p.state == StateStreaming {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.state = StateAcquiring
	p.err = nil
	p.mu.Unlock()

	if err := p.source.Acquire(ctx); err != nil {
		ae := classify(err)
		p.mu.Lock()
		p.state = StateErrored
		p.err = ae
		p.mu.Unlock()
		p.log.Error().Err(ae).Str("reason", string(ae.Reason)).Msg("failed to acquire imaging source")
		return ae
	}

	runCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.frames = 0
	p.heartRate = 0
	p.value = 0
	p.window.Reset()
	p.out = newLatestSender(p.sink, p.log)
	p.state = StateStreaming
	out := p.out
	p.mu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		out.run(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.run(runCtx, gen)
	}()

	p.log.Info().Int("fps", p.cfg.FrameRate).Msg("sensor streaming")
	return nil
}

func (p *Pipeline) run(ctx context.Context, gen uint64) {
	for range p.clock.Ticks(ctx) {
		if ctx.Err() != nil {
			return
		}
		if !p.inFlight.CompareAndSwap(false, true) {
			p.skipped.Add(1)
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.inFlight.Store(false)
			p.capture(ctx, gen)
		}()
	}
}

func (p *Pipeline) capture(ctx context.Context, gen uint64) {
	img, err := p.source.Frame(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Debug().Err(err).Msg("frame capture failed")
		}
		return
	}

	value, ok := ExtractRed(img)
	if !ok {
		p.log.Debug().Msg("no qualifying pixels in frame")
	}
	at := protocol.Millis(p.now())

	p.mu.Lock()
	if gen != p.gen || p.state != StateStreaming {
		p.mu.Unlock()
		return
	}
	p.window.Push(Sample{At: at, Value: value})
	p.frames++
	p.value = value
	frames := p.frames

	if p.cfg.EstimateEvery > 0 && frames%uint64(p.cfg.EstimateEvery) == 0 {
		if bpm, ok := Estimate(p.window.Samples()); ok {
			p.heartRate = bpm
		}
	}
	heartRate := p.heartRate
	out := p.out
	p.mu.Unlock()

	if heartRate > 0 {
		out.offerSample(protocol.HeartRateSample{
			HeartRate: float64(heartRate),
			Timestamp: at,
			RawValue:  value,
		})
	}

	if p.cfg.PreviewEvery > 0 && frames%uint64(p.cfg.PreviewEvery) == 0 {
		data, err := EncodePreview(img, constants.PreviewWidth, constants.PreviewHeight, constants.PreviewQuality)
		if err != nil {
			p.log.Debug().Err(err).Msg("preview encoding failed")
			return
		}
		out.offerFrame(protocol.CameraFrame{
			ImageData: data,
			Width:     constants.PreviewWidth,
			Height:    constants.PreviewHeight,
			HeartRate: float64(heartRate),
			PPGValue:  value,
			Timestamp: at,
		})
	}
}

// Stop cancels scheduling, waits for an in-flight capture, releases the
// source and clears the buffered samples.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state != StateStreaming {
		p.mu.Unlock()
		return ErrNotStreaming
	}
	p.gen++
	p.state = StateStopped
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	err := p.source.Release()

	p.mu.Lock()
	p.window.Reset()
	p.heartRate = 0
	p.mu.Unlock()

	p.log.Info().Msg("sensor stopped")
	return err
}

// latestSender keeps only the newest pending sample and frame so a slow sink
// drops stale data instead of delaying capture.
type latestSender struct {
	sink Sink
	log  zerolog.Logger

	mu     sync.Mutex
	sample *protocol.HeartRateSample
	frame  *protocol.CameraFrame
	wake   chan struct{}
}

func newLatestSender(sink Sink, log zerolog.Logger) *latestSender {
	return &latestSender{sink: sink, log: log, wake: make(chan struct{}, 1)}
}

func (s *latestSender) offerSample(sample protocol.HeartRateSample) {
	s.mu.Lock()
	s.sample = &sample
	s.mu.Unlock()
	s.signal()
}

func (s *latestSender) offerFrame(frame protocol.CameraFrame) {
	s.mu.Lock()
	s.frame = &frame
	s.mu.Unlock()
	s.signal()
}

func (s *latestSender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *latestSender) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		sample, frame := s.sample, s.frame
		s.sample, s.frame = nil, nil
		s.mu.Unlock()

		if s.sink == nil {
			continue
		}
		if sample != nil && !s.sink.SendHeartRateData(ctx, *sample) {
			s.log.Debug().Float64("bpm", sample.HeartRate).Msg("heart rate not delivered")
		}
		if frame != nil && !s.sink.SendCameraFrame(ctx, *frame) {
			s.log.Debug().Msg("camera frame not delivered")
		}
	}
}
