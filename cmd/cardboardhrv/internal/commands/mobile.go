package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardboardhrv/internal/connection"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/ppg"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/security"
	"cardboardhrv/internal/session"
	"cardboardhrv/internal/state"
	"cardboardhrv/internal/transport"
	"cardboardhrv/internal/utils"
)

type MobileCmd struct {
	Session  string        `arg:"" help:"Session id or pairing URL."`
	Source   string        `help:"Imaging source." enum:"screen,synthetic" default:"screen"`
	Display  int           `help:"Display index for the screen source." default:"0"`
	BPM      float64       `help:"Pulse rate of the synthetic source." default:"72"`
	Interval time.Duration `help:"How often to print pipeline stats." default:"5s"`
}

func (m *MobileCmd) source() ppg.Source {
	if m.Source == "synthetic" {
		return &ppg.SyntheticSource{BPM: m.BPM}
	}
	return &ppg.ScreenSource{Display: m.Display}
}

func (m *MobileCmd) Run(ctx context.Context, globals *Globals) error {
	sessionID := utils.ExtractSessionID(m.Session)
	if !security.ValidateSessionID(sessionID) {
		return fmt.Errorf("invalid session %q", m.Session)
	}

	cfg, l, err := globals.load(sessionID)
	if err != nil {
		return err
	}
	defer l.Close()
	log := l.With().Str("role", string(protocol.RoleMobile)).Logger()

	store := state.NewStore(cfg.StateDir, log)
	defer store.Close()

	ctx, stop := signalContext(ctx)
	defer stop()

	svc := connection.New(connection.Options{
		Config:    cfg,
		Store:     store,
		Factories: transport.Candidates(cfg, nil, log),
		Logger:    log,
	})
	defer svc.Close(context.Background())

	svc.On(connection.EventConnectionStatusChanged, func(ev connection.Event) {
		e := ev.(connection.ConnectionStatusChanged)
		printStatus(string(e.Status), constants.ColorCyan)
	})
	svc.On(connection.EventMessage, func(ev connection.Event) {
		msg := ev.(connection.MessageReceived).Message
		fmt.Printf("  %s%s:%s %s\n", constants.ColorPurple, msg.FromRole, constants.ColorReset, msg.Text)
	})

	if !svc.Initialize(ctx, sessionID, protocol.RoleMobile) {
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("no transport could be opened")
	}

	printBanner("Heart rate sensor")
	printField("session", sessionID, constants.ColorCyan)
	printField("transport", svc.Transport(), constants.ColorReset)
	printField("source", m.Source, constants.ColorReset)
	fmt.Println()

	pipeline := ppg.NewPipeline(ppg.Options{
		Source: m.source(),
		Sink:   svc,
		Sensor: cfg.Sensor,
		Logger: log,
	})

	// A sensor failure leaves the pairing up so the viewer still sees us.
	if err := pipeline.Start(ctx); err != nil {
		var ae *ppg.AcquireError
		if errors.As(err, &ae) {
			printField("sensor", string(ae.Reason), constants.ColorRed)
		}
	} else {
		defer pipeline.Stop()
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			printStatus("shutting down...", constants.ColorYellow)
			return nil
		case <-ticker.C:
			st := pipeline.Stats()
			log.Info().
				Str("state", string(st.State)).
				Int("bpm", st.HeartRate).
				Float64("value", st.Value).
				Uint64("frames", st.Frames).
				Uint64("skipped", st.Skipped).
				Bool("paired", svc.State() == session.StateConnected).
				Msg("sensor")
		}
	}
}
