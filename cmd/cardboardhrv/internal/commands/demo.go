package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cardboardhrv/internal/connection"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/monitor"
	"cardboardhrv/internal/ppg"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/state"
	"cardboardhrv/internal/transport"
	"cardboardhrv/internal/utils"
)

type DemoCmd struct {
	BPM      float64       `help:"Pulse rate of the synthetic source." default:"72"`
	Duration time.Duration `help:"Stop after this long. Zero runs until interrupted." default:"30s"`
	Interval time.Duration `help:"How often to print a reading summary." default:"2s"`
}

func (d *DemoCmd) Run(ctx context.Context, globals *Globals) error {
	sessionID := newSessionID()
	cfg, l, err := globals.load(sessionID)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, stop := signalContext(ctx)
	defer stop()
	if d.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Duration)
		defer cancel()
	}

	bus := transport.NewDirectBus()
	newService := func(role protocol.Role) (*connection.Service, zerolog.Logger) {
		log := l.With().Str("role", string(role)).Logger()
		return connection.New(connection.Options{
			Config:    cfg,
			Store:     state.NewMemoryStore(),
			Factories: []transport.Factory{transport.NewDirectFactory(bus, log)},
			Logger:    log,
		}), log
	}

	desktop, _ := newService(protocol.RoleDesktop)
	defer desktop.Close(context.Background())
	mobile, mobileLog := newService(protocol.RoleMobile)
	defer mobile.Close(context.Background())

	mon := monitor.New(constants.HistorySize, l.Logger)
	detach := mon.Attach(desktop)
	defer detach()

	desktop.On(connection.EventDevicesPaired, func(ev connection.Event) {
		printStatus("paired", constants.ColorGreen)
		desktop.SendMessage(ctx, "pairing confirmed, watching for a pulse")
	})
	mobile.On(connection.EventMessage, func(ev connection.Event) {
		msg := ev.(connection.MessageReceived).Message
		fmt.Printf("  %s%s:%s %s\n", constants.ColorPurple, msg.FromRole, constants.ColorReset, msg.Text)
	})

	if !desktop.Initialize(ctx, sessionID, protocol.RoleDesktop) {
		return errors.New("desktop failed to initialize")
	}
	if !mobile.Initialize(ctx, sessionID, protocol.RoleMobile) {
		return errors.New("mobile failed to initialize")
	}

	printBanner("In-process demo")
	printField("session", sessionID, constants.ColorCyan)
	printField("pulse", utils.FormatBPM(d.BPM)+" bpm", constants.ColorReset)
	if d.Duration > 0 {
		printField("duration", utils.FormatDuration(d.Duration), constants.ColorReset)
	}
	fmt.Println()
	printSep()

	pipeline := ppg.NewPipeline(ppg.Options{
		Source: &ppg.SyntheticSource{BPM: d.BPM},
		Sink:   mobile,
		Sensor: cfg.Sensor,
		Logger: mobileLog,
	})
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer pipeline.Stop()

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			snap := mon.Snapshot()
			fmt.Println()
			printSep()
			printField("readings", fmt.Sprintf("%d", len(snap.History)), constants.ColorReset)
			printField("last", utils.FormatBPM(snap.Current)+" bpm", constants.ColorGreen)
			return nil
		case <-ticker.C:
			printSnapshot(mon.Snapshot())
		}
	}
}
