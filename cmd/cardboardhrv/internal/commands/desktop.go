package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"

	"cardboardhrv/internal/connection"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/dashboard"
	"cardboardhrv/internal/monitor"
	"cardboardhrv/internal/protocol"
	"cardboardhrv/internal/security"
	"cardboardhrv/internal/state"
	"cardboardhrv/internal/transport"
	"cardboardhrv/internal/utils"
)

type DesktopCmd struct {
	Session   string        `help:"Join this session id instead of resuming or creating one."`
	New       bool          `help:"Start a fresh session even if one was persisted."`
	QR        bool          `help:"Print the pairing URL as a QR code." default:"true" negatable:""`
	Interval  time.Duration `help:"How often to print a reading summary." default:"5s"`
	Dashboard string        `help:"Serve live readings on this address. Empty disables." default:"${dashboard_addr}"`
}

func (d *DesktopCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, boot, err := globals.load("")
	if err != nil {
		return err
	}
	store := state.NewStore(cfg.StateDir, boot.Logger)
	defer store.Close()

	sessionID := d.Session
	if sessionID == "" && !d.New {
		sessionID, _ = store.Get(state.KeySessionID)
	}
	if sessionID == "" {
		sessionID = newSessionID()
	}
	if !security.ValidateSessionID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	_, l, err := globals.load(sessionID)
	if err != nil {
		return err
	}
	defer l.Close()
	log := l.With().Str("role", string(protocol.RoleDesktop)).Logger()

	ctx, stop := signalContext(ctx)
	defer stop()

	svc := connection.New(connection.Options{
		Config:    cfg,
		Store:     store,
		Factories: transport.Candidates(cfg, nil, log),
		Logger:    log,
	})
	defer svc.Close(context.Background())

	mon := monitor.New(constants.HistorySize, log)
	detach := mon.Attach(svc)
	defer detach()

	var dashAddr string
	if d.Dashboard != "" {
		dash := dashboard.New(mon, log)
		undash := dash.Attach(svc)
		defer undash()
		addr, err := dash.Start(d.Dashboard)
		if err != nil {
			log.Warn().Err(err).Msg("dashboard failed to start")
		} else {
			defer dash.Stop()
			dashAddr = "http://" + addr.String() + "/api/snapshot"
		}
	}

	svc.On(connection.EventDevicesPaired, func(ev connection.Event) {
		p := ev.(connection.DevicesPaired)
		printStatus("paired with "+p.Mobile.DeviceID, constants.ColorGreen)
	})
	svc.On(connection.EventDeviceDisconnected, func(ev connection.Event) {
		e := ev.(connection.DeviceDisconnected)
		printStatus(string(e.Device.Role)+" left", constants.ColorYellow)
	})
	svc.On(connection.EventMessage, func(ev connection.Event) {
		m := ev.(connection.MessageReceived).Message
		fmt.Printf("  %s%s:%s %s\n", constants.ColorPurple, m.FromRole, constants.ColorReset, m.Text)
	})
	svc.On(connection.EventHeartRateData, func(ev connection.Event) {
		s := ev.(connection.HeartRateData).Sample
		log.Debug().Float64("bpm", s.HeartRate).Float64("raw", s.RawValue).Msg("heart rate")
	})

	if !svc.Initialize(ctx, sessionID, protocol.RoleDesktop) {
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("no transport could be opened")
	}

	pairing := utils.PairingURL(cfg.PairingURL, sessionID)

	printBanner("Heart rate viewer")
	printField("session", sessionID, constants.ColorCyan)
	printField("transport", svc.Transport(), constants.ColorReset)
	printField("pairing", pairing, constants.ColorYellow)
	if dashAddr != "" {
		printField("dashboard", dashAddr, constants.ColorPurple)
	}
	if l.Path() != "" {
		printField("logs", l.Path(), constants.ColorDim)
	}
	fmt.Println()

	if d.QR {
		if q, err := qrcode.New(pairing, qrcode.Medium); err != nil {
			log.Warn().Err(err).Msg("failed to render pairing QR code")
		} else {
			fmt.Println(q.ToSmallString(false))
		}
	}
	printSep()
	fmt.Printf("  %sopen the pairing URL on the phone, ctrl+c to stop%s\n\n", constants.ColorDim, constants.ColorReset)

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			printStatus("shutting down...", constants.ColorYellow)
			return nil
		case <-ticker.C:
			printSnapshot(mon.Snapshot())
		}
	}
}
