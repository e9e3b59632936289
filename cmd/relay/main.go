package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"cardboardhrv/internal/config"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/logger"
	"cardboardhrv/internal/relay"
	"cardboardhrv/internal/security"
)

var cli struct {
	Config  string           `help:"Path to a YAML config file." type:"path" env:"CARDBOARDHRV_CONFIG"`
	Listen  string           `help:"Listen address, overrides relay.listen."`
	Origins []string         `help:"Allowed websocket origins. Empty allows any." env:"CARDBOARDHRV_ALLOWED_ORIGINS"`
	MaxConn int              `help:"Maximum concurrent connections per client IP (0 uses the built-in limit)."`
	Debug   bool             `help:"Enable debug logging."`
	JSON    bool             `help:"Log JSON lines instead of console output."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	_ = godotenv.Load()

	kctx := kong.Parse(&cli,
		kong.Name("cardboardhrv-relay"),
		kong.Description("Broadcast relay for CardboardHRV sessions."),
		kong.Vars{
			"version": constants.Version,
		})

	l, err := logger.New(logger.Options{Debug: cli.Debug, Console: !cli.JSON})
	kctx.FatalIfErrorf(err)
	log := l.With().Str("component", "relay").Logger()

	cfg, err := config.Load(cli.Config)
	kctx.FatalIfErrorf(err)

	addr := cfg.Relay.Listen
	if cli.Listen != "" {
		addr = cli.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(relay.Options{
		Addr:           addr,
		AllowedOrigins: cli.Origins,
		TrustedProxies: security.ParseProxyList(config.Env(security.EnvTrustedProxies, "")),
		MaxConnPerIP:   cli.MaxConn,
	}, log)

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
}
