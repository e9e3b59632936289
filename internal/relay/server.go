package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/security"
)

const (
	EndpointWebSocket = "/ws/"
	EndpointHealth    = "/healthz"
)

type Options struct {
	Addr           string
	AllowedOrigins []string
	TrustedProxies []string
	MaxConnPerIP   int
}

// Server is the broadcast relay: a websocket endpoint per channel name.
type Server struct {
	Hub         *Hub
	ConnLimiter *security.ConnectionLimiter
	Proxies     *security.ProxyPolicy

	opts    Options
	log     zerolog.Logger
	started time.Time
}

func NewServer(opts Options, log zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = constants.DefaultRelayListen
	}
	if opts.MaxConnPerIP <= 0 {
		opts.MaxConnPerIP = constants.MaxConnectionsPerIP
	}
	if len(opts.TrustedProxies) == 0 {
		opts.TrustedProxies = security.DefaultTrustedProxies
	}

	return &Server{
		Hub:         NewHub(log),
		ConnLimiter: security.NewConnectionLimiter(opts.MaxConnPerIP),
		Proxies:     security.NewProxyPolicy(opts.TrustedProxies),
		opts:        opts,
		log:         log,
		started:     time.Now(),
	}
}

// Handler returns the relay's HTTP handler with middleware and cleartext
// HTTP/2 support applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EndpointWebSocket, s.HandleWebSocket)
	mux.HandleFunc(EndpointHealth, s.HandleHealth)

	var handler http.Handler = mux
	handler = RecoveryMiddleware(s.log)(handler)
	handler = CorsMiddleware(handler)

	return h2c.NewHandler(handler, &http2.Server{})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("relay forced to shutdown")
		return err
	}
	s.log.Info().Msg("relay stopped")
	return nil
}
