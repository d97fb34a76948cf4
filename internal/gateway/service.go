package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/filegate/internal/observability"
	"github.com/danmuck/filegate/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidListenAddr = errors.New("gateway: invalid listen address")
	ErrInvalidRateLimit  = errors.New("gateway: invalid rate limit")
	ErrInvalidShutdown   = errors.New("gateway: invalid shutdown timeout")
)

const readHeaderTimeout = 10 * time.Second

// ServiceConfig configures the gateway process.
type ServiceConfig struct {
	ListenAddr string
	// IndexPath serves a UI page from disk; empty serves the embedded page.
	IndexPath string
	// RateLimit caps /api requests per second across all clients; 0 disables.
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:      "localhost:3000",
		RateLimit:       0,
		RateBurst:       20,
		ShutdownTimeout: 10 * time.Second,
		Session:         session.DefaultConfig(),
	}
}

func (c ServiceConfig) Validate() error {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(c.ListenAddr)); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, c.ListenAddr, err)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit=%v", ErrInvalidRateLimit, c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("%w: rate_burst=%d", ErrInvalidRateLimit, c.RateBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidShutdown, c.ShutdownTimeout)
	}
	return c.Session.Validate()
}

// Service runs the gateway as a standalone process.
type Service struct {
	cfg      ServiceConfig
	sessions *session.Manager
	limiter  *rate.Limiter
	router   *gin.Engine
	started  time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	return NewServiceWithDialer(cfg, nil)
}

// NewServiceWithDialer builds a Service whose backend connections come from
// dialer; nil uses a plain TCP dialer.
func NewServiceWithDialer(cfg ServiceConfig, dialer session.Dialer) (*Service, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sessions, err := session.NewManagerWithDialer(cfg.Session, dialer)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		started:  time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	s.router = s.newRouter()
	return s, nil
}

// HTTPRouter exposes the handler for tests and embedding.
func (s *Service) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// Run blocks until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles HTTP on ln until ctx is done or the server fails. The
// backend session is closed before Serve returns in both cases.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	serveErr := make(chan error, 1)
	lifecycle.Go(func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})
	log.Info().
		Str("listen", ln.Addr().String()).
		Str("backend", s.cfg.Session.Address).
		Str("framing", string(s.cfg.Session.Framing)).
		Msg("gateway.Service serving")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("gateway.Service shutdown signal received")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("gateway.Service http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway.Service http shutdown incomplete")
	}
	lifecycle.Wait()
	if err := s.sessions.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway.Service session close failed")
	}
	observability.SetBackendSessionLive(false)
	log.Info().Dur("uptime", time.Since(s.started)).Msg("gateway.Service stopped")
	return runErr
}
