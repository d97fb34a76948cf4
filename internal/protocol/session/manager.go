package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/filegate/internal/observability"
	"github.com/danmuck/filegate/internal/protocol"
	"github.com/danmuck/filegate/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnect        = errors.New("session: cannot connect")
	ErrRoundTrip      = errors.New("session: round trip failed")
	ErrInvalidCommand = errors.New("session: invalid command")
	ErrClosed         = errors.New("session: manager closed")

	errPossibleLeftover = errors.New("session: raw reply may continue past one read")
)

// Error records which step of an exchange failed. Kind is one of the
// session sentinels; Err is the underlying cause when there is one.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *Error) cause() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Err.Error()
}

// Dialer opens backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// State is a point-in-time view of the session for health reporting.
type State struct {
	Address     string    `json:"address"`
	Framing     string    `json:"framing"`
	Live        bool      `json:"live"`
	Closed      bool      `json:"closed"`
	Connects    uint64    `json:"connects"`
	Failures    uint64    `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Manager owns the one backend connection shared by every HTTP request.
//
// turn serializes whole exchanges (acquire, write, read) so concurrent
// callers never interleave bytes on the stream. mu guards the fields below
// it so State can be read while an exchange is in flight.
type Manager struct {
	cfg    Config
	dialer Dialer
	turn   chan struct{}

	mu          sync.Mutex
	conn        net.Conn
	reader      *bufio.Reader
	live        bool
	closed      bool
	connects    uint64
	failures    uint64
	lastErr     string
	connectedAt time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	return NewManagerWithDialer(cfg, nil)
}

func NewManagerWithDialer(cfg Config, dialer Dialer) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := frame.ParseMode(string(cfg.Framing))
	if err != nil {
		return nil, err
	}
	cfg.Framing = mode
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	observability.SetBackendSessionLive(false)
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		turn:   make(chan struct{}, 1),
	}, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

// RoundTrip sends command and returns the backend reply verbatim. Every
// local failure is folded into an ERROR| response; it never returns an
// empty string because of an error.
func (m *Manager) RoundTrip(ctx context.Context, command string) string {
	resp, err := m.Exchange(ctx, command)
	if err != nil {
		return ErrorResponse(err)
	}
	return resp
}

// Exchange performs one serialized write-then-read against the backend.
// Errors are *Error values.
func (m *Manager) Exchange(ctx context.Context, command string) (resp string, err error) {
	start := time.Now()
	defer func() {
		observability.RecordBackendRoundTrip(protocol.Verb(command), outcome(err), time.Since(start))
	}()

	if err := frame.CheckMessage(m.cfg.Framing, command, m.cfg.Limits); err != nil {
		return "", &Error{Kind: ErrInvalidCommand, Err: err}
	}
	if err := m.lock(ctx); err != nil {
		return "", &Error{Kind: ErrRoundTrip, Err: err}
	}
	defer m.unlock()

	conn, reader, err := m.acquire(ctx)
	if err != nil {
		return "", err
	}
	if err := conn.SetDeadline(m.deadline(ctx)); err != nil {
		m.markBroken(conn, err)
		return "", &Error{Kind: ErrRoundTrip, Err: err}
	}
	if err := frame.WriteMessage(conn, m.cfg.Framing, command); err != nil {
		m.markBroken(conn, err)
		return "", &Error{Kind: ErrRoundTrip, Err: err}
	}
	resp, err = frame.ReadMessage(reader, m.cfg.Framing, m.cfg.Limits)
	if err != nil {
		m.markBroken(conn, err)
		return "", &Error{Kind: ErrRoundTrip, Err: err}
	}
	if m.mayHaveLeftover(reader, resp) {
		// The rest of this reply would be read as the next caller's answer.
		m.markBroken(conn, errPossibleLeftover)
	}
	log.Debug().
		Str("verb", protocol.Verb(command)).
		Int("reply_bytes", len(resp)).
		Dur("duration", time.Since(start)).
		Msg("session.Manager round trip")
	return resp, nil
}

// Close ends the session. When the connection is live and GoodbyeOnClose
// is set, EXIT is sent first so the backend can release its side. If ctx
// expires while an exchange is still running, the connection is closed
// underneath it.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		m.mu.Lock()
		m.closed = true
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}
	defer m.unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn, reader, live := m.conn, m.reader, m.live
	m.conn, m.reader, m.live = nil, nil, false
	m.mu.Unlock()
	observability.SetBackendSessionLive(false)

	if conn == nil {
		return nil
	}
	if live && m.cfg.GoodbyeOnClose {
		m.goodbye(conn, reader)
	}
	err := conn.Close()
	log.Info().Str("addr", m.cfg.Address).Msg("session.Manager closed")
	return err
}

func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Address:     m.cfg.Address,
		Framing:     string(m.cfg.Framing),
		Live:        m.live,
		Closed:      m.closed,
		Connects:    m.connects,
		Failures:    m.failures,
		LastError:   m.lastErr,
		ConnectedAt: m.connectedAt,
	}
}

// ErrorResponse maps an Exchange error to the wire-format reply the
// gateway relays in place of a backend answer.
func ErrorResponse(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return protocol.ErrorResponse("Connection error: " + err.Error())
	}
	switch {
	case errors.Is(e.Kind, ErrConnect):
		return protocol.ErrorResponse("Cannot connect to server")
	case errors.Is(e.Kind, ErrInvalidCommand):
		return protocol.ErrorResponse("Invalid command: " + e.cause())
	default:
		return protocol.ErrorResponse("Connection error: " + e.cause())
	}
}

func (m *Manager) lock(ctx context.Context) error {
	select {
	case m.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() {
	<-m.turn
}

// acquire must be called with the turn held.
func (m *Manager) acquire(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, &Error{Kind: ErrClosed}
	}
	if m.live {
		conn, reader := m.conn, m.reader
		m.mu.Unlock()
		return conn, reader, nil
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.dialer.DialContext(dialCtx, "tcp", m.cfg.Address)
	observability.RecordBackendConnect(err == nil)
	if err != nil {
		m.mu.Lock()
		m.failures++
		m.lastErr = err.Error()
		m.mu.Unlock()
		log.Warn().Err(err).Str("addr", m.cfg.Address).Msg("session.Manager dial failed")
		return nil, nil, &Error{Kind: ErrConnect, Err: err}
	}

	reader := bufio.NewReader(conn)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, nil, &Error{Kind: ErrClosed}
	}
	m.conn = conn
	m.reader = reader
	m.live = true
	m.connects++
	m.connectedAt = time.Now()
	connects := m.connects
	m.mu.Unlock()
	observability.SetBackendSessionLive(true)
	log.Info().
		Str("addr", m.cfg.Address).
		Str("framing", string(m.cfg.Framing)).
		Uint64("connects", connects).
		Msg("session.Manager connected")
	return conn, reader, nil
}

func (m *Manager) markBroken(conn net.Conn, cause error) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.reader = nil
		m.live = false
	}
	m.failures++
	m.lastErr = cause.Error()
	m.mu.Unlock()
	_ = conn.Close()
	observability.SetBackendSessionLive(false)
	log.Warn().Err(cause).Str("addr", m.cfg.Address).Msg("session.Manager connection broken")
}

// mayHaveLeftover reports whether a raw reply may continue past the single
// read that returned it: the read filled its buffer or bytes are already
// buffered behind it.
func (m *Manager) mayHaveLeftover(reader *bufio.Reader, resp string) bool {
	if m.cfg.Framing != frame.ModeRaw {
		return false
	}
	return len(resp) >= frame.RawLimit(m.cfg.Limits) || reader.Buffered() > 0
}

func (m *Manager) goodbye(conn net.Conn, reader *bufio.Reader) {
	_ = conn.SetDeadline(time.Now().Add(m.cfg.CloseTimeout))
	if err := frame.WriteMessage(conn, m.cfg.Framing, protocol.VerbExit); err != nil {
		log.Debug().Err(err).Msg("session.Manager goodbye write failed")
		return
	}
	reply, err := frame.ReadMessage(reader, m.cfg.Framing, m.cfg.Limits)
	if err != nil {
		log.Debug().Err(err).Msg("session.Manager goodbye read failed")
		return
	}
	log.Debug().Str("reply", reply).Msg("session.Manager goodbye acknowledged")
}

func (m *Manager) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(m.cfg.RoundTripTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrConnect), errors.Is(err, ErrClosed):
		return observability.OutcomeConnectError
	case errors.Is(err, ErrInvalidCommand):
		return observability.OutcomeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCanceled
	default:
		return observability.OutcomeIOError
	}
}
