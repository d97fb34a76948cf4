package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/filegate/internal/protocol/frame"
	"github.com/danmuck/filegate/internal/testutil/backendtest"
	"github.com/danmuck/filegate/internal/testutil/testlog"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDialer struct {
	dials atomic.Int64
	inner net.Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	return d.inner.DialContext(ctx, network, address)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *countingDialer) {
	t.Helper()
	dialer := &countingDialer{}
	m, err := NewManagerWithDialer(cfg, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, dialer
}

func testConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.Framing = frame.ModeLine
	cfg.RoundTripTimeout = 2 * time.Second
	cfg.GoodbyeOnClose = false
	return cfg
}

func TestRoundTripConnectsLazilyAndReuses(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, func(cmd string) (string, bool) {
		if cmd == "LOGIN|alice|secret" {
			return "OK|42|alice", true
		}
		return "FAILURE|Unknown command", true
	})
	m, dialer := newTestManager(t, testConfig(backend.Addr()))

	require.False(t, m.Live())
	require.EqualValues(t, 0, dialer.dials.Load(), "no dial before first round trip")

	assert.Equal(t, "OK|42|alice", m.RoundTrip(context.Background(), "LOGIN|alice|secret"))
	assert.Equal(t, "FAILURE|Unknown command", m.RoundTrip(context.Background(), "UNKNOWN"))
	assert.Equal(t, "FAILURE|Unknown command", m.RoundTrip(context.Background(), "LIST_FILES"))

	require.EqualValues(t, 1, dialer.dials.Load())
	require.Equal(t, 1, backend.Accepts())
	require.Equal(t, []string{"LOGIN|alice|secret", "UNKNOWN", "LIST_FILES"}, backend.Received())

	state := m.State()
	require.True(t, state.Live)
	require.EqualValues(t, 1, state.Connects)
	require.Equal(t, "line", state.Framing)
}

func TestRoundTripFailureMarksBrokenAndReconnects(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, func(cmd string) (string, bool) {
		if cmd == "DISK_STATS" {
			return "", false
		}
		return "SUCCESS|" + cmd, true
	})
	m, dialer := newTestManager(t, testConfig(backend.Addr()))

	require.Equal(t, "SUCCESS|LOGOUT", m.RoundTrip(context.Background(), "LOGOUT"))

	resp := m.RoundTrip(context.Background(), "DISK_STATS")
	require.True(t, strings.HasPrefix(resp, "ERROR|Connection error: "), "unexpected response %q", resp)
	require.False(t, m.Live())
	require.EqualValues(t, 1, m.State().Failures)

	require.Equal(t, "SUCCESS|LOGOUT", m.RoundTrip(context.Background(), "LOGOUT"))
	require.EqualValues(t, 2, dialer.dials.Load())
	require.Equal(t, 2, backend.Accepts())
}

func TestRoundTripBackendDropDetectedOnNextUse(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, backendtest.Echo)
	m, dialer := newTestManager(t, testConfig(backend.Addr()))

	require.Equal(t, "OK|LIST_FILES", m.RoundTrip(context.Background(), "LIST_FILES"))
	backend.DropConnections()

	// The stale handle is only discovered by I/O; no background probing.
	require.True(t, m.Live())
	resp := m.RoundTrip(context.Background(), "LIST_FILES")
	require.True(t, strings.HasPrefix(resp, "ERROR|"), "unexpected response %q", resp)
	require.False(t, m.Live())

	require.Equal(t, "OK|LIST_FILES", m.RoundTrip(context.Background(), "LIST_FILES"))
	require.EqualValues(t, 2, dialer.dials.Load())
}

func TestRoundTripUnreachableBackend(t *testing.T) {
	testlog.Start(t)
	m, dialer := newTestManager(t, testConfig(backendtest.UnusedAddr(t)))

	require.Equal(t, "ERROR|Cannot connect to server", m.RoundTrip(context.Background(), "LOGIN|a|b"))
	require.Equal(t, "ERROR|Cannot connect to server", m.RoundTrip(context.Background(), "LOGIN|a|b"))
	require.EqualValues(t, 2, dialer.dials.Load(), "every request after a failure dials again")

	_, err := m.Exchange(context.Background(), "LOGIN|a|b")
	require.ErrorIs(t, err, ErrConnect)
	require.False(t, m.Live())
	require.NotEmpty(t, m.State().LastError)
}

func TestRoundTripTimeoutMarksBroken(t *testing.T) {
	testlog.Start(t)
	stop := make(chan struct{})
	backend := backendtest.Start(t, frame.ModeLine, func(cmd string) (string, bool) {
		if cmd == "READ_FILE|slow.txt" {
			<-stop
			return "", false
		}
		return "DATA|" + cmd, true
	})
	t.Cleanup(func() { close(stop) })

	cfg := testConfig(backend.Addr())
	cfg.RoundTripTimeout = 150 * time.Millisecond
	m, dialer := newTestManager(t, cfg)

	start := time.Now()
	_, err := m.Exchange(context.Background(), "READ_FILE|slow.txt")
	require.ErrorIs(t, err, ErrRoundTrip)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, m.Live())

	resp := m.RoundTrip(context.Background(), "READ_FILE|fast.txt")
	require.Equal(t, "DATA|READ_FILE|fast.txt", resp)
	require.EqualValues(t, 2, dialer.dials.Load())
}

func TestRoundTripTimeoutResponse(t *testing.T) {
	testlog.Start(t)
	stop := make(chan struct{})
	backend := backendtest.Start(t, frame.ModeLine, func(string) (string, bool) {
		<-stop
		return "", false
	})
	t.Cleanup(func() { close(stop) })

	cfg := testConfig(backend.Addr())
	cfg.RoundTripTimeout = 100 * time.Millisecond
	m, _ := newTestManager(t, cfg)

	resp := m.RoundTrip(context.Background(), "LIST_FILES")
	require.True(t, strings.HasPrefix(resp, "ERROR|Connection error: "), "unexpected response %q", resp)
	require.Contains(t, resp, "timeout")
}

func TestConcurrentRoundTripsDoNotInterleave(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, backendtest.Echo)
	m, dialer := newTestManager(t, testConfig(backend.Addr()))

	const callers = 32
	var mismatches atomic.Int64
	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		cmd := fmt.Sprintf("READ_FILE|file-%02d.txt", i)
		wg.Go(func() {
			if got := m.RoundTrip(context.Background(), cmd); got != "OK|"+cmd {
				mismatches.Add(1)
			}
		})
	}
	wg.Wait()

	require.Zero(t, mismatches.Load(), "responses were paired with the wrong caller")
	require.Len(t, backend.Received(), callers)
	require.EqualValues(t, 1, dialer.dials.Load())
}

func TestLineFramingKeepsMultilineRepliesPaired(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, func(cmd string) (string, bool) {
		switch cmd {
		case "READ_FILE|notes.txt":
			return "DATA|notes.txt|line1\nline2\n", true
		case "WRITE_FILE|notes.txt|one\ntwo":
			return "SUCCESS|written", true
		case "LOGOUT":
			return "SUCCESS|Logged out", true
		}
		return "FAILURE|" + cmd, true
	})
	m, dialer := newTestManager(t, testConfig(backend.Addr()))

	require.Equal(t, "DATA|notes.txt|line1\nline2\n", m.RoundTrip(context.Background(), "READ_FILE|notes.txt"))
	require.Equal(t, "SUCCESS|Logged out", m.RoundTrip(context.Background(), "LOGOUT"))
	require.Equal(t, "SUCCESS|written", m.RoundTrip(context.Background(), "WRITE_FILE|notes.txt|one\ntwo"))
	require.Equal(t, []string{"READ_FILE|notes.txt", "LOGOUT", "WRITE_FILE|notes.txt|one\ntwo"}, backend.Received())
	require.True(t, m.Live())
	require.EqualValues(t, 1, dialer.dials.Load())
}

func TestOversizedRawCommandRejectedLocally(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeRaw, backendtest.Echo)
	cfg := testConfig(backend.Addr())
	cfg.Framing = frame.ModeRaw
	m, dialer := newTestManager(t, cfg)

	big := "WRITE_FILE|a.txt|" + strings.Repeat("x", frame.RawReadSize)
	resp := m.RoundTrip(context.Background(), big)
	require.True(t, strings.HasPrefix(resp, "ERROR|Invalid command: frame: message too large"), resp)
	require.EqualValues(t, 0, dialer.dials.Load())

	require.Equal(t, "OK|WRITE_FILE|a.txt|one\ntwo", m.RoundTrip(context.Background(), "WRITE_FILE|a.txt|one\ntwo"))
	require.True(t, m.Live(), "a rejected command must not break the session")
}

func TestRawReplyFillingReadBreaksSession(t *testing.T) {
	testlog.Start(t)
	huge := "DATA|big.txt|" + strings.Repeat("y", frame.RawReadSize)
	backend := backendtest.Start(t, frame.ModeRaw, func(cmd string) (string, bool) {
		if cmd == "READ_FILE|big.txt" {
			return huge, true
		}
		return "SUCCESS|" + cmd, true
	})
	cfg := testConfig(backend.Addr())
	cfg.Framing = frame.ModeRaw
	m, dialer := newTestManager(t, cfg)

	first := m.RoundTrip(context.Background(), "READ_FILE|big.txt")
	require.Len(t, first, frame.RawReadSize)
	require.True(t, strings.HasPrefix(huge, first))
	require.False(t, m.Live(), "the unread tail must not reach the next caller")

	require.Equal(t, "SUCCESS|LOGOUT", m.RoundTrip(context.Background(), "LOGOUT"))
	require.EqualValues(t, 2, dialer.dials.Load())
}

func TestRawFramingMatchesLegacyBackend(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeRaw, func(cmd string) (string, bool) {
		return "SUCCESS|Login successful|alice", true
	})
	cfg := testConfig(backend.Addr())
	cfg.Framing = frame.ModeRaw
	m, _ := newTestManager(t, cfg)

	require.Equal(t, "SUCCESS|Login successful|alice", m.RoundTrip(context.Background(), "LOGIN|alice|secret"))
	require.Equal(t, []string{"LOGIN|alice|secret"}, backend.Received())
	require.Equal(t, "raw", m.State().Framing)
}

func TestExchangeWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, backendtest.Echo)
	m, dialer := newTestManager(t, testConfig(backend.Addr()))

	m.turn <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Exchange(ctx, "LIST_FILES")
	<-m.turn

	require.ErrorIs(t, err, ErrRoundTrip)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 0, dialer.dials.Load())
	require.Zero(t, m.State().Failures, "waiting is not a session failure")
}

func TestCloseSendsGoodbyeAndRejectsLaterUse(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, func(cmd string) (string, bool) {
		if cmd == "EXIT" {
			return "SUCCESS|Goodbye", true
		}
		return "SUCCESS|" + cmd, true
	})
	cfg := testConfig(backend.Addr())
	cfg.GoodbyeOnClose = true
	m, dialer := newTestManager(t, cfg)

	require.Equal(t, "SUCCESS|LOGOUT", m.RoundTrip(context.Background(), "LOGOUT"))
	require.NoError(t, m.Close(context.Background()))
	require.Equal(t, []string{"LOGOUT", "EXIT"}, backend.Received())

	state := m.State()
	require.True(t, state.Closed)
	require.False(t, state.Live)

	resp := m.RoundTrip(context.Background(), "LOGOUT")
	require.Equal(t, "ERROR|Connection error: session: manager closed", resp)
	_, err := m.Exchange(context.Background(), "LOGOUT")
	require.True(t, errors.Is(err, ErrClosed))
	require.EqualValues(t, 1, dialer.dials.Load())
	require.NoError(t, m.Close(context.Background()), "close is idempotent")
}

func TestCloseWithoutGoodbye(t *testing.T) {
	testlog.Start(t)
	backend := backendtest.Start(t, frame.ModeLine, backendtest.Echo)
	m, _ := newTestManager(t, testConfig(backend.Addr()))

	require.Equal(t, "OK|LOGOUT", m.RoundTrip(context.Background(), "LOGOUT"))
	require.NoError(t, m.Close(context.Background()))
	require.Equal(t, []string{"LOGOUT"}, backend.Received())
}

func TestCloseBeforeFirstUse(t *testing.T) {
	testlog.Start(t)
	m, dialer := newTestManager(t, testConfig(backendtest.UnusedAddr(t)))
	require.NoError(t, m.Close(context.Background()))
	require.EqualValues(t, 0, dialer.dials.Load())
}

func TestErrorResponseMapping(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want string
	}{
		{err: &Error{Kind: ErrConnect, Err: errors.New("connection refused")}, want: "ERROR|Cannot connect to server"},
		{err: &Error{Kind: ErrRoundTrip, Err: errors.New("EOF")}, want: "ERROR|Connection error: EOF"},
		{err: &Error{Kind: ErrClosed}, want: "ERROR|Connection error: session: manager closed"},
		{err: errors.New("boom"), want: "ERROR|Connection error: boom"},
	}
	for _, tc := range cases {
		if got := ErrorResponse(tc.err); got != tc.want {
			t.Fatalf("ErrorResponse(%v) got=%q want=%q", tc.err, got, tc.want)
		}
	}
}

type gatedDialer struct {
	entered chan struct{}
	release chan struct{}
	peer    net.Conn
}

func (d *gatedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	close(d.entered)
	<-d.release
	client, peer := net.Pipe()
	d.peer = peer
	return client, nil
}

func TestCloseDuringDialDiscardsNewConnection(t *testing.T) {
	testlog.Start(t)
	dialer := &gatedDialer{entered: make(chan struct{}), release: make(chan struct{})}
	m, err := NewManagerWithDialer(testConfig("127.0.0.1:9"), dialer)
	require.NoError(t, err)

	var wg conc.WaitGroup
	var exchangeErr error
	wg.Go(func() {
		_, exchangeErr = m.Exchange(context.Background(), "LIST_FILES")
	})
	<-dialer.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)

	close(dialer.release)
	wg.Wait()

	require.ErrorIs(t, exchangeErr, ErrClosed)
	state := m.State()
	require.True(t, state.Closed)
	require.False(t, state.Live)
	require.Zero(t, state.Connects)

	require.NoError(t, dialer.peer.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = dialer.peer.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "connection dialed after close must be closed")
}
