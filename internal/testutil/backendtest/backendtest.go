package backendtest

import (
	"bufio"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/filegate/internal/protocol/frame"
)

// Handler returns the reply for one received command. Returning ok=false
// drops the connection without replying.
type Handler func(command string) (reply string, ok bool)

// Echo replies "OK|<command>".
func Echo(command string) (string, bool) {
	return "OK|" + command, true
}

// Backend is a loopback TCP server speaking the pipe-delimited protocol.
type Backend struct {
	ln      net.Listener
	mode    frame.Mode
	handler Handler

	mu       sync.Mutex
	received []string
	accepts  int
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func Start(t testing.TB, mode frame.Mode, handler Handler) *Backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen backend: %v", err)
	}
	return serveOn(t, ln, mode, handler)
}

func serveOn(t testing.TB, ln net.Listener, mode frame.Mode, handler Handler) *Backend {
	b := &Backend{
		ln:      ln,
		mode:    mode,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

// UnusedAddr returns a loopback address with nothing listening on it.
func UnusedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func (b *Backend) Addr() string {
	return b.ln.Addr().String()
}

func (b *Backend) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.received))
	copy(out, b.received)
	return out
}

func (b *Backend) Accepts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepts
}

// DropConnections closes every accepted connection from the server side.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.Close()
	}
}

func (b *Backend) Close() {
	_ = b.ln.Close()
	b.DropConnections()
	b.wg.Wait()
}

func (b *Backend) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			// Closed or broken listener; either way there is nothing left to accept.
			return
		}
		b.mu.Lock()
		b.accepts++
		b.conns[conn] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(conn)
	}
}

func (b *Backend) serve(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		command, err := frame.ReadMessage(reader, b.mode, frame.DefaultLimits())
		if err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, command)
		b.mu.Unlock()

		reply, ok := b.handler(command)
		if !ok {
			return
		}
		if err := frame.WriteMessage(conn, b.mode, reply); err != nil {
			return
		}
	}
}
