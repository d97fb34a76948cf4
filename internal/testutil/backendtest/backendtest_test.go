package backendtest

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/filegate/internal/protocol/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingListener struct {
	net.Listener
	accepts atomic.Int32
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	return nil, errors.New("accept: too many open files")
}

func TestAcceptLoopStopsOnListenerError(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &failingListener{Listener: inner}
	b := serveOn(t, ln, frame.ModeLine, Echo)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accept loop kept running after a listener error")
	}
	assert.Equal(t, int32(1), ln.accepts.Load())
}

func TestBackendEchoesAndRecords(t *testing.T) {
	b := Start(t, frame.ModeLine, Echo)
	conn, err := net.Dial("tcp", b.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, frame.WriteMessage(conn, frame.ModeLine, "LIST_FILES"))
	reply := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "OK|LIST_FILES\n", string(reply[:n]))
	assert.Equal(t, []string{"LIST_FILES"}, b.Received())
	assert.Equal(t, 1, b.Accepts())
}
