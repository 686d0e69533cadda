package proxy

import (
	"io"
	"net"
	"sync/atomic"

	"github.com/mitchellh/go-testing-interface"
	"github.com/stretchr/testify/require"
)

// TestTCPServer is a simple TCP echo server for use during tests.
type TestTCPServer struct {
	l                        net.Listener
	stopped                  int32
	accepted, closed, active int32
}

// NewTestTCPServer opens a listening socket on a free localhost port and
// returns a TestTCPServer serving requests to it. The server is already
// started and can be stopped by calling Close().
func NewTestTCPServer(t testing.T) *TestTCPServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &TestTCPServer{l: l}
	go s.accept()
	return s
}

// Addr returns the address the server is listening on.
func (s *TestTCPServer) Addr() net.Addr {
	return s.l.Addr()
}

// Accepted returns how many connections the server has accepted.
func (s *TestTCPServer) Accepted() int {
	return int(atomic.LoadInt32(&s.accepted))
}

// Close stops the server.
func (s *TestTCPServer) Close() {
	atomic.StoreInt32(&s.stopped, 1)
	if s.l != nil {
		s.l.Close()
	}
}

func (s *TestTCPServer) accept() error {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.stopped) == 1 {
				return nil
			}
			return err
		}

		atomic.AddInt32(&s.accepted, 1)
		atomic.AddInt32(&s.active, 1)

		go func(c net.Conn) {
			io.Copy(c, c)
			atomic.AddInt32(&s.closed, 1)
			atomic.AddInt32(&s.active, -1)
		}(conn)
	}
}

// TestEchoConn attempts to write some bytes to conn and expects to read
// them back.
func TestEchoConn(t testing.T, conn net.Conn) {
	t.Helper()

	n, err := conn.Write([]byte("Hello World"))
	require.Equal(t, 11, n)
	require.NoError(t, err)

	buf := make([]byte, 11)
	got := 0
	for got < 11 {
		n, err = conn.Read(buf[got:])
		require.NoError(t, err)
		got += n
	}
	require.Equal(t, "Hello World", string(buf))
}
