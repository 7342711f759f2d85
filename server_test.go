//go:build linux

package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, numThreads int) (*TcpServer, *EventLoop) {
	t.Helper()

	type built struct {
		loop *EventLoop
		srv  *TcpServer
		err  error
	}
	result := make(chan built, 1)
	go func() {
		mainLoop := NewEventLoop()
		srv, err := NewTcpServer(mainLoop, "test-srv", "127.0.0.1:0", NoReusePort, DefaultServerOption())
		result <- built{loop: mainLoop, srv: srv, err: err}
		if err == nil {
			mainLoop.Loop()
		}
	}()

	b := <-result
	require.NoError(t, b.err)
	b.srv.SetThreadNum(numThreads)

	t.Cleanup(b.loop.Quit)
	time.Sleep(10 * time.Millisecond)

	b.srv.Start()
	time.Sleep(10 * time.Millisecond)
	return b.srv, b.loop
}

func dial(t *testing.T, srv *TcpServer) net.Conn {
	t.Helper()
	addr, err := srv.Addr()
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	return conn
}

func TestTcpServerEcho(t *testing.T) {
	srv, _ := newTestServer(t, 2)
	srv.SetMessageCallback(func(c *TcpConnection, buf *Buffer, _ time.Time) {
		c.SendString(buf.RetrieveAllAsString())
	})

	client := dial(t, srv)
	defer client.Close()

	_, err := client.Write([]byte("hello reactor"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello reactor", string(buf[:n]))
}

func TestTcpServerCrossThreadSend(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	connUp := make(chan *TcpConnection, 1)
	srv.SetConnectionCallback(func(c *TcpConnection) {
		if c.Connected() {
			connUp <- c
		}
	})

	client := dial(t, srv)
	defer client.Close()

	var conn *TcpConnection
	select {
	case conn = <-connUp:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never came up")
	}

	// Sent from the test goroutine, not the connection's own io loop --
	// exercises the QueueInLoop marshalling path in Send.
	conn.SendString("pushed from elsewhere")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pushed from elsewhere", string(buf[:n]))
}

func TestTcpServerPeerResetRemovesConnection(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	down := make(chan struct{}, 1)
	srv.SetConnectionCallback(func(c *TcpConnection) {
		if !c.Connected() {
			select {
			case down <- struct{}{}:
			default:
			}
		}
	})

	client := dial(t, srv)

	// Force an abrupt reset instead of a clean FIN.
	if tc, ok := client.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	client.Close()

	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the peer reset")
	}

	assert.Empty(t, srv.Connections())
}

func TestTcpServerGracefulShutdown(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	client := dial(t, srv)
	defer client.Close()

	time.Sleep(20 * time.Millisecond)
	require.NotEmpty(t, srv.Connections())

	err := srv.Close()
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(srv.Connections()) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTcpServerLoopLoadDistributesAcrossThreads(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	var clients []net.Conn
	for i := 0; i < 4; i++ {
		c := dial(t, srv)
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, srv.Connections(), 4)

	load := srv.LoopLoad()
	total := 0
	for _, n := range load {
		total += n
	}
	assert.Equal(t, 4, total)
	// Round-robin over two io loops puts two connections on each.
	assert.Equal(t, map[int]int{0: 2, 1: 2}, load)
}
