//go:build linux

package reactor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpair returns two connected, non-blocking AF_UNIX stream fds,
// standing in for a real TCP socket pair so connection tests don't need
// an actual network listener.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func runningLoop(t *testing.T) *EventLoop {
	t.Helper()
	published := make(chan *EventLoop, 1)
	go func() {
		loop := NewEventLoop()
		published <- loop
		loop.Loop()
	}()
	loop := <-published
	time.Sleep(10 * time.Millisecond)
	t.Cleanup(loop.Quit)
	return loop
}

func TestTcpConnectionEchoesReceivedBytes(t *testing.T) {
	loop := runningLoop(t)
	fd, peerFd := socketpair(t)
	defer unix.Close(peerFd)

	conn := NewTcpConnection(loop, "test-echo", fd, nil, nil, DefaultServerOption())

	var wg sync.WaitGroup
	wg.Add(1)
	conn.SetMessageCallback(func(c *TcpConnection, buf *Buffer, _ time.Time) {
		c.SendString(buf.RetrieveAllAsString())
		wg.Done()
	})

	loop.RunInLoop(conn.connectEstablished)

	_, err := unix.Write(peerFd, []byte("ping"))
	require.NoError(t, err)

	wg.Wait()

	time.Sleep(20 * time.Millisecond)
	buf := make([]byte, 16)
	n, err := unix.Read(peerFd, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestTcpConnectionBackpressureFiresHighWaterMarkCallback(t *testing.T) {
	loop := runningLoop(t)
	fd, peerFd := socketpair(t)
	defer unix.Close(peerFd)
	defer unix.Close(fd)

	// Shrink the kernel send buffer so a single large Send can't be fully
	// absorbed by the socket itself, forcing the remainder into our own
	// output buffer where the high-water mark is actually observed.
	require.NoError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 2048))

	opt := DefaultServerOption()
	conn := NewTcpConnection(loop, "test-backpressure", fd, nil, nil, opt)

	hit := make(chan int, 1)
	conn.SetHighWaterMarkCallback(func(c *TcpConnection, bytesBuffered int) {
		hit <- bytesBuffered
	}, 1024)

	loop.RunInLoop(conn.connectEstablished)

	// Never read peerFd: the kernel socket buffer fills up quickly, so
	// most of this payload lands in our own output buffer, well past the
	// 1KiB high-water mark.
	big := make([]byte, 1<<20)
	conn.Send(big)

	select {
	case n := <-hit:
		assert.GreaterOrEqual(t, n, 1024)
	case <-time.After(2 * time.Second):
		t.Fatal("high-water mark callback never fired")
	}
}

func TestTcpConnectionStateTransitions(t *testing.T) {
	loop := runningLoop(t)
	fd, peerFd := socketpair(t)
	defer unix.Close(peerFd)

	conn := NewTcpConnection(loop, "test-state", fd, nil, nil, DefaultServerOption())
	assert.False(t, conn.Connected())

	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn.connectEstablished()
		close(done)
	})
	<-done
	assert.True(t, conn.Connected())

	unix.Close(peerFd)
	assert.Eventually(t, func() bool { return !conn.Connected() }, time.Second, 10*time.Millisecond)
}

func TestTcpConnectionAddrAccessors(t *testing.T) {
	loop := runningLoop(t)
	fd, peerFd := socketpair(t)
	defer unix.Close(peerFd)
	defer unix.Close(fd)

	local := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}
	peer := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	conn := NewTcpConnection(loop, "test-addrs", fd, local, peer, DefaultServerOption())

	assert.Equal(t, local, conn.LocalAddr())
	assert.Equal(t, peer, conn.PeerAddr())
	assert.Equal(t, "test-addrs", conn.Name())
}
