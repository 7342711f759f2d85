//go:build linux

package reactor

import (
	"net"
	"os"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/internal/netpoll"
)

// NewConnectionCallback hands the Acceptor's main loop the fd and peer
// address of one freshly accepted connection.
type NewConnectionCallback func(fd int, peer net.Addr)

// Acceptor owns a listening socket bound to the main loop's Channel. It
// accepts one connection per read-readiness fire -- edge cases aside,
// epoll keeps re-firing EPOLLIN while the kernel accept queue is
// non-empty, so this drains naturally across iterations.
type Acceptor struct {
	loop       *EventLoop
	listenFd   int
	channel    *Channel
	listenning bool

	newConnectionCallback NewConnectionCallback

	// idleFd is reserved at construction so a later EMFILE can be
	// answered by freeing exactly one descriptor: close idleFd, accept
	// and immediately drop the waiting connection, then reopen idleFd.
	idleFd int
}

// NewAcceptor creates a listening socket for addr on loop (the main
// loop) with the given reuseport option, and wires its Channel.
func NewAcceptor(loop *EventLoop, addr string, reusePort bool) (*Acceptor, error) {
	fd, err := netpoll.CreateListener(addr, reusePort)
	if err != nil {
		return nil, err
	}

	idleFd, err := netpoll.ReserveIdleFD()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	a := &Acceptor{
		loop:     loop,
		listenFd: fd,
		idleFd:   idleFd,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadHandler(a.handleRead)
	return a, nil
}

// SetNewConnectionCallback installs the handler invoked for each
// accepted connection.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

// Listenning reports whether Listen has been called.
func (a *Acceptor) Listenning() bool { return a.listenning }

// Addr resolves the address the listening socket is bound to, useful
// when the server was configured with an ephemeral port.
func (a *Acceptor) Addr() (net.Addr, error) {
	return netpoll.LocalAddr(a.listenFd)
}

// Listen issues listen(2) and enables read-readiness on the main loop.
// Must run on the main loop.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopGoroutine()
	a.listenning = true
	if err := netpoll.Listen(a.listenFd); err != nil {
		fatalf("reactor: acceptor listen error: %v", err)
	}
	a.channel.EnableReading()
}

func (a *Acceptor) handleRead(time.Time) {
	connFd, sa, err := netpoll.Accept4(a.listenFd)
	if err != nil {
		a.handleAcceptError(err)
		return
	}

	peer := netpoll.SockaddrToTCPAddr(sa)
	if a.newConnectionCallback != nil {
		a.newConnectionCallback(connFd, peer)
	} else {
		unix.Close(connFd)
	}
}

func (a *Acceptor) handleAcceptError(err error) {
	switch {
	case isEAGAIN(err):
		// Not actually ready; normal under level-triggered epoll when a
		// racing acceptor already drained the queue.
	case isEMFILE(err):
		L().Errorf("reactor: acceptor out of file descriptors, shedding one waiting connection")
		unix.Close(a.idleFd)
		fd, _, acceptErr := unix.Accept(a.listenFd)
		if acceptErr == nil {
			unix.Close(fd)
		}
		a.idleFd, _ = netpoll.ReserveIdleFD()
	default:
		L().Errorf("reactor: acceptor accept error: %v", err)
	}
}

func isEAGAIN(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func isEMFILE(err error) bool {
	return err == unix.EMFILE
}

// Close releases the listening socket and the reserved idle fd,
// aggregating both close errors rather than stopping at the first.
func (a *Acceptor) Close() error {
	return multierr.Append(
		os.NewSyscallError("close", unix.Close(a.listenFd)),
		os.NewSyscallError("close", unix.Close(a.idleFd)),
	)
}
