//go:build linux

package reactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/govoltron/reactor/internal/netpoll"
)

// TcpServer is the composition root: one Acceptor on a main loop, an
// optional pool of io loops, and the registry of live connections. It
// mirrors the teacher's adapter.TCPServer as a struct-of-knobs plus a
// boot/shutdown lifecycle, but drives everything through this package's
// own EventLoop/Acceptor/TcpConnection rather than wrapping gnet.
type TcpServer struct {
	mainLoop *EventLoop
	name     string
	addr     string
	option   ServerOption

	acceptor    *Acceptor
	threadPool  *LoopThreadPool
	initCb      ThreadInitCallback

	mu          sync.Mutex
	connections map[string]*TcpConnection
	nextConnID  int64

	started int32

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
}

// NewTcpServer constructs a server bound to addr, driven by mainLoop.
// mainLoop must not yet be running; the caller is responsible for
// eventually calling mainLoop.Loop() after Start.
func NewTcpServer(mainLoop *EventLoop, name, addr string, reuseport Option, opt ServerOption) (*TcpServer, error) {
	if mainLoop == nil {
		fatalf("reactor: NewTcpServer requires a non-nil main loop")
	}

	acceptor, err := NewAcceptor(mainLoop, addr, reuseport == ReusePort)
	if err != nil {
		return nil, fmt.Errorf("reactor: new acceptor: %w", err)
	}

	s := &TcpServer{
		mainLoop:    mainLoop,
		name:        name,
		addr:        addr,
		option:      opt,
		acceptor:    acceptor,
		connections: make(map[string]*TcpConnection),

		connectionCallback:    defaultConnectionCallback,
		messageCallback:       defaultMessageCallback,
		writeCompleteCallback: func(*TcpConnection) {},
	}
	s.threadPool = NewLoopThreadPool(mainLoop, name)
	acceptor.SetNewConnectionCallback(s.newConnection)

	return s, nil
}

// SetThreadNum configures the number of io loops accepted connections
// are distributed across, round-robin. Must be called before Start.
func (s *TcpServer) SetThreadNum(n int) { s.threadPool.SetThreadNum(n) }

// SetThreadInitCallback installs a hook invoked once per io loop, on
// that loop's own goroutine, before it begins polling.
func (s *TcpServer) SetThreadInitCallback(cb ThreadInitCallback) { s.initCb = cb }

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)       { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// Name returns the server's configured name.
func (s *TcpServer) Name() string { return s.name }

// Addr resolves the address the server's listening socket is bound to,
// useful when the server was configured with an ephemeral port (":0").
func (s *TcpServer) Addr() (net.Addr, error) {
	return s.acceptor.Addr()
}

// Start spins up the io loop pool and begins listening. Idempotent:
// later calls are no-ops. Safe to call from any goroutine: the
// acceptor's Listen is run on the main loop via RunInLoop.
func (s *TcpServer) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}

	s.threadPool.Start(s.initCb)

	s.mainLoop.RunInLoop(func() {
		if !s.acceptor.Listenning() {
			s.acceptor.Listen()
		}
	})
}

func (s *TcpServer) newConnection(fd int, peer net.Addr) {
	s.mainLoop.AssertInLoopGoroutine()

	ioLoop := s.threadPool.GetNextLoop()

	s.mu.Lock()
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.addr, s.nextConnID)
	s.mu.Unlock()

	local, err := netpoll.LocalAddr(fd)
	if err != nil {
		L().Warnf("reactor: connection %s local addr lookup failed: %v", connName, err)
	}

	conn := NewTcpConnection(ioLoop, connName, fd, local, peer, s.option)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	L().Infow("reactor: new connection",
		zap.String("server", s.name),
		zap.String("conn", connName),
		zap.Int("fd", fd),
		zap.Stringer("peer", peer),
		zap.Int("loop", s.loopIndex(ioLoop)),
	)

	ioLoop.RunInLoop(conn.connectEstablished)
}

// loopIndex reports loop's position among the server's io loops, for the
// structured connection-created log line; -1 if it can't be found. With
// zero worker threads the base loop is reported as index 0.
func (s *TcpServer) loopIndex(loop *EventLoop) int {
	for i, l := range s.threadPool.GetAllLoops() {
		if l == loop {
			return i
		}
	}
	return -1
}

// removeConnection is invoked (possibly from an io loop's goroutine) when
// a TcpConnection has detected its own close. It unregisters the
// connection and schedules final teardown on the connection's own loop.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.mainLoop.RunInLoop(func() {
		s.mu.Lock()
		delete(s.connections, conn.Name())
		s.mu.Unlock()

		conn.GetLoop().QueueInLoop(conn.connectDestroyed)
	})
}

// Connections returns a snapshot of the currently registered connection
// names, for diagnostics.
func (s *TcpServer) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.connections))
	for name := range s.connections {
		names = append(names, name)
	}
	return names
}

// LoopLoad reports, per io loop index, how many live connections it
// currently owns -- a coarse load-balance diagnostic.
func (s *TcpServer) LoopLoad() map[int]int {
	loops := s.threadPool.GetAllLoops()
	index := make(map[*EventLoop]int, len(loops))
	for i, l := range loops {
		index[l] = i
	}

	load := make(map[int]int, len(loops))
	s.mu.Lock()
	for _, conn := range s.connections {
		load[index[conn.GetLoop()]]++
	}
	s.mu.Unlock()
	return load
}

// Close shuts the acceptor and every live connection down, aggregating
// whatever teardown errors surface instead of stopping at the first.
// It does not stop the io loops or the main loop themselves; callers own
// that via EventLoop.Quit, matching spec.md's division of responsibility
// between TcpServer and the loops it was handed.
func (s *TcpServer) Close() error {
	var errs error

	done := make(chan struct{})
	s.mainLoop.RunInLoop(func() {
		errs = multierr.Append(errs, s.acceptor.Close())

		s.mu.Lock()
		conns := make([]*TcpConnection, 0, len(s.connections))
		for _, conn := range s.connections {
			conns = append(conns, conn)
		}
		s.mu.Unlock()

		for _, conn := range conns {
			c := conn
			c.GetLoop().QueueInLoop(func() {
				c.ForceClose()
			})
		}
		close(done)
	})
	<-done

	return errs
}
