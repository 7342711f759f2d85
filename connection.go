//go:build linux

package reactor

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/internal/netpoll"
)

type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// TcpConnection is a per-connection state machine: it owns the fd-backed
// socket, the Channel driving it, the input/output Buffers, and the
// application callbacks. It is always reached through a *TcpConnection
// pointer shared between the TcpServer's registry and whatever task
// queues still reference it in flight, so that handlers which outlive
// the server's erase-from-map step remain valid until the last
// in-flight handler returns -- Go's GC keeps the value alive as long as
// any of those references exist, which is the same guarantee muduo's
// shared_ptr gives explicitly.
type TcpConnection struct {
	loop *EventLoop
	name string
	fd   int

	channel *Channel

	local net.Addr
	peer  net.Addr

	state connState

	// alive backs the Channel tie: it reads zero once connectDestroyed
	// has run, so a Channel event captured in the same dispatch batch
	// before teardown is silently dropped rather than acting on a
	// half-torn-down connection. See channel.go's Tie doc.
	alive int32

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	fault bool // set once a send-path errno (other than EAGAIN or EINTR) has been seen

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	closeCB                closeCallback
}

// NewTcpConnection constructs a connection in the Connecting state for
// an accepted fd. It must be finished on ioLoop via connectEstablished
// before any I/O is driven.
func NewTcpConnection(ioLoop *EventLoop, name string, fd int, local, peer net.Addr, opt ServerOption) *TcpConnection {
	conn := &TcpConnection{
		loop:          ioLoop,
		name:          name,
		fd:            fd,
		local:         local,
		peer:          peer,
		state:         stateConnecting,
		alive:         1,
		inputBuffer:   NewBufferSize(opt.ReadBufferSize),
		outputBuffer:  NewBufferSize(opt.ReadBufferSize),
		highWaterMark: opt.HighWaterMark,

		connectionCallback:    defaultConnectionCallback,
		messageCallback:       defaultMessageCallback,
		writeCompleteCallback: func(*TcpConnection) {},
	}
	conn.channel = NewChannel(ioLoop, fd)
	conn.channel.SetReadHandler(conn.handleRead)
	conn.channel.SetWriteHandler(conn.handleWrite)
	conn.channel.SetCloseHandler(conn.handleClose)
	conn.channel.SetErrorHandler(conn.handleError)
	conn.channel.Tie(&conn.alive)

	if opt.TCPNoDelay {
		_ = netpoll.SetTCPNoDelay(fd, true)
	}
	if opt.TCPKeepAlive > 0 {
		_ = netpoll.SetKeepAlive(fd, int(opt.TCPKeepAlive/time.Second))
	}

	return conn
}

func (c *TcpConnection) Name() string      { return c.name }
func (c *TcpConnection) LocalAddr() net.Addr { return c.local }
func (c *TcpConnection) PeerAddr() net.Addr  { return c.peer }
func (c *TcpConnection) GetLoop() *EventLoop { return c.loop }

// Connected reports whether the connection is currently in the
// Connected state. Safe to call from any goroutine.
func (c *TcpConnection) Connected() bool {
	return connState(atomic.LoadInt32((*int32)(&c.state))) == stateConnected
}

func (c *TcpConnection) setState(s connState) {
	atomic.StoreInt32((*int32)(&c.state), int32(s))
}

func (c *TcpConnection) getState() connState {
	return connState(atomic.LoadInt32((*int32)(&c.state)))
}

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)       { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback installs cb, fired when buffered output
// crosses bytes going from below to at-or-over it.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, bytes int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = bytes
}

func (c *TcpConnection) setCloseCallback(cb closeCallback) { c.closeCB = cb }

// connectEstablished runs on the io loop: moves to Connected, enables
// reading, and fires the connection-up callback. The Channel's tie is
// already installed by NewTcpConnection.
func (c *TcpConnection) connectEstablished() {
	c.loop.AssertInLoopGoroutine()
	if c.getState() != stateConnecting {
		fatalf("reactor: connectEstablished called from state %v", c.getState())
	}
	c.setState(stateConnected)
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed runs exactly once on the io loop, when the server
// drops its shared reference: if still Connected, disables all events
// and fires connection-down, then removes the Channel from the loop.
func (c *TcpConnection) connectDestroyed() {
	c.loop.AssertInLoopGoroutine()
	if c.getState() == stateConnected {
		c.setState(stateDisconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	atomic.StoreInt32(&c.alive, 0)
	c.channel.Remove()
	_ = unix.Close(c.fd)
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	n, err := c.inputBuffer.ReadFd(c.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		L().Errorf("reactor: connection %s read error: %v", c.name, err)
		c.handleError()
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.channel.IsWriting() {
		L().Debugf("reactor: connection %s is down, no more writing", c.name)
		return
	}

	n, err := c.outputBuffer.WriteFd(c.fd)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		L().Errorf("reactor: connection %s write error: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)

	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.getState() == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose fires on EOF (peer half-close) or on HUP-without-IN: moves
// to Disconnected and notifies via the connection callback, then asks
// the server to remove this connection. Idempotent against a second
// call arriving before removal completes.
func (c *TcpConnection) handleClose() {
	if c.getState() == stateDisconnected {
		return
	}
	c.setState(stateDisconnected)
	c.channel.DisableAll()

	conn := c
	if c.connectionCallback != nil {
		c.connectionCallback(conn)
	}
	if c.closeCB != nil {
		c.closeCB(conn)
	}
}

func (c *TcpConnection) handleError() {
	L().Errorf("reactor: connection %s socket error", c.name)
	c.handleClose()
}

// Send marshals data onto the io loop if called from a foreign
// goroutine, otherwise writes it directly. Bytes from successive Send
// calls appear on the wire in call order regardless of whether any
// individual call triggers buffering.
func (c *TcpConnection) Send(data []byte) {
	if c.getState() != stateConnected {
		return
	}
	if c.loop.inLoopGoroutine() {
		c.sendInLoop(data)
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(cp) })
}

// SendString is a convenience wrapper over Send.
func (c *TcpConnection) SendString(s string) { c.Send([]byte(s)) }

// SendBuffer drains buf's entire readable region onto the connection.
func (c *TcpConnection) SendBuffer(buf *Buffer) {
	data := append([]byte(nil), buf.Peek()...)
	buf.RetrieveAll()
	c.Send(data)
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopGoroutine()

	if c.getState() == stateDisconnected {
		L().Warnf("reactor: connection %s disconnected, give up sending", c.name)
		return
	}
	if c.fault {
		return
	}

	var (
		written  int
		faulted  bool
	)

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			written = n
			if n == len(data) {
				cb := c.writeCompleteCallback
				if cb != nil {
					c.loop.QueueInLoop(func() { cb(c) })
				}
			}
		case isEAGAIN(err):
			written = 0
		case err == unix.EPIPE || err == unix.ECONNRESET:
			written = 0
			faulted = true
			c.fault = true
		case err != unix.EINTR:
			written = 0
			faulted = true
			c.fault = true
			L().Errorf("reactor: connection %s write error: %v", c.name, err)
		}
	}

	if faulted {
		return
	}

	remaining := len(data) - written
	if remaining <= 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark {
		if c.highWaterMarkCallback != nil {
			c.highWaterMarkCallback(c, oldLen+remaining)
		}
	}

	c.outputBuffer.Append(data[written:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the connection for writing once any buffered
// output has drained, guaranteeing queued bytes are delivered before the
// FIN.
func (c *TcpConnection) Shutdown() {
	if c.getState() != stateConnected {
		return
	}
	c.setState(stateDisconnecting)
	if c.loop.inLoopGoroutine() {
		c.shutdownInLoop()
	} else {
		c.loop.QueueInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopGoroutine()
	if !c.channel.IsWriting() {
		if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
			L().Warnf("reactor: connection %s shutdown(WR) error: %v", c.name, err)
		}
	}
}

// ForceClose tears the connection down immediately, regardless of
// buffered output. TcpServer.Close uses it to drop every live
// connection.
func (c *TcpConnection) ForceClose() {
	if c.getState() == stateConnected || c.getState() == stateDisconnecting {
		c.setState(stateDisconnecting)
		if c.loop.inLoopGoroutine() {
			c.handleClose()
		} else {
			c.loop.QueueInLoop(c.handleClose)
		}
	}
}

