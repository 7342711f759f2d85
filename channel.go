//go:build linux

package reactor

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Channel membership state, as tracked by the owning Multiplexer. None of
// these are valid concurrently with anything but the owning loop's
// goroutine.
const (
	channelNew     = -1 // never added to the multiplexer
	channelAdded   = 1
	channelDeleted = 2
)

const (
	readEvent  = unix.EPOLLIN | unix.EPOLLPRI
	writeEvent = unix.EPOLLOUT
	noneEvent  = 0
)

// ReadEventHandler is invoked on read-readiness, carrying the timestamp
// the owning loop's Poll call returned.
type ReadEventHandler func(receiveTime time.Time)

// EventHandler is invoked for write-readiness, close and error events.
type EventHandler func()

// Channel binds one non-blocking file descriptor to an interest mask and
// a set of callbacks. It never owns the fd. Each Channel belongs to
// exactly one EventLoop for its entire life; all interest-mask mutation
// and callback dispatch happen on that loop's goroutine.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32
	revents uint32
	index   int // membership state in the owning Multiplexer

	readHandler  ReadEventHandler
	writeHandler EventHandler
	closeHandler EventHandler
	errorHandler EventHandler

	// tie points at the owning TcpConnection's liveness flag. When set,
	// HandleEvent drops the event rather than dispatch if the flag has
	// gone to zero -- the owner has already torn down earlier in the
	// same dispatch batch, e.g. another channel's callback closed it.
	tie *int32
}

// NewChannel returns a Channel for fd, owned by loop. The interest mask
// starts empty.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: channelNew}
}

func (ch *Channel) Fd() int      { return ch.fd }
func (ch *Channel) Events() uint32 { return ch.events }

func (ch *Channel) setRevents(revents uint32) { ch.revents = revents }

func (ch *Channel) Index() int      { return ch.index }
func (ch *Channel) SetIndex(i int)  { ch.index = i }
func (ch *Channel) OwnerLoop() *EventLoop { return ch.loop }

// IsNoneEvent reports whether the channel currently has no interest.
func (ch *Channel) IsNoneEvent() bool { return ch.events == noneEvent }
func (ch *Channel) IsReading() bool   { return ch.events&readEvent != 0 }
func (ch *Channel) IsWriting() bool   { return ch.events&writeEvent != 0 }

func (ch *Channel) SetReadHandler(f ReadEventHandler)  { ch.readHandler = f }
func (ch *Channel) SetWriteHandler(f EventHandler)      { ch.writeHandler = f }
func (ch *Channel) SetCloseHandler(f EventHandler)      { ch.closeHandler = f }
func (ch *Channel) SetErrorHandler(f EventHandler)      { ch.errorHandler = f }

// EnableReading, DisableReading, EnableWriting, DisableWriting and
// DisableAll mutate the interest mask and push it to the owning loop's
// Multiplexer.
func (ch *Channel) EnableReading() {
	ch.events |= readEvent
	ch.update()
}

func (ch *Channel) DisableReading() {
	ch.events &^= readEvent
	ch.update()
}

func (ch *Channel) EnableWriting() {
	ch.events |= writeEvent
	ch.update()
}

func (ch *Channel) DisableWriting() {
	ch.events &^= writeEvent
	ch.update()
}

func (ch *Channel) DisableAll() {
	ch.events = noneEvent
	ch.update()
}

func (ch *Channel) update() {
	ch.loop.UpdateChannel(ch)
}

// Remove detaches the channel from its owning loop's Multiplexer. The
// caller must have already disabled all interest.
func (ch *Channel) Remove() {
	ch.loop.RemoveChannel(ch)
}

// Tie installs a weak-style back-reference to the owning object's
// liveness flag: HandleEvent silently drops the event once the flag
// reads zero. See TcpConnection's doc in connection.go for why Go
// doesn't need a true weak pointer here.
func (ch *Channel) Tie(alive *int32) { ch.tie = alive }

// HandleEvent dispatches the stored revents to the matching callback(s),
// in the order close, error, read, write, honoring the tie guard if one
// is installed.
func (ch *Channel) HandleEvent(receiveTime time.Time) {
	if ch.tie != nil && atomic.LoadInt32(ch.tie) == 0 {
		return
	}
	ch.handleEventWithGuard(receiveTime)
}

func (ch *Channel) handleEventWithGuard(receiveTime time.Time) {
	revents := ch.revents
	if revents&unix.EPOLLHUP != 0 && revents&unix.EPOLLIN == 0 {
		if ch.closeHandler != nil {
			ch.closeHandler()
		}
	}
	if revents&unix.EPOLLERR != 0 {
		if ch.errorHandler != nil {
			ch.errorHandler()
		}
	}
	if revents&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		if ch.readHandler != nil {
			ch.readHandler(receiveTime)
		}
	}
	if revents&unix.EPOLLOUT != 0 {
		if ch.writeHandler != nil {
			ch.writeHandler()
		}
	}
}
