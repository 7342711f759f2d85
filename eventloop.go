//go:build linux

package reactor

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kPollTimeMs is the Multiplexer poll timeout: the only timeout in the
// design (spec.md §5).
const kPollTimeMs = 10_000

// Functor is a task marshalled onto an EventLoop's goroutine, either
// because it was submitted from a foreign goroutine or because it must
// run after the current dispatch round finishes.
type Functor func()

var (
	loopRegistryMu sync.Mutex
	loopRegistry   = map[int64]*EventLoop{}
)

// EventLoop is a per-goroutine reactor: it runs the poll/dispatch/
// pending-task cycle and owns a wakeup descriptor used to interrupt a
// blocked Poll call from another goroutine. At most one EventLoop may
// exist per goroutine; a second construction on the same goroutine logs
// at fatal level and exits the process, mirroring the original's
// LOG_FATAL.
type EventLoop struct {
	ownerGoroutine int64

	poller Multiplexer

	wakeupFd      int
	wakeupChannel *Channel

	looping               int32
	quit                  int32
	callingPendingFunctors int32

	mu      sync.Mutex
	pending []Functor

	pollReturnTime time.Time
}

// NewEventLoop constructs an EventLoop owned by the calling goroutine.
// It must be called, and Loop must run, on the same goroutine for the
// EventLoop's entire life.
func NewEventLoop() *EventLoop {
	gid := goroutineID()

	loopRegistryMu.Lock()
	if existing, ok := loopRegistry[gid]; ok {
		loopRegistryMu.Unlock()
		fatalf("reactor: another EventLoop %p already exists on this goroutine", existing)
	}
	loopRegistryMu.Unlock()

	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		fatalf("reactor: eventfd error: %v", err)
	}

	loop := &EventLoop{ownerGoroutine: gid, wakeupFd: wakeupFd}

	poller, err := newDefaultMultiplexer(loop)
	if err != nil {
		fatalf("reactor: multiplexer init error: %v", err)
	}
	loop.poller = poller

	loop.wakeupChannel = NewChannel(loop, wakeupFd)
	loop.wakeupChannel.SetReadHandler(func(time.Time) { loop.handleWakeupRead() })
	loop.wakeupChannel.EnableReading()

	loopRegistryMu.Lock()
	loopRegistry[gid] = loop
	loopRegistryMu.Unlock()

	return loop
}

func (loop *EventLoop) handleWakeupRead() {
	var buf [8]byte
	n, err := unix.Read(loop.wakeupFd, buf[:])
	if n != 8 || (err != nil && err != unix.EAGAIN) {
		L().Warnf("reactor: EventLoop wakeup read %d bytes, err=%v", n, err)
	}
}

// WakeUp interrupts a blocked Poll call by writing to the wakeup fd.
func (loop *EventLoop) WakeUp() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(loop.wakeupFd, buf[:]); err != nil && err != unix.EAGAIN {
		L().Warnf("reactor: EventLoop wakeup write error: %v", err)
	}
}

// inLoopGoroutine reports whether the calling goroutine is this loop's
// owner.
func (loop *EventLoop) inLoopGoroutine() bool {
	return goroutineID() == loop.ownerGoroutine
}

// AssertInLoopGoroutine logs at fatal level and exits the process if
// called from a goroutine other than the loop's owner. Used to guard operations the spec confines to the
// owning loop (Channel/Multiplexer mutation).
func (loop *EventLoop) AssertInLoopGoroutine() {
	if !loop.inLoopGoroutine() {
		fatalf("reactor: operation invoked from outside owning goroutine")
	}
}

// Loop runs the poll/dispatch/pending-task cycle until Quit is called.
// It must run on the goroutine that constructed this EventLoop.
func (loop *EventLoop) Loop() {
	loop.AssertInLoopGoroutine()

	atomic.StoreInt32(&loop.looping, 1)
	atomic.StoreInt32(&loop.quit, 0)

	L().Debugf("reactor: EventLoop %p start looping", loop)

	for atomic.LoadInt32(&loop.quit) == 0 {
		active, t, err := loop.poller.Poll(kPollTimeMs)
		if err != nil {
			L().Errorf("reactor: poll error: %v", err)
			continue
		}
		loop.pollReturnTime = t
		for _, ch := range active {
			ch.HandleEvent(t)
		}
		loop.doPendingFunctors()
	}

	atomic.StoreInt32(&loop.looping, 0)
	L().Debugf("reactor: EventLoop %p stop looping", loop)
}

// Quit requests the loop to stop after its current poll cycle. Safe to
// call from any goroutine.
func (loop *EventLoop) Quit() {
	atomic.StoreInt32(&loop.quit, 1)
	if !loop.inLoopGoroutine() {
		loop.WakeUp()
	}
}

// RunInLoop executes f synchronously if called from the owning
// goroutine, otherwise marshals it through QueueInLoop.
func (loop *EventLoop) RunInLoop(f Functor) {
	if loop.inLoopGoroutine() {
		f()
		return
	}
	loop.QueueInLoop(f)
}

// QueueInLoop appends f to the pending-task queue. It wakes the loop
// whenever the caller isn't the owning goroutine, or the loop is
// currently draining pending tasks -- a task run during
// doPendingFunctors may itself enqueue further tasks that must be
// observed on the next iteration, and only a wakeup guarantees the
// Multiplexer returns promptly for that to happen.
func (loop *EventLoop) QueueInLoop(f Functor) {
	loop.mu.Lock()
	loop.pending = append(loop.pending, f)
	loop.mu.Unlock()

	if !loop.inLoopGoroutine() || atomic.LoadInt32(&loop.callingPendingFunctors) == 1 {
		loop.WakeUp()
	}
}

func (loop *EventLoop) doPendingFunctors() {
	loop.mu.Lock()
	functors := loop.pending
	loop.pending = nil
	loop.mu.Unlock()

	atomic.StoreInt32(&loop.callingPendingFunctors, 1)
	for _, f := range functors {
		f()
	}
	atomic.StoreInt32(&loop.callingPendingFunctors, 0)
}

// UpdateChannel, RemoveChannel and HasChannel delegate to the
// Multiplexer; callers must already be on this loop's goroutine.
func (loop *EventLoop) UpdateChannel(ch *Channel) {
	loop.AssertInLoopGoroutine()
	if err := loop.poller.UpdateChannel(ch); err != nil {
		L().Errorf("reactor: updateChannel fd=%d error: %v", ch.Fd(), err)
	}
}

func (loop *EventLoop) RemoveChannel(ch *Channel) {
	loop.AssertInLoopGoroutine()
	if err := loop.poller.RemoveChannel(ch); err != nil {
		L().Errorf("reactor: removeChannel fd=%d error: %v", ch.Fd(), err)
	}
}

func (loop *EventLoop) HasChannel(ch *Channel) bool {
	loop.AssertInLoopGoroutine()
	return loop.poller.HasChannel(ch)
}

// close releases the loop's wakeup fd and its multiplexer, and forgets
// its goroutine registration. Intended for tests that spin up short-
// lived loops; production servers keep their loops for the process
// lifetime. Deliberately does not go through Channel/Multiplexer's
// owning-goroutine assertions: by the time a caller tears a loop down,
// Loop() has already returned and its owning goroutine is gone, so
// there is nothing left to race with -- and closing the epoll fd
// outright makes unregistering each Channel individually pointless.
func (loop *EventLoop) close() {
	loopRegistryMu.Lock()
	delete(loopRegistry, loop.ownerGoroutine)
	loopRegistryMu.Unlock()

	_ = unix.Close(loop.wakeupFd)
	if closer, ok := loop.poller.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
