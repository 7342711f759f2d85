package reactor

import "time"

// Multiplexer is the readiness-notification capability an EventLoop
// drives: wait for readiness, then let interested Channels be added,
// modified or removed. All methods must be invoked from the owning
// loop's goroutine. The only realization shipped here is epoll
// (poller_epoll_linux.go); an alternative (kqueue, io_uring) must
// preserve the membership-state semantics documented on Channel.
type Multiplexer interface {
	// Poll waits up to timeoutMs milliseconds and returns the Channels
	// whose revents were set by the kernel, plus the time the wait
	// returned. EINTR is treated as an empty result, not an error.
	Poll(timeoutMs int) (active []*Channel, t time.Time, err error)

	// UpdateChannel registers ch's current interest mask with the
	// kernel, adding, modifying or deleting its epoll registration as
	// its membership state and interest mask require.
	UpdateChannel(ch *Channel) error

	// RemoveChannel detaches ch from the kernel registration and the
	// fd->Channel map.
	RemoveChannel(ch *Channel) error

	// HasChannel reports whether ch is currently tracked.
	HasChannel(ch *Channel) bool
}

func newDefaultMultiplexer(loop *EventLoop) (Multiplexer, error) {
	return newEpoller(loop)
}
