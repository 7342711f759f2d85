//go:build linux

package reactor

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// kInitEventListSize is the starting capacity of the epoll_wait event
// buffer; it doubles whenever a Poll call fills it completely.
const kInitEventListSize = 16

// epoller is the epoll realization of Multiplexer.
type epoller struct {
	loop     *EventLoop
	epollFd  int
	events   []unix.EpollEvent
	channels map[int]*Channel // fd -> Channel, non-owning
}

func newEpoller(loop *EventLoop) (*epoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epoller{
		loop:     loop,
		epollFd:  fd,
		events:   make([]unix.EpollEvent, kInitEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

func (ep *epoller) Poll(timeoutMs int) ([]*Channel, time.Time, error) {
	n, err := unix.EpollWait(ep.epollFd, ep.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return nil, now, nil
		}
		return nil, now, os.NewSyscallError("epoll_wait", err)
	}
	active := ep.fillActiveChannels(n)
	if n == len(ep.events) {
		ep.events = make([]unix.EpollEvent, len(ep.events)*2)
	}
	return active, now, nil
}

func (ep *epoller) fillActiveChannels(n int) []*Channel {
	active := make([]*Channel, 0, n)
	for i := 0; i < n; i++ {
		ev := ep.events[i]
		fd := int(ev.Fd)
		ch, ok := ep.channels[fd]
		if !ok {
			continue
		}
		ch.setRevents(ev.Events)
		active = append(active, ch)
	}
	return active
}

func (ep *epoller) UpdateChannel(ch *Channel) error {
	index := ch.Index()
	if index == channelNew || index == channelDeleted {
		fd := ch.Fd()
		if index == channelNew {
			if _, exists := ep.channels[fd]; exists {
				return fmt.Errorf("reactor: fd %d already registered", fd)
			}
		} else if existing, exists := ep.channels[fd]; !exists || existing != ch {
			return fmt.Errorf("reactor: fd %d membership inconsistent", fd)
		}
		ep.channels[fd] = ch
		ch.SetIndex(channelAdded)
		return ep.update(unix.EPOLL_CTL_ADD, ch)
	}

	// Already added.
	if ch.IsNoneEvent() {
		ch.SetIndex(channelDeleted)
		return ep.update(unix.EPOLL_CTL_DEL, ch)
	}
	return ep.update(unix.EPOLL_CTL_MOD, ch)
}

func (ep *epoller) RemoveChannel(ch *Channel) error {
	fd := ch.Fd()
	delete(ep.channels, fd)
	if ch.Index() == channelAdded {
		if err := ep.update(unix.EPOLL_CTL_DEL, ch); err != nil {
			return err
		}
	}
	ch.SetIndex(channelNew)
	return nil
}

func (ep *epoller) HasChannel(ch *Channel) bool {
	existing, ok := ep.channels[ch.Fd()]
	return ok && existing == ch
}

func (ep *epoller) update(op int, ch *Channel) error {
	ev := unix.EpollEvent{Events: ch.Events(), Fd: int32(ch.Fd())}
	if err := unix.EpollCtl(ep.epollFd, op, ch.Fd(), &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (ep *epoller) Close() error {
	return unix.Close(ep.epollFd)
}
