//go:build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestChannelEnableDisableTracksEvents(t *testing.T) {
	loop := NewEventLoop()
	defer loop.close()

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	defer unix.Close(fd)

	ch := NewChannel(loop, fd)
	assert.True(t, ch.IsNoneEvent())

	ch.EnableReading()
	assert.True(t, ch.IsReading())
	assert.False(t, ch.IsWriting())

	ch.EnableWriting()
	assert.True(t, ch.IsWriting())

	ch.DisableWriting()
	assert.False(t, ch.IsWriting())

	ch.DisableAll()
	assert.True(t, ch.IsNoneEvent())
}

func TestChannelHandleEventDispatchesByRevents(t *testing.T) {
	loop := NewEventLoop()
	defer loop.close()

	ch := NewChannel(loop, 99)

	var readFired, writeFired, closeFired, errorFired bool
	ch.SetReadHandler(func(time.Time) { readFired = true })
	ch.SetWriteHandler(func() { writeFired = true })
	ch.SetCloseHandler(func() { closeFired = true })
	ch.SetErrorHandler(func() { errorFired = true })

	ch.setRevents(unix.EPOLLIN)
	ch.HandleEvent(time.Now())
	assert.True(t, readFired)
	assert.False(t, writeFired)

	readFired = false
	ch.setRevents(unix.EPOLLOUT)
	ch.HandleEvent(time.Now())
	assert.True(t, writeFired)
	assert.False(t, readFired)

	ch.setRevents(unix.EPOLLHUP)
	ch.HandleEvent(time.Now())
	assert.True(t, closeFired)

	closeFired = false
	ch.setRevents(unix.EPOLLHUP | unix.EPOLLIN)
	readFired = false
	ch.HandleEvent(time.Now())
	assert.False(t, closeFired, "HUP with IN set must not fire close")
	assert.True(t, readFired)

	ch.setRevents(unix.EPOLLERR)
	ch.HandleEvent(time.Now())
	assert.True(t, errorFired)
}

func TestChannelTieDropsEventsOnceDead(t *testing.T) {
	loop := NewEventLoop()
	defer loop.close()

	ch := NewChannel(loop, 100)
	var fired bool
	ch.SetReadHandler(func(time.Time) { fired = true })
	ch.setRevents(unix.EPOLLIN)

	var alive int32 = 1
	ch.Tie(&alive)

	ch.HandleEvent(time.Now())
	assert.True(t, fired)

	fired = false
	alive = 0
	ch.HandleEvent(time.Now())
	assert.False(t, fired, "tied channel must drop events once alive flag is zero")
}
