//go:build linux

package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopThreadStartLoopPublishesEventLoop(t *testing.T) {
	lt := NewLoopThread(nil)
	loop := lt.StartLoop()
	require.NotNil(t, loop)
	defer loop.Quit()

	assert.False(t, loop.inLoopGoroutine(), "StartLoop returns to the caller's own goroutine")
}

func TestLoopThreadPoolRoundRobinsAcrossThreads(t *testing.T) {
	base := NewEventLoop()
	defer base.close()

	pool := NewLoopThreadPool(base, "test-pool")
	pool.SetThreadNum(3)
	pool.Start(nil)
	defer func() {
		for _, l := range pool.GetAllLoops() {
			l.Quit()
		}
	}()

	loops := pool.GetAllLoops()
	require.Len(t, loops, 3)

	var seen []*EventLoop
	for i := 0; i < 6; i++ {
		seen = append(seen, pool.GetNextLoop())
	}
	assert.Equal(t, seen[0], seen[3])
	assert.Equal(t, seen[1], seen[4])
	assert.Equal(t, seen[2], seen[5])
	assert.NotEqual(t, seen[0], seen[1])
}

func TestLoopThreadPoolZeroThreadsUsesBaseLoop(t *testing.T) {
	base := NewEventLoop()
	defer base.close()

	pool := NewLoopThreadPool(base, "inline-pool")
	var initCalledWith *EventLoop
	pool.Start(func(l *EventLoop) { initCalledWith = l })

	assert.Equal(t, base, pool.GetNextLoop())
	assert.Equal(t, []*EventLoop{base}, pool.GetAllLoops())
	assert.Equal(t, base, initCalledWith)
}
