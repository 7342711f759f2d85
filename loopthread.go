package reactor

import (
	"runtime"
	"sync"
)

// ThreadInitCallback is invoked on an io loop's goroutine once its
// EventLoop has been constructed, before it begins polling.
type ThreadInitCallback func(loop *EventLoop)

// LoopThread spawns a goroutine that owns exactly one EventLoop for its
// entire life: constructs it, runs the optional init callback, then
// runs Loop(). StartLoop blocks the calling goroutine until the new
// loop has published itself.
type LoopThread struct {
	initCallback ThreadInitCallback

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop
}

// NewLoopThread returns a LoopThread that will invoke initCb (if
// non-nil) on its loop's goroutine before the loop starts polling.
func NewLoopThread(initCb ThreadInitCallback) *LoopThread {
	lt := &LoopThread{initCallback: initCb}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

// StartLoop spawns the loop goroutine and blocks until it has published
// its EventLoop, returning it.
func (lt *LoopThread) StartLoop() *EventLoop {
	go lt.run()

	lt.mu.Lock()
	for lt.loop == nil {
		lt.cond.Wait()
	}
	loop := lt.loop
	lt.mu.Unlock()

	return loop
}

func (lt *LoopThread) run() {
	// Pin this goroutine to its OS thread for the loop's whole life,
	// mirroring the one-loop-per-thread invariant the original enforces
	// natively; goroutineID() stays valid either way, but a migrated
	// goroutine would defeat the "one reactor per OS thread" intent.
	runtime.LockOSThread()

	loop := NewEventLoop()

	lt.mu.Lock()
	lt.loop = loop
	lt.cond.Signal()
	lt.mu.Unlock()

	if lt.initCallback != nil {
		lt.initCallback(loop)
	}

	loop.Loop()
}

// LoopThreadPool spawns N worker loops and hands them out round-robin.
// A pool with zero threads means "main loop only": GetNextLoop always
// returns the base loop.
type LoopThreadPool struct {
	baseLoop *EventLoop
	name     string

	numThreads int
	started    bool

	threads []*LoopThread
	loops   []*EventLoop
	next    int
}

// NewLoopThreadPool returns a pool anchored on baseLoop. Call
// SetThreadNum before Start to size the worker pool.
func NewLoopThreadPool(baseLoop *EventLoop, name string) *LoopThreadPool {
	return &LoopThreadPool{baseLoop: baseLoop, name: name}
}

// SetThreadNum configures the number of worker loops Start will spawn.
func (p *LoopThreadPool) SetThreadNum(n int) { p.numThreads = n }

// Start spawns numThreads worker loops, invoking initCb on each of their
// goroutines before they begin polling. With zero worker threads, initCb
// is invoked once with the base loop instead.
func (p *LoopThreadPool) Start(initCb ThreadInitCallback) {
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		lt := NewLoopThread(initCb)
		p.threads = append(p.threads, lt)
		p.loops = append(p.loops, lt.StartLoop())
	}

	if p.numThreads == 0 && initCb != nil {
		initCb(p.baseLoop)
	}
}

// GetNextLoop returns the base loop if the pool has no worker threads,
// otherwise the next worker loop in round-robin order.
func (p *LoopThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// GetAllLoops returns the worker loops, or [baseLoop] if the pool is
// empty.
func (p *LoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

// Started reports whether Start has been called.
func (p *LoopThreadPool) Started() bool { return p.started }

// Name returns the pool's configured name.
func (p *LoopThreadPool) Name() string { return p.name }
