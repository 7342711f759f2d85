package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the numeric id Go's runtime assigns the calling
// goroutine, by parsing the "goroutine N [running]:" header that
// runtime.Stack always emits first. There is no supported API for this;
// it stands in for the original's CurrentThread::tid(), giving each
// EventLoop a stable identity for its owning goroutine across its whole
// lifetime (the goroutine never migrates once its LoopThread pins it).
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
