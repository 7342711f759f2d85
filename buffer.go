//go:build linux

package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	kCheapPrepend = 8
	kInitialSize  = 1024
)

// Buffer is a growable byte store split by two indices into a
// prependable region, a readable region and a writable region:
//
//	[0, reader) prependable | [reader, writer) readable | [writer, size) writable
//
// It is not safe for concurrent use; each Buffer belongs to exactly one
// TcpConnection, touched only on that connection's io loop.
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

// NewBuffer returns a Buffer with the default initial capacity.
func NewBuffer() *Buffer {
	return NewBufferSize(kInitialSize)
}

// NewBufferSize returns a Buffer whose writable region starts at
// initialSize bytes.
func NewBufferSize(initialSize int) *Buffer {
	return &Buffer{
		buf:    make([]byte, kCheapPrepend+initialSize),
		reader: kCheapPrepend,
		writer: kCheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes available to Append without
// growing the buffer.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the number of bytes before the readable
// region.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns the readable region without consuming it. The returned
// slice aliases the buffer and is invalidated by the next mutation.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve advances the reader index by n, clamping to the readable
// region and resetting to the cheap-prepend offset when fully drained.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.reader += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll resets both indices to the cheap-prepend offset,
// preserving kCheapPrepend bytes of prependable space.
func (b *Buffer) RetrieveAll() {
	b.reader = kCheapPrepend
	b.writer = kCheapPrepend
}

// RetrieveAsString consumes n readable bytes and returns them as a
// string.
func (b *Buffer) RetrieveAsString(n int) string {
	result := string(b.Peek()[:n])
	b.Retrieve(n)
	return result
}

// RetrieveAllAsString consumes the entire readable region and returns it
// as a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// EnsureWritableBytes grows the buffer, if necessary, so that at least n
// bytes are writable. It first tries to reclaim space by shifting the
// readable region down to the cheap-prepend offset; only if that still
// leaves insufficient room does it grow the underlying array.
func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() >= n {
		return
	}
	b.makeSpace(n)
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+kCheapPrepend {
		grown := make([]byte, b.writer+n)
		copy(grown, b.buf[:b.writer])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[kCheapPrepend:], b.buf[b.reader:b.writer])
	b.reader = kCheapPrepend
	b.writer = b.reader + readable
}

// Append copies data into the writable region, growing as needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	copy(b.buf[b.writer:], data)
	b.writer += len(data)
}

// extraBufSize bounds the stack-allocated overflow extent ReadFd reads
// into when the buffer's writable tail isn't enough for one syscall.
const extraBufSize = 64 * 1024

// ReadFd reads as much as is available from fd in a single scatter read
// (readv) into the buffer's writable tail plus a 64KiB stack extent, then
// appends any bytes that landed in the extent. This bounds memory for
// the common small-message case while still draining a large burst in
// one syscall. Returns (-1, err) on failure; EAGAIN/EWOULDBLOCK is a
// normal not-ready signal, surfaced to the caller as a plain error so it
// can distinguish it from a fault.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte

	writable := b.WritableBytes()
	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writer:])
	if writable < len(extra) {
		iov = append(iov, extra[:])
	}

	n, err := readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writer += n
	} else {
		b.writer = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

func readv(fd int, iov [][]byte) (int, error) {
	n, err := unix.Readv(fd, iov)
	if err != nil {
		return 0, os.NewSyscallError("readv", err)
	}
	return n, nil
}

// WriteFd writes the entire readable region to fd, returning the number
// of bytes actually written (which may be less than ReadableBytes on a
// partial write). It never consumes the written bytes itself; callers
// retrieve what was actually sent.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, os.NewSyscallError("write", err)
	}
	return n, nil
}
