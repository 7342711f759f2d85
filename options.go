package reactor

import "time"

// Option selects whether the listening socket sets SO_REUSEPORT.
type Option int

const (
	NoReusePort Option = iota
	ReusePort
)

// ServerOption configures optional knobs a TcpServer exposes beyond the
// listen address and reuseport choice, in the spirit of the teacher's
// adapter.TCPServer struct-of-knobs (Multicore/ReuseAddr/ReusePort/
// SocketRecvBuffer/SocketSendBuffer/TCPKeepAlive).
type ServerOption struct {
	// ReadBufferSize seeds the initial capacity of each TcpConnection's
	// input and output Buffers.
	ReadBufferSize int

	// HighWaterMark is the default per-connection output high-water
	// mark, in bytes. TcpConnection.SetHighWaterMarkCallback can
	// override it per connection.
	HighWaterMark int

	// TCPNoDelay disables Nagle's algorithm on accepted connections.
	TCPNoDelay bool

	// TCPKeepAlive sets SO_KEEPALIVE with the given idle duration on
	// accepted connections; zero disables it.
	TCPKeepAlive time.Duration
}

// DefaultServerOption mirrors muduo-family defaults: no Nagle override,
// a 64MiB high-water mark (matching the 1MiB/64KiB test scenarios in
// spec.md §8 comfortably), default-size read buffers.
func DefaultServerOption() ServerOption {
	return ServerOption{
		ReadBufferSize: kInitialSize,
		HighWaterMark:  64 * 1024 * 1024,
	}
}
