package reactor

import "time"

// ConnectionCallback fires when a TcpConnection transitions up
// (Connected() == true) or down (Connected() == false); connection-down
// fires exactly once.
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires whenever bytes have been read into buf. Handlers
// that don't consume everything leave the remainder for the next call.
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime time.Time)

// WriteCompleteCallback fires once a TcpConnection's output buffer has
// fully drained to the kernel.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires when a TcpConnection's buffered output
// crosses its configured high-water mark, going from below to at-or-over
// it.
type HighWaterMarkCallback func(conn *TcpConnection, bytesBuffered int)

// closeCallback is the TcpServer-internal hook a TcpConnection uses to
// ask to be removed from the server's connection registry. It is not
// part of the public callback surface.
type closeCallback func(conn *TcpConnection)

func defaultConnectionCallback(conn *TcpConnection) {
	L().Debugf("reactor: connection %s %s", conn.Name(), connStateLabel(conn.Connected()))
}

func defaultMessageCallback(conn *TcpConnection, buf *Buffer, _ time.Time) {
	// Applications that don't install their own handler simply discard
	// whatever arrived.
	buf.RetrieveAll()
}

func connStateLabel(up bool) string {
	if up {
		return "UP"
	}
	return "DOWN"
}
