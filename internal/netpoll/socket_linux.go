// Package netpoll holds the raw socket syscalls the reactor core needs:
// creating a listening socket, accepting connections, resolving
// addresses and setting socket options. It is the out-of-scope "socket
// address wrapper" collaborator's stand-in -- a thin, unopinionated
// layer over golang.org/x/sys/unix rather than a bespoke InetAddress
// type, since net.Addr already fills that role in Go.
package netpoll

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// CreateListener creates a non-blocking, close-on-exec TCP listening
// socket bound to addr, with SO_REUSEADDR always set and SO_REUSEPORT
// set when reusePort is true.
func CreateListener(addr string, reusePort bool) (fd int, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("reactor/netpoll: resolve %q: %w", addr, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt(SO_REUSEADDR)", err)
	}
	if reusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt(SO_REUSEPORT)", err)
		}
	}

	sa, err := tcpAddrToSockaddr(tcpAddr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}

	return fd, nil
}

// Listen issues listen(2) with a generous backlog.
func Listen(fd int) error {
	const backlog = 1024
	if err := unix.Listen(fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// Accept4 accepts one connection from listenFd, returning a
// non-blocking, close-on-exec socket and the peer's raw sockaddr.
func Accept4(listenFd int) (connFd int, sa unix.Sockaddr, err error) {
	connFd, sa, err = unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return connFd, sa, nil
}

// ReserveIdleFD opens a throwaway fd to hold in reserve for the
// EMFILE-recovery escape valve: when accept fails with EMFILE, closing
// this fd frees one descriptor, letting accept-then-close drain one
// waiting connection, after which this fd is reopened.
func ReserveIdleFD() (int, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("open", err)
	}
	return fd, nil
}

// LocalAddr resolves the local address a connected or listening fd is
// bound to.
func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return SockaddrToTCPAddr(sa), nil
}

// SockaddrToTCPAddr converts a raw syscall sockaddr into a *net.TCPAddr.
func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	default:
		return nil
	}
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	ip4 := addr.IP.To4()
	if ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		// Unspecified address: bind to all interfaces.
		return &unix.SockaddrInet4{Port: addr.Port}, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip16)
	return sa, nil
}

// SetTCPNoDelay toggles Nagle's algorithm on fd.
func SetTCPNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
		return os.NewSyscallError("setsockopt(TCP_NODELAY)", err)
	}
	return nil
}

// SetKeepAlive enables SO_KEEPALIVE with the given idle time in seconds.
func SetKeepAlive(fd int, idleSecs int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return os.NewSyscallError("setsockopt(SO_KEEPALIVE)", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idleSecs); err != nil {
		return os.NewSyscallError("setsockopt(TCP_KEEPIDLE)", err)
	}
	return nil
}
