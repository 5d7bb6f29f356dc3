//go:build linux

package proxylistener

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	soOriginalDst = 80 // SO_ORIGINAL_DST, linux/netfilter_ipv4.h
	solIPv6       = 41 // SOL_IPV6
)

// originalDestination recovers the pre-NAT destination of a transparently
// redirected TCP connection via getsockopt(SO_ORIGINAL_DST), the same
// mechanism iptables REDIRECT/TPROXY setups rely on.
func originalDestination(conn net.Conn) (string, int, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return "", 0, fmt.Errorf("transparent: connection is not a TCP socket")
	}

	sysConn, err := tcpConn.SyscallConn()
	if err != nil {
		return "", 0, fmt.Errorf("transparent: SyscallConn: %w", err)
	}

	localAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return "", 0, fmt.Errorf("transparent: unexpected local address type")
	}

	var host string
	var port int
	var opErr error

	if localAddr.IP.To4() != nil {
		var addr unix.RawSockaddrInet4
		size := uint32(unix.SizeofSockaddrInet4)
		ctrlErr := sysConn.Control(func(fd uintptr) {
			opErr = getsockopt(fd, unix.IPPROTO_IP, soOriginalDst, unsafe.Pointer(&addr), &size)
		})
		if ctrlErr != nil {
			return "", 0, fmt.Errorf("transparent: Control: %w", ctrlErr)
		}
		if opErr == nil {
			host = net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]).String()
			port = int(ntohs(addr.Port))
		}
	} else {
		var addr unix.RawSockaddrInet6
		size := uint32(unix.SizeofSockaddrInet6)
		ctrlErr := sysConn.Control(func(fd uintptr) {
			opErr = getsockopt(fd, solIPv6, soOriginalDst, unsafe.Pointer(&addr), &size)
		})
		if ctrlErr != nil {
			return "", 0, fmt.Errorf("transparent: Control: %w", ctrlErr)
		}
		if opErr == nil {
			ip := make(net.IP, 16)
			copy(ip, addr.Addr[:])
			host = ip.String()
			port = int(ntohs(addr.Port))
		}
	}

	if opErr != nil {
		return "", 0, fmt.Errorf("transparent: getsockopt(SO_ORIGINAL_DST): %w", opErr)
	}
	return host, port, nil
}

// getsockopt is a thin wrapper around the raw getsockopt(2) syscall, used
// because SO_ORIGINAL_DST has no typed accessor in golang.org/x/sys/unix.
func getsockopt(fd uintptr, level, name int, valuePtr unsafe.Pointer, valueSize *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		fd,
		uintptr(level),
		uintptr(name),
		uintptr(valuePtr),
		uintptr(unsafe.Pointer(valueSize)),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// ntohs converts a 16-bit value from network (big-endian) to host byte
// order, as stored directly in the kernel-filled sockaddr structures.
func ntohs(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
