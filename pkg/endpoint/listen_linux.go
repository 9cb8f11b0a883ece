//go:build linux

package endpoint

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listen creates a TCP listener with an explicit accept backlog. An empty
// address binds the IPv6 any-address in dual-stack mode, falling back to
// IPv4 on hosts without IPv6.
func listen(address string, port, backlog int) (*net.TCPListener, error) {
	var ip net.IP
	if address != "" {
		resolved, err := net.ResolveIPAddr("ip", address)
		if err != nil {
			return nil, err
		}
		ip = resolved.IP
	}

	if ip == nil {
		ln, err := listenFamily(unix.AF_INET6, net.IPv6unspecified, port, backlog)
		if err == nil {
			return ln, nil
		}
		return listenFamily(unix.AF_INET, net.IPv4zero, port, backlog)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return listenFamily(unix.AF_INET, ip4, port, backlog)
	}
	return listenFamily(unix.AF_INET6, ip, port, backlog)
}

func listenFamily(family int, ip net.IP, port, backlog int) (*net.TCPListener, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, os.NewSyscallError("setsockopt", err)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		if ip.IsUnspecified() {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
				return nil, os.NewSyscallError("setsockopt", err)
			}
		}
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip.To4())
		sa = sa4
	}

	if err := unix.Bind(fd, sa); err != nil {
		return nil, os.NewSyscallError("bind", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, os.NewSyscallError("listen", err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp-listener-%d", port))
	ok = true
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}
