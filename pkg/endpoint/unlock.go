package endpoint

import (
	"net"
	"strconv"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
)

// runningAcceptors counts acceptors that may be blocked in accept.
func (e *Endpoint) runningAcceptors() int {
	n := 0
	for _, a := range e.acceptors {
		if a.State() == AcceptorRunning {
			n++
		}
	}
	return n
}

// unlockAccept wakes acceptors blocked in accept by connecting to the
// listener once per running acceptor, then waits up to UnlockTimeout for
// them to leave the RUNNING state.
func (e *Endpoint) unlockAccept() {
	running := e.runningAcceptors()
	if running == 0 {
		return
	}
	ln := e.currentListener()
	if ln == nil {
		return
	}

	target := unlockAddress(ln.Addr().(*net.TCPAddr))
	dialer := net.Dialer{Timeout: e.cfg.UnlockTimeout}

	var conns []net.Conn
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for range running {
		c, err := dialer.Dial("tcp", target)
		if err != nil {
			logger.Warn("Endpoint %s: failed to unlock acceptor on %s: %v", e.cfg.Name, target, err)
			return
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		conns = append(conns, c)
	}

	deadline := time.Now().Add(e.cfg.UnlockTimeout)
	for e.runningAcceptors() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := e.runningAcceptors(); n > 0 {
		logger.Warn("Endpoint %s: %d acceptor(s) still in accept after %v", e.cfg.Name, n, e.cfg.UnlockTimeout)
	}
}

// unlockAddress returns the address to dial to reach a listener bound to
// addr.
func unlockAddress(addr *net.TCPAddr) string {
	ip := addr.IP
	if ip == nil || ip.IsUnspecified() {
		ifAddrs, err := net.InterfaceAddrs()
		if err != nil {
			logger.Debug("Listing interface addresses: %v", err)
		}
		ip = selectUnlockIP(ip, ifAddrs)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port))
}

// selectUnlockIP picks a local address to connect to a listener bound to
// listenIP. A concrete listenIP is returned unchanged. For the any-address,
// a loopback address of the same family is preferred, then any other
// non-link-local address of that family, then 127.0.0.1 (dual-stack IPv6
// listeners accept IPv4-mapped connections).
func selectUnlockIP(listenIP net.IP, addrs []net.Addr) net.IP {
	if listenIP != nil && !listenIP.IsUnspecified() {
		return listenIP
	}
	wantV4 := listenIP == nil || listenIP.To4() != nil

	var fallback net.IP
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if (ip.To4() != nil) != wantV4 {
			continue
		}
		if ip.IsLoopback() {
			return ip
		}
		if fallback == nil && !ip.IsLinkLocalUnicast() {
			fallback = ip
		}
	}
	if fallback != nil {
		return fallback
	}
	return net.IPv4(127, 0, 0, 1)
}
