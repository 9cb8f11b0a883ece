//go:build !linux

package endpoint

import (
	"context"
	"net"
	"strconv"

	"github.com/marmos91/dittonet/internal/logger"
)

// listen creates a TCP listener. The backlog is left to the runtime on
// this platform.
func listen(address string, port, backlog int) (*net.TCPListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	logger.Debug("Listener on %s uses the system default backlog (requested %d)", ln.Addr(), backlog)
	return ln.(*net.TCPListener), nil
}
