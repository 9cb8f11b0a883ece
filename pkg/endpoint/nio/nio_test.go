//go:build linux

package nio

import (
	"testing"

	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/endpoint/endpointtest"
)

func TestBackend(t *testing.T) {
	suite := &endpointtest.BackendSuite{
		NewBackend:   func() endpoint.Backend { return New() },
		ParkedHangup: true,
	}
	suite.Run(t)
}
