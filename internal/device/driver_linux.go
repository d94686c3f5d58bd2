//go:build linux

package device

import (
	"github.com/shaunagostinho/obdbridge/internal/passthru"
	"github.com/shaunagostinho/obdbridge/internal/passthru/socketcan"
)

// platformDriver backs j2534 devices with a SocketCAN interface; the
// connection port names the interface (can0, vcan0).
func platformDriver() (passthru.Driver, error) {
	return socketcan.New(), nil
}
