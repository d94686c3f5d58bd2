//go:build !linux

package device

import (
	"fmt"
	"runtime"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

func platformDriver() (passthru.Driver, error) {
	return nil, fmt.Errorf("no pass-through driver on %s: %w", runtime.GOOS, obd.ErrUnsupported)
}
