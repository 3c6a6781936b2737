//go:build !linux

package transport

import (
	"errors"

	"firestige.xyz/canlens/internal/config"
)

func newSocketCANFromConfig(cfg config.TransportConfig) (Transport, error) {
	return nil, newError("new", StatusNoDriver, errors.New("socketcan is only available on linux"))
}
