//go:build !linux
// +build !linux

package upstream

import (
	"syscall"
)

// Send buffer tuning is only supported on Linux.
func sendBufferControl(size int) func(network, address string, c syscall.RawConn) error {
	return nil
}
