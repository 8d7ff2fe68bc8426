//go:build unix

package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const supported = true

func (o Options) apply(fd uintptr) error {
	if o.ReuseAddr {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
		}
	}
	if o.RecvBuffer > 0 {
		// The kernel may clamp the size; that is not an error.
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuffer); err != nil {
			return fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
		}
	}
	return nil
}
