package wire

import (
	"errors"
	"os"
	"syscall"
)

// isWouldBlock reports whether err is the "no data right now" condition
// a non-blocking read on an empty pipe returns, which Receive treats as
// "nothing to drain" rather than a transport failure.
func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// SetNonblock puts f's underlying descriptor in non-blocking mode. The
// spawn shim calls this on the parent's end of a freshly created pipe
// before handing it to a PipeSocket.
func SetNonblock(f *os.File) error {
	return syscall.SetNonblock(int(f.Fd()), true)
}
