//go:build linux || darwin || freebsd

package sock

import (
	"fmt"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

var sendmsgN = unix.SendmsgN

// sendOOB writes p as a single urgent send. A partial send is not retried
// and is reported as io.ErrShortWrite.
func sendOOB(raw syscall.RawConn, p []byte) error {
	var (
		n    int
		serr error
	)
	err := raw.Write(func(fd uintptr) bool {
		n, serr = sendmsgN(int(fd), p, nil, nil, unix.MSG_OOB)
		return serr != unix.EAGAIN
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return serr
	}
	if n < len(p) {
		return fmt.Errorf("oob: sent %d of %d bytes: %w", n, len(p), io.ErrShortWrite)
	}
	return nil
}
