//go:build !(linux || darwin || freebsd)

package sock

import (
	"errors"
	"syscall"
)

func sendOOB(syscall.RawConn, []byte) error {
	return errors.ErrUnsupported
}
