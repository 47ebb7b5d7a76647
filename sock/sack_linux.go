package sock

import (
	"net"
	"sync"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// sackProgram drops inbound segments that carry TCP options past the
// timestamp, which is where SACK blocks end up.
var sackProgram = []bpf.Instruction{
	bpf.LoadAbsolute{Off: 12, Size: 1},
	bpf.ALUOpConstant{Op: bpf.ALUOpShiftRight, Val: 4},
	bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: 11, SkipTrue: 3},
	bpf.LoadAbsolute{Off: 34, Size: 1},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: 5, SkipTrue: 1},
	bpf.RetConstant{Val: 0},
	bpf.RetConstant{Val: 0x40000},
}

var (
	sackOnce   sync.Once
	sackFilter []unix.SockFilter
	sackErr    error
)

func assembleSACK() ([]unix.SockFilter, error) {
	sackOnce.Do(func() {
		raw, err := bpf.Assemble(sackProgram)
		if err != nil {
			sackErr = err
			return
		}
		sackFilter = make([]unix.SockFilter, len(raw))
		for i, ins := range raw {
			sackFilter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
		}
	})
	return sackFilter, sackErr
}

func disableSACK(c *net.TCPConn) error {
	filter, err := assembleSACK()
	if err != nil {
		return err
	}
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&filter[0])),
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptSockFprog(int(fd), unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
	}); err != nil {
		return err
	}
	return serr
}
