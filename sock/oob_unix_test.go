//go:build linux || darwin || freebsd

package sock

import (
	"errors"
	"io"
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSendOOBShortWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			defer c.Close()
			io.Copy(io.Discard, c)
		}
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	raw, err := conn.(*net.TCPConn).SyscallConn()
	if err != nil {
		t.Fatal(err)
	}

	orig := sendmsgN
	t.Cleanup(func() { sendmsgN = orig })

	cases := []struct {
		name string
		sent int
		err  error
		want error
	}{
		{"full", 3, nil, nil},
		{"short", 2, nil, io.ErrShortWrite},
		{"failed", 0, unix.EPIPE, unix.EPIPE},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var flags int
			sendmsgN = func(fd int, p, oob []byte, to unix.Sockaddr, f int) (int, error) {
				flags = f
				return tc.sent, tc.err
			}
			err := sendOOB(raw, []byte("abc"))
			if !errors.Is(err, tc.want) || (tc.want == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
			if flags&unix.MSG_OOB == 0 {
				t.Errorf("flags = %#x, want MSG_OOB", flags)
			}
		})
	}
}
