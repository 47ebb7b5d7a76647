//go:build !linux

package sock

import "net"

// Without socket filters the closest we get is flushing small segments
// immediately.
func disableSACK(c *net.TCPConn) error {
	return c.SetNoDelay(true)
}
