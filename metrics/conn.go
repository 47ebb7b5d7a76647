package metrics

import "github.com/pulsarf/waterfall/sock"

// countingConn feeds emission counters from every socket operation the
// engine issues.
type countingConn struct {
	sock.Conn
	set *promSet
}

// WrapConn returns c with its writes, urgent sends and TTL changes counted.
func (m *MetricsCollector) WrapConn(c sock.Conn) sock.Conn {
	return &countingConn{Conn: c, set: m.prom}
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.set.emissions.WithLabelValues("write").Inc()
	c.set.emissionBytes.WithLabelValues("write").Add(float64(n))
	return n, err
}

func (c *countingConn) SendOOB(p []byte) error {
	err := c.Conn.SendOOB(p)
	c.set.emissions.WithLabelValues("oob").Inc()
	if err == nil {
		c.set.emissionBytes.WithLabelValues("oob").Add(float64(len(p)))
	}
	return err
}

func (c *countingConn) SetTTL(ttl int) error {
	c.set.emissions.WithLabelValues("ttl").Inc()
	return c.Conn.SetTTL(ttl)
}

func (c *countingConn) DisableSACK() error {
	c.set.emissions.WithLabelValues("sack").Inc()
	return c.Conn.DisableSACK()
}
