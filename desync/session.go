package desync

import (
	"github.com/pulsarf/waterfall/sock"
)

// Session binds an Engine to one upstream connection and counts how many
// buffers went through it. It is used by the single goroutine that writes
// upstream and is not safe for concurrent use.
type Session struct {
	engine *Engine
	conn   sock.Conn
	meta   Meta
	count  int
}

func (e *Engine) NewSession(conn sock.Conn, meta Meta) *Session {
	return &Session{engine: e, conn: conn, meta: meta}
}

// Handle processes data while the dispatch cap allows it. Once the cap is
// reached data is returned untouched.
func (s *Session) Handle(data []byte) ([]byte, error) {
	if max := s.engine.opts.MaxDispatches; max > 0 && s.count >= max {
		return data, nil
	}
	s.count++
	return s.engine.Process(s.conn, s.meta, data)
}

// Dispatches reports how many buffers were processed.
func (s *Session) Dispatches() int { return s.count }

// Write processes p and forwards what is left, so a Session can sit
// behind io.Copy.
func (s *Session) Write(p []byte) (int, error) {
	out, err := s.Handle(p)
	if err != nil {
		return 0, err
	}
	if len(out) > 0 {
		if err := s.engine.emit.SendPlain(s.conn, out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
