// Package socks5 is the front end: an RFC 1928 CONNECT proxy whose client
// to upstream direction runs through the desync engine.
package socks5

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pulsarf/waterfall/capture"
	"github.com/pulsarf/waterfall/config"
	"github.com/pulsarf/waterfall/desync"
	"github.com/pulsarf/waterfall/dns"
	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/metrics"
	"github.com/pulsarf/waterfall/sni"
	"github.com/pulsarf/waterfall/sock"
	"github.com/pulsarf/waterfall/strategy"
)

// SOCKS5 protocol constants (RFC 1928, RFC 1929)
const (
	socks5Version = 0x05

	// Auth methods
	authNone       = 0x00
	authUserPass   = 0x02
	authNoAccept   = 0xFF
	authSubVersion = 0x01

	// Commands
	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	// Address types
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	// Reply codes
	repSuccess          = 0x00
	repServerFailure    = 0x01
	repHostUnreachable  = 0x04
	repConnRefused      = 0x05
	repCmdNotSupported  = 0x07
	repAddrNotSupported = 0x08

	defaultHandshakeTime = 10 * time.Second
	defaultDialTimeout   = 10 * time.Second
)

// Deps are the collaborators a Server relays through. Only Engine is
// required.
type Deps struct {
	Engine   *desync.Engine
	Targets  *sni.Targets
	Resolver *dns.Resolver
	Metrics  *metrics.MetricsCollector
	Store    *capture.Store
	Trace    *capture.Trace
}

// Server is a SOCKS5 proxy server.
type Server struct {
	cfg      config.Socks5Config
	deps     Deps
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	engine  atomic.Pointer[desync.Engine]
	targets atomic.Pointer[sni.Targets]

	activeConns atomic.Int64
	connSem     chan struct{}
}

func NewServer(cfg config.Socks5Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	if cfg.MaxConns > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConns)
	}
	s.SetEngine(deps.Engine)
	s.SetTargets(deps.Targets)
	return s
}

// SetEngine swaps the engine used by connections accepted from now on.
// Connections already relaying keep the snapshot they started with.
func (s *Server) SetEngine(e *desync.Engine) {
	if e != nil && s.deps.Metrics != nil {
		e = e.WithObserver(s.deps.Metrics)
	}
	s.engine.Store(e)
}

func (s *Server) Engine() *desync.Engine { return s.engine.Load() }

func (s *Server) SetTargets(t *sni.Targets) { s.targets.Store(t) }

func (s *Server) Targets() *sni.Targets { return s.targets.Load() }

func (s *Server) ActiveConns() int64 { return s.activeConns.Load() }

// Start begins listening for SOCKS5 connections. Returns nil immediately if disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		log.Infof("SOCKS5 server disabled")
		return nil
	}

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("SOCKS5 listen: %w", err)
	}
	s.listener = ln
	log.Infof("SOCKS5 server listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for the accept loop. Relayed
// connections end on their own.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// --- TCP accept loop ---

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("SOCKS5 accept: %v", err)
			continue
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				log.Tracef("SOCKS5 connection limit reached, rejecting %s", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}

		s.activeConns.Add(1)
		go func() {
			defer func() {
				conn.Close()
				if s.connSem != nil {
					<-s.connSem
				}
				s.activeConns.Add(-1)
			}()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.cfg.HandshakeTimeoutSec > 0 {
		return time.Duration(s.cfg.HandshakeTimeoutSec) * time.Second
	}
	return defaultHandshakeTime
}

func (s *Server) dialTimeout() time.Duration {
	if s.cfg.DialTimeoutSec > 0 {
		return time.Duration(s.cfg.DialTimeoutSec) * time.Second
	}
	return defaultDialTimeout
}

func (s *Server) handleConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(s.handshakeTimeout()))

	if err := s.authenticate(conn); err != nil {
		log.Tracef("SOCKS5 auth failed from %s: %v", conn.RemoteAddr(), err)
		return
	}

	if err := s.handleRequest(conn); err != nil {
		log.Tracef("SOCKS5 request failed from %s: %v", conn.RemoteAddr(), err)
	}
}

// --- Authentication (RFC 1928 + RFC 1929) ---

func (s *Server) authenticate(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != socks5Version {
		return fmt.Errorf("unsupported version %d", hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	want := byte(authNone)
	if s.cfg.Username != "" && s.cfg.Password != "" {
		want = authUserPass
	}
	chosen := byte(authNoAccept)
	for _, m := range methods {
		if m == want {
			chosen = want
			break
		}
	}

	if _, err := conn.Write([]byte{socks5Version, chosen}); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	if chosen == authNoAccept {
		return fmt.Errorf("no acceptable auth method")
	}
	if chosen == authUserPass {
		return s.subnegotiateUserPass(conn)
	}
	return nil
}

func (s *Server) subnegotiateUserPass(conn net.Conn) error {
	// VER(1) ULEN(1) UNAME(1-255) PLEN(1) PASSWD(1-255)
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	if hdr[0] != authSubVersion {
		return fmt.Errorf("unsupported auth sub-version %d", hdr[0])
	}

	uname := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, uname); err != nil {
		return fmt.Errorf("read username: %w", err)
	}

	plenBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, plenBuf); err != nil {
		return fmt.Errorf("read password length: %w", err)
	}

	passwd := make([]byte, plenBuf[0])
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	userOK := subtle.ConstantTimeCompare(uname, []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare(passwd, []byte(s.cfg.Password)) == 1
	ok := userOK && passOK

	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := conn.Write([]byte{authSubVersion, status}); err != nil {
		return fmt.Errorf("write auth result: %w", err)
	}
	if !ok {
		return fmt.Errorf("invalid credentials")
	}
	return nil
}

// --- Request handling (RFC 1928 section 4) ---

func (s *Server) handleRequest(conn net.Conn) error {
	// VER(1) CMD(1) RSV(1) ATYP(1)
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != socks5Version {
		sendReply(conn, repServerFailure, nil)
		return fmt.Errorf("unsupported version %d", hdr[0])
	}

	dest, err := readAddress(conn, hdr[3])
	if err != nil {
		sendReply(conn, repAddrNotSupported, nil)
		return fmt.Errorf("read address: %w", err)
	}

	switch hdr[1] {
	case cmdConnect:
		return s.handleConnect(conn, dest)
	default:
		sendReply(conn, repCmdNotSupported, nil)
		return fmt.Errorf("unsupported command %d", hdr[1])
	}
}

// --- TCP CONNECT ---

func (s *Server) resolve(ctx context.Context, dest target) (netip.Addr, error) {
	if dest.addr.IsValid() {
		return dest.addr, nil
	}
	if s.deps.Resolver != nil {
		return s.deps.Resolver.Resolve(ctx, dest.host)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", dest.host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0].Unmap(), nil
}

func (s *Server) isTarget(dest target, addr netip.Addr) bool {
	t := s.targets.Load()
	if t.Empty() {
		return true
	}
	if dest.host != "" && t.MatchHost(dest.host) {
		return true
	}
	return t.MatchIP(addr.AsSlice())
}

func (s *Server) handleConnect(conn net.Conn, dest target) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout())
	defer cancel()

	addr, err := s.resolve(ctx, dest)
	if err != nil {
		sendReply(conn, repHostUnreachable, nil)
		return fmt.Errorf("resolve %s: %w", dest, err)
	}
	remoteAddr := netip.AddrPortFrom(addr, dest.port)

	d := net.Dialer{}
	remote, err := d.DialContext(ctx, "tcp", remoteAddr.String())
	if err != nil {
		log.Tracef("SOCKS5 connect to %s failed: %v", dest, err)
		rep := byte(repHostUnreachable)
		if errors.Is(err, syscall.ECONNREFUSED) {
			rep = repConnRefused
		}
		sendReply(conn, rep, nil)
		return err
	}
	defer remote.Close()

	if err := sendReply(conn, repSuccess, remote.LocalAddr()); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	id := uuid.NewString()
	clog := log.Conn(id)
	targeted := s.isTarget(dest, addr)
	clog.Infof("SOCKS5 %s -> %s (%s), target=%v", conn.RemoteAddr(), dest, remoteAddr, targeted)

	m := s.deps.Metrics
	if m != nil {
		m.RecordConnection(id, dest.host, conn.RemoteAddr().String(), remoteAddr.String(), targeted)
		defer m.CloseConnection()
	}

	conn.SetDeadline(time.Time{})

	var up io.Writer = remote
	if engine := s.engine.Load(); targeted && engine != nil {
		sc, err := s.upstream(remote, remoteAddr)
		if err != nil {
			return err
		}
		up = engine.NewSession(sc, desync.Meta{ID: id, Transport: strategy.TCP, PeerPort: dest.port})
	}
	if s.deps.Store != nil {
		up = &firstWrite{w: up, fn: func(p []byte) {
			host := sni.Locate(p).Host(p)
			if host == "" {
				host = dest.host
			}
			if host != "" && s.deps.Store.Offer(host, p) {
				clog.Infof("captured %d byte first payload for %s", len(p), host)
			}
		}}
	}

	upN, downN, err := relay(conn, remote, up)
	if m != nil {
		m.RecordRelay(upN, downN)
	}
	if err != nil {
		clog.Tracef("relay ended: %v", err)
	}
	return err
}

// upstream wraps the dialed socket with whatever observes emissions.
func (s *Server) upstream(remote net.Conn, remoteAddr netip.AddrPort) (sock.Conn, error) {
	tcp, ok := remote.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("upstream is %T, not TCP", remote)
	}
	sc, err := sock.NewTCPConn(tcp)
	if err != nil {
		return nil, err
	}
	var c sock.Conn = sc
	if s.deps.Metrics != nil {
		c = s.deps.Metrics.WrapConn(c)
	}
	if s.deps.Trace != nil {
		local, _ := netip.ParseAddrPort(remote.LocalAddr().String())
		c = s.deps.Trace.Wrap(c, local, remoteAddr)
	}
	return c, nil
}

// firstWrite hands the first buffer to fn before passing it on.
type firstWrite struct {
	w    io.Writer
	fn   func([]byte)
	done bool
}

func (f *firstWrite) Write(p []byte) (int, error) {
	if !f.done {
		f.done = true
		f.fn(p)
	}
	return f.w.Write(p)
}

// relay copies client to up and remote to client until both directions
// end. An error writing upstream tears the whole connection down.
func relay(client, remote net.Conn, up io.Writer) (upN, downN int64, err error) {
	type result struct {
		n   int64
		err error
	}
	upc := make(chan result, 1)
	go func() {
		n, err := io.Copy(up, client)
		if err != nil {
			remote.Close()
		} else {
			closeWrite(remote)
		}
		upc <- result{n, err}
	}()

	downN, downErr := io.Copy(client, remote)
	if downErr != nil {
		client.Close()
	} else {
		closeWrite(client)
	}
	u := <-upc

	if u.err != nil {
		return u.n, downN, u.err
	}
	return u.n, downN, downErr
}

func closeWrite(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}

// --- Address parsing ---

// target is a CONNECT destination: either a domain name or an address.
type target struct {
	host string
	addr netip.Addr
	port uint16
}

func (t target) String() string {
	if t.host != "" {
		return net.JoinHostPort(t.host, strconv.Itoa(int(t.port)))
	}
	return netip.AddrPortFrom(t.addr, t.port).String()
}

// readAddress reads a SOCKS5 address from r (ATYP already consumed, addrType provided).
func readAddress(r io.Reader, addrType byte) (target, error) {
	switch addrType {
	case atypIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return target{}, err
		}
		return target{addr: netip.AddrFrom4([4]byte(buf[:4])), port: binary.BigEndian.Uint16(buf[4:])}, nil

	case atypIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return target{}, err
		}
		return target{addr: netip.AddrFrom16([16]byte(buf[:16])).Unmap(), port: binary.BigEndian.Uint16(buf[16:])}, nil

	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return target{}, err
		}
		buf := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return target{}, err
		}
		host := string(buf[:len(buf)-2])
		port := binary.BigEndian.Uint16(buf[len(buf)-2:])
		// some clients send IP literals as domains
		if addr, err := netip.ParseAddr(host); err == nil {
			return target{addr: addr.Unmap(), port: port}, nil
		}
		return target{host: host, port: port}, nil

	default:
		return target{}, fmt.Errorf("unsupported address type %d", addrType)
	}
}

// sendReply sends a SOCKS5 reply. If bindAddr is nil, uses 0.0.0.0:0.
func sendReply(conn net.Conn, rep byte, bindAddr net.Addr) error {
	reply := []byte{socks5Version, rep, 0x00}

	ap, err := netip.ParseAddrPort(addrString(bindAddr))
	if err != nil {
		reply = append(reply, atypIPv4, 0, 0, 0, 0, 0, 0)
	} else {
		ip := ap.Addr().Unmap()
		if ip.Is4() {
			reply = append(reply, atypIPv4)
		} else {
			reply = append(reply, atypIPv6)
		}
		reply = append(reply, ip.AsSlice()...)
		reply = binary.BigEndian.AppendUint16(reply, ap.Port())
	}

	_, err = conn.Write(reply)
	return err
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
