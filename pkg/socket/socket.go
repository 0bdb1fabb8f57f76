// Package socket wraps net.Conn-family primitives into a non-blocking
// contract built on deadline-driven net.Conn rather than raw fd/epoll
// plumbing, since the runtime's netpoller already gives every goroutine
// non-blocking readiness for free.
package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/streamforge/rtspd/pkg/rtsperrors"
)

// setReuseAddr sets SO_REUSEADDR on the listener's underlying fd before
// bind, used as a net.ListenConfig.Control hook.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Socket wraps a net.Conn (TCP) or net.PacketConn (UDP) with a uniform
// send/recv/buffer-tuning API. Reads and writes block until they complete
// or the deadline set with SetDeadline passes; a passed deadline surfaces
// as a WouldBlock error, so callers bound each call and drive their own
// retry loop.
type Socket struct {
	conn   net.Conn
	pconn  net.PacketConn
	mu     sync.Mutex
	closed bool

	localAddrStr string
	localDNSStr  string
	dnsOnce      sync.Once
}

// OpenTCP wraps an existing TCP connection.
func OpenTCP(conn net.Conn) *Socket {
	return &Socket{conn: conn, localAddrStr: conn.LocalAddr().String()}
}

// OpenUDP wraps an existing UDP PacketConn.
func OpenUDP(pconn net.PacketConn) *Socket {
	return &Socket{pconn: pconn, localAddrStr: pconn.LocalAddr().String()}
}

// BindUDP opens a UDP socket on addr (port 0 lets the OS assign one).
func BindUDP(network, addr string) (*Socket, error) {
	conn, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, rtsperrors.Wrap(rtsperrors.KindIOOsError, "bind udp", err)
	}
	return OpenUDP(conn), nil
}

// Listen opens a TCP listener on addr with SO_REUSEADDR set, so an
// accept loop can rebind its listen address across restarts.
func Listen(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, rtsperrors.Wrap(rtsperrors.KindIOOsError, "listen tcp", err)
	}
	return ln, nil
}

// LocalAddrStr returns the cached dotted-quad:port local address.
func (s *Socket) LocalAddrStr() string { return s.localAddrStr }

// LocalDNSStr returns the (cached, lazily resolved) reverse-DNS name of
// the local address, falling back to the address string if lookup
// fails. The lookup itself only ever runs once, best effort.
func (s *Socket) LocalDNSStr() string {
	s.dnsOnce.Do(func() {
		host, _, err := net.SplitHostPort(s.localAddrStr)
		if err != nil {
			s.localDNSStr = s.localAddrStr
			return
		}
		names, err := net.LookupAddr(host)
		if err != nil || len(names) == 0 {
			s.localDNSStr = s.localAddrStr
			return
		}
		s.localDNSStr = names[0]
	})
	return s.localDNSStr
}

// Send writes bytes to a connected (TCP) socket, classifying the result
// as a timeout-based WouldBlock, a closed-peer Disconnected, or a
// genuine OsError.
func (s *Socket) Send(b []byte) (int, error) {
	if s.conn == nil {
		return 0, rtsperrors.New(rtsperrors.KindInternal, "send on non-stream socket")
	}
	n, err := s.conn.Write(b)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Recv reads into buf from a connected (TCP) socket. Zero bytes read
// with no error maps to Disconnected, matching TCP's half-close signal.
func (s *Socket) Recv(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, rtsperrors.New(rtsperrors.KindInternal, "recv on non-stream socket")
	}
	n, err := s.conn.Read(buf)
	if err != nil {
		return n, classify(err)
	}
	if n == 0 {
		return 0, rtsperrors.New(rtsperrors.KindIODisconnected, "peer closed")
	}
	return n, nil
}

// WriteV performs an atomic scatter-write of consecutive slices over the
// stream socket by concatenating into one buffered write; net.Conn has
// no vectored-write primitive, so this is the idiomatic Go substitute.
func (s *Socket) WriteV(slices [][]byte) (int, error) {
	total := 0
	for _, sl := range slices {
		total += len(sl)
	}
	buf := make([]byte, 0, total)
	for _, sl := range slices {
		buf = append(buf, sl...)
	}
	return s.Send(buf)
}

// SendTo writes a UDP datagram to addr.
func (s *Socket) SendTo(b []byte, addr net.Addr) (int, error) {
	if s.pconn == nil {
		return 0, rtsperrors.New(rtsperrors.KindInternal, "sendto on non-packet socket")
	}
	n, err := s.pconn.WriteTo(b, addr)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// RecvFrom reads one UDP datagram.
func (s *Socket) RecvFrom(buf []byte) (int, net.Addr, error) {
	if s.pconn == nil {
		return 0, nil, rtsperrors.New(rtsperrors.KindInternal, "recvfrom on non-packet socket")
	}
	n, addr, err := s.pconn.ReadFrom(buf)
	if err != nil {
		return n, addr, classify(err)
	}
	return n, addr, nil
}

// SetDeadline arms a read/write deadline; used by callers that want a
// bounded "try" rather than blocking the calling goroutine forever.
func (s *Socket) SetDeadline(t time.Time) error {
	if s.conn != nil {
		return s.conn.SetDeadline(t)
	}
	if s.pconn != nil {
		return s.pconn.SetDeadline(t)
	}
	return nil
}

// SetBuffers tunes the OS socket buffer sizes (so_sndbuf/so_rcvbuf).
// A zero value leaves that buffer untouched.
func (s *Socket) SetBuffers(sndbuf, rcvbuf int) error {
	type bufSetter interface {
		SetWriteBuffer(int) error
		SetReadBuffer(int) error
	}

	var bs bufSetter
	switch {
	case s.conn != nil:
		tc, ok := s.conn.(bufSetter)
		if !ok {
			return nil
		}
		bs = tc
	case s.pconn != nil:
		uc, ok := s.pconn.(bufSetter)
		if !ok {
			return nil
		}
		bs = uc
	default:
		return nil
	}

	if sndbuf > 0 {
		if err := bs.SetWriteBuffer(sndbuf); err != nil {
			return rtsperrors.Wrap(rtsperrors.KindIOOsError, "set so_sndbuf", err)
		}
	}
	if rcvbuf > 0 {
		if err := bs.SetReadBuffer(rcvbuf); err != nil {
			return rtsperrors.Wrap(rtsperrors.KindIOOsError, "set so_rcvbuf", err)
		}
	}
	return nil
}

// SetTCPNoDelay toggles Nagle's algorithm on a stream socket.
func (s *Socket) SetTCPNoDelay(noDelay bool) error {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(noDelay); err != nil {
		return rtsperrors.Wrap(rtsperrors.KindIOOsError, "set tcp_nodelay", err)
	}
	return nil
}

// SetKeepAlive toggles TCP keepalive probes on a stream socket.
func (s *Socket) SetKeepAlive(enabled bool) error {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(enabled); err != nil {
		return rtsperrors.Wrap(rtsperrors.KindIOOsError, "set so_keepalive", err)
	}
	return nil
}

// Underlying exposes the wrapped net.Conn or net.PacketConn for
// callers (e.g. pkg/udppool's multicast TTL setup) that need API
// surface this wrapper doesn't cover.
func (s *Socket) Underlying() interface{} {
	if s.conn != nil {
		return s.conn
	}
	return s.pconn
}

// Close closes the underlying connection. Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	if s.pconn != nil {
		return s.pconn.Close()
	}
	return nil
}

// classify maps a net package error into this server's error kinds:
// timeouts are WouldBlock; a closed socket, end of stream (the peer
// closed), a reset or a broken pipe are Disconnected; everything else is
// an OsError.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return rtsperrors.Wrap(rtsperrors.KindIOWouldBlock, "would block", err)
		}
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return rtsperrors.Wrap(rtsperrors.KindIODisconnected, "socket closed", err)
	}
	return rtsperrors.Wrap(rtsperrors.KindIOOsError, "socket error", err)
}
