// Package rtspserver accepts TCP connections and turns each one into an
// independent goroutine that reads RTSP requests (or interleaved RTP/RTCP
// frames) off the wire and feeds them to a pkg/session.Manager, writing
// back whatever response the Manager produces. One goroutine per
// connection reads; a single per-connection dispatch loop serialises
// response writes, the same shape as the accept-loop/per-conn-goroutine
// idiom this package is descended from.
package rtspserver

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/rtspd/internal/metrics"
	"github.com/streamforge/rtspd/pkg/session"
)

const (
	readBufferSize  = 4096
	writeBufferSize = 4096
)

// Config configures a Server.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":8554".
	Addr string

	// TLSConfig, if non-nil, serves RTSPS on Addr instead of plain RTSP.
	TLSConfig *tls.Config

	// IdleTimeout bounds how long a connection may sit with no request
	// and no active RECORD session before it is dropped. Zero disables
	// the read deadline.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single response/frame write.
	WriteTimeout time.Duration

	Manager *session.Manager
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Server listens for RTSP connections and dispatches their requests
// against a single shared session.Manager.
type Server struct {
	cfg      Config
	listener net.Listener
}

// Listen opens cfg.Addr and returns a Server ready for Serve.
func Listen(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, listener: ln}, nil
}

// Close stops accepting new connections. Connections already accepted
// run until their own context/read errors end them.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		nconn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(nconn)
	}
}

func (s *Server) handleConn(nconn net.Conn) {
	if s.cfg.TLSConfig != nil {
		nconn = tls.Server(nconn, s.cfg.TLSConfig)
	}

	c := &conn{
		srv:   s,
		nconn: nconn,
		br:    bufio.NewReaderSize(nconn, readBufferSize),
		bw:    bufio.NewWriterSize(nconn, writeBufferSize),
		log:   s.cfg.Log.With().Str("remote", nconn.RemoteAddr().String()).Logger(),
	}
	c.run()
}
