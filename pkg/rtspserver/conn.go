package rtspserver

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamforge/rtspd/pkg/base"
	"github.com/streamforge/rtspd/pkg/rtsperrors"
	"github.com/streamforge/rtspd/pkg/session"
)

const serverHeaderValue = "rtspd/1.0"

// conn is one accepted TCP connection: a background reader that turns
// bytes into base.Request/base.InterleavedFrame values, and a write path
// serialised by writeMu so a reflected interleaved frame can never be
// interleaved mid-write with a response.
type conn struct {
	srv   *Server
	nconn net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	log   zerolog.Logger

	writeMu sync.Mutex

	id string

	recordingMu sync.Mutex
	recording   bool
}

func (c *conn) run() {
	c.id = uuid.New().String()
	defer c.nconn.Close()
	defer c.srv.cfg.Manager.ForgetConn(c.id)

	err := c.readLoop()
	if err != nil {
		c.log.Debug().Err(err).Msg("connection closed")
	}
}

func (c *conn) readLoop() error {
	for {
		c.setReadDeadline()

		isFrame, err := base.PeekIsInterleavedFrame(c.br)
		if err != nil {
			return err
		}

		if isFrame {
			var fr base.InterleavedFrame
			if err := fr.Read(c.br); err != nil {
				return err
			}
			// Interleaved frames arriving from a client are either RTCP
			// receiver reports on a TCP-played track or, for a
			// TCP-pushed RECORD, the media itself; this relay has no
			// per-channel callback registry yet, so they are dropped.
			continue
		}

		var req base.Request
		if err := req.Read(c.br); err != nil {
			return err
		}

		res, closeConn := c.handle(&req)
		if err := c.writeResponse(&req, res); err != nil {
			return err
		}
		if closeConn {
			return nil
		}
	}
}

func (c *conn) setReadDeadline() {
	if c.srv.cfg.IdleTimeout == 0 {
		return
	}
	c.recordingMu.Lock()
	recording := c.recording
	c.recordingMu.Unlock()
	if recording {
		// A pushing encoder over UDP/TCP may not send keepalives; don't
		// time out a connection that is actively recording.
		c.nconn.SetReadDeadline(time.Time{})
		return
	}
	c.nconn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *conn) handle(req *base.Request) (res *base.Response, closeConn bool) {
	start := time.Now()

	cc := session.ConnContext{
		ConnID:           c.id,
		RemoteIP:         c.remoteIP(),
		LocalIP:          c.localIP(),
		WriteInterleaved: c.writeInterleaved,
	}

	res, sess, err := c.srv.cfg.Manager.Dispatch(req, cc)
	if res == nil {
		res = base.NewResponse(base.StatusInternalServerError)
	}

	if sess != nil {
		c.recordingMu.Lock()
		c.recording = sess.State() == session.StateRecording
		c.recordingMu.Unlock()
	}

	if res.StatusCode == base.StatusUnauthorized {
		c.srv.cfg.Metrics.AuthFailure()
	}

	if err != nil {
		closeConn = errClosesConn(err)
		c.log.Debug().Err(err).Str("method", string(req.Method)).Msg("request failed")
	}

	c.srv.cfg.Metrics.RequestHandled(string(req.Method), strconv.Itoa(int(res.StatusCode)), time.Since(start))

	return res, closeConn
}

func errClosesConn(err error) bool {
	if e, ok := err.(*rtsperrors.Error); ok {
		return e.ClosesConnection()
	}
	return false
}

func (c *conn) writeResponse(req *base.Request, res *base.Response) error {
	if cseq, ok := req.Header.Get("CSeq"); ok {
		res.Header.Set("CSeq", cseq)
	}
	res.Header.Set("Server", serverHeaderValue)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.srv.cfg.WriteTimeout > 0 {
		c.nconn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	}
	return res.Write(c.bw)
}

// writeInterleaved sends one reflected RTP/RTCP frame on this connection,
// serialised against response writes by writeMu.
func (c *conn) writeInterleaved(channel uint8, payload []byte) error {
	fr := base.InterleavedFrame{Channel: channel, Payload: payload}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.srv.cfg.WriteTimeout > 0 {
		c.nconn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	}
	if _, err := c.bw.Write(fr.Marshal()); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *conn) remoteIP() string {
	if a, ok := c.nconn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return ""
}

func (c *conn) localIP() string {
	if a, ok := c.nconn.LocalAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return ""
}
