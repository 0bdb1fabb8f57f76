package session

import (
	"fmt"
	"net"
	"strings"

	"github.com/streamforge/rtspd/pkg/auth"
	"github.com/streamforge/rtspd/pkg/base"
	"github.com/streamforge/rtspd/pkg/headers"
	"github.com/streamforge/rtspd/pkg/reflector"
	"github.com/streamforge/rtspd/pkg/rtpmeta"
	"github.com/streamforge/rtspd/pkg/rtsperrors"
	"github.com/streamforge/rtspd/pkg/sdp"
)

// ConnContext carries the per-connection facts a Dispatch call needs:
// where the request came from and, for TCP playback, how to write an
// interleaved frame back on the same connection.
type ConnContext struct {
	ConnID   string
	RemoteIP string
	LocalIP  string

	// WriteInterleaved sends one interleaved RTP/RTCP frame on the TCP
	// connection that issued the request. Required only when a session on
	// this connection negotiates TCP transport.
	WriteInterleaved func(channel uint8, payload []byte) error
}

var supportedMethods = []string{
	string(base.OPTIONS), string(base.DESCRIBE), string(base.ANNOUNCE),
	string(base.SETUP), string(base.PLAY), string(base.PAUSE),
	string(base.RECORD), string(base.TEARDOWN),
	string(base.GET_PARAMETER), string(base.SET_PARAMETER),
}

// Dispatch routes req to the right FSM handler, returning the response
// to write, the Session it was handled on (nil for OPTIONS/DESCRIBE/a
// failed lookup), and an error the caller may use for logging/metrics.
func (m *Manager) Dispatch(req *base.Request, cc ConnContext) (*base.Response, *Session, error) {
	if cc.LocalIP == "" {
		cc.LocalIP = m.cfg.LocalIP
	}

	if req.Method == base.OPTIONS {
		return optionsResponse(), nil, nil
	}

	if res := m.authenticate(cc, req); res != nil {
		return res, nil, nil
	}

	switch req.Method {
	case base.DESCRIBE:
		return m.handleDescribe(req)
	case base.ANNOUNCE:
		return m.handleAnnounce(req, cc)
	case base.SETUP:
		return m.handleSetup(req, cc)
	}

	sessHdr, ok := req.Header.Get("Session")
	if !ok {
		res := base.NewResponse(base.StatusSessionNotFound)
		return res, nil, rtsperrors.New(rtsperrors.KindSessionNotFound, "missing Session header")
	}
	var sh headers.Session
	if err := sh.Unmarshal(sessHdr); err != nil {
		res := base.NewResponse(base.StatusBadRequest)
		return res, nil, rtsperrors.Wrap(rtsperrors.KindBadRequest, "invalid Session header", err)
	}
	sess, ok := m.Find(sh.Session)
	if !ok {
		res := base.NewResponse(base.StatusSessionNotFound)
		return res, nil, rtsperrors.New(rtsperrors.KindSessionNotFound, "unknown session")
	}
	sess.touch()

	switch req.Method {
	case base.PLAY:
		return sess.handlePlay(req, cc)
	case base.PAUSE:
		return sess.handlePause()
	case base.RECORD:
		return sess.handleRecord(req)
	case base.TEARDOWN:
		return sess.handleTeardown()
	case base.GET_PARAMETER:
		return sess.handleGetParameter()
	case base.SET_PARAMETER:
		return sess.handleSetParameter()
	}

	res := base.NewResponse(base.StatusNotImplemented)
	return res, sess, nil
}

func optionsResponse() *base.Response {
	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Public", strings.Join(supportedMethods, ", "))
	return res
}

// authenticate returns a ready-to-send 401 response when the request
// fails the connection's Basic/Digest challenge, or nil when it is
// authorized (or auth is disabled).
func (m *Manager) authenticate(cc ConnContext, req *base.Request) *base.Response {
	if !m.cfg.RequireAuth {
		return nil
	}

	challenger := m.challengerFor(cc.ConnID, "")

	raw, ok := req.Header.Get("Authorization")
	if !ok {
		return unauthorizedResponse(challenger, false)
	}

	var a headers.Authorization
	if err := a.Unmarshal(raw); err != nil {
		return unauthorizedResponse(challenger, false)
	}

	ok, stale, err := challenger.Validate(&a, string(req.Method), req.URL.String())
	if err != nil || !ok {
		return unauthorizedResponse(challenger, false)
	}
	if stale {
		return unauthorizedResponse(challenger, true)
	}

	return nil
}

func unauthorizedResponse(c *auth.Challenger, stale bool) *base.Response {
	res := base.NewResponse(base.StatusUnauthorized)
	for _, v := range c.GenerateChallenge(stale) {
		res.Header.Add("WWW-Authenticate", v)
	}
	return res
}

// handleDescribe returns the canonical SDP for an actively-recorded
// path. There is no file-backed media source in this relay: a path only
// answers DESCRIBE once a RECORD session has registered it.
func (m *Manager) handleDescribe(req *base.Request) (*base.Response, *Session, error) {
	path, _ := req.URL.RTSPPathAndQuery()

	m.mu.Lock()
	src, ok := m.announcedPaths[path]
	m.mu.Unlock()
	if !ok {
		res := base.NewResponse(base.StatusNotFound)
		return res, nil, rtsperrors.New(rtsperrors.KindNotFound, "no active source for path "+path)
	}

	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Content-Type", "application/sdp")
	res.Header.Set("x-Accept-Retransmit", "our-retransmit")
	res.Header.Set("x-Accept-Dynamic-Rate", "1")
	res.Body = []byte(src.raw)
	return res, nil, nil
}

// handleAnnounce validates and stores a pending publish description; the
// session and its id are created by the SETUP that follows, per the
// "session id is returned on first SETUP" rule.
func (m *Manager) handleAnnounce(req *base.Request, cc ConnContext) (*base.Response, *Session, error) {
	ct, ok := req.Header.Get("Content-Type")
	if !ok || ct != "application/sdp" {
		res := base.NewResponse(base.StatusUnsupportedMediaType)
		return res, nil, rtsperrors.New(rtsperrors.KindUnsupportedMedia, "announce requires application/sdp")
	}

	info, err := sdp.Parse(string(req.Body))
	if err != nil {
		res := base.NewResponse(base.StatusBadRequest)
		return res, nil, rtsperrors.Wrap(rtsperrors.KindBadRequest, "invalid sdp", err)
	}

	rewritten, err := sdp.Rewrite(string(req.Body))
	if err != nil {
		res := base.NewResponse(base.StatusBadRequest)
		return res, nil, rtsperrors.Wrap(rtsperrors.KindBadRequest, "invalid sdp", err)
	}

	path, _ := req.URL.RTSPPathAndQuery()

	m.mu.Lock()
	m.pendingAnnounce[cc.ConnID] = announcedSource{path: path, info: info, raw: rewritten}
	m.mu.Unlock()

	return base.NewResponse(base.StatusOK), nil, nil
}

// handleSetup negotiates transport for one track, creating the Session
// on the first call (play or record) and adding subsequent media to an
// existing one.
func (m *Manager) handleSetup(req *base.Request, cc ConnContext) (*base.Response, *Session, error) {
	rawPath, _ := req.URL.RTSPPathAndQuery()
	path, trackID, _ := base.SplitTrackID(rawPath)

	var offers []headers.Transport
	if raw, ok := req.Header.Get("Transport"); ok {
		offers = headers.ParseTransportList(raw)
	}
	offer, ok := pickTransport(offers)
	if !ok {
		return base.NewResponse(base.StatusUnsupportedTransport), nil, nil
	}

	if sessHdr, ok := req.Header.Get("Session"); ok {
		var sh headers.Session
		if err := sh.Unmarshal(sessHdr); err != nil {
			res := base.NewResponse(base.StatusBadRequest)
			return res, nil, rtsperrors.Wrap(rtsperrors.KindBadRequest, "invalid Session header", err)
		}
		sess, ok := m.Find(sh.Session)
		if !ok {
			res := base.NewResponse(base.StatusSessionNotFound)
			return res, nil, rtsperrors.New(rtsperrors.KindSessionNotFound, "unknown session")
		}
		sess.touch()
		return sess.addMedia(path, trackID, offer, cc, req)
	}

	m.mu.Lock()
	pending, isRecord := m.pendingAnnounce[cc.ConnID]
	if isRecord {
		delete(m.pendingAnnounce, cc.ConnID)
	}
	m.mu.Unlock()

	if isRecord && pending.path == path {
		sess := m.create(cc.ConnID)
		sess.mu.Lock()
		sess.state = StateReady
		sess.path = path
		sess.isPublisher = true
		sess.announced = pending.info
		sess.announcedRaw = pending.raw
		sess.mu.Unlock()
		m.cfg.Metrics.SessionCreated("publisher")

		res, _, err := sess.addMedia(path, trackID, offer, cc, req)
		return res, sess, err
	}

	m.mu.Lock()
	src, ok := m.announcedPaths[path]
	m.mu.Unlock()
	if !ok {
		res := base.NewResponse(base.StatusNotFound)
		return res, nil, rtsperrors.New(rtsperrors.KindNotFound, "no active source for path "+path)
	}

	sess := m.create(cc.ConnID)
	sess.mu.Lock()
	sess.state = StateReady
	sess.path = path
	sess.isPublisher = false
	sess.announced = src.info
	sess.announcedRaw = src.raw
	sess.mu.Unlock()
	m.cfg.Metrics.SessionCreated("viewer")

	res, _, err := sess.addMedia(path, trackID, offer, cc, req)
	return res, sess, err
}

// addMedia negotiates transport for one track and wires it to the
// content-addressed reflector Session for this Session's path: creating
// the reflector source on the first (record) SETUP, or attaching as a
// viewer output on a play SETUP.
func (s *Session) addMedia(path string, trackID int, offer headers.Transport, cc ConnContext, req *base.Request) (*base.Response, *Session, error) {
	if err := s.checkState(StateInit, StateReady, StatePaused); err != nil {
		res := base.NewResponse(base.StatusAggregateOperationNotAllowed)
		return res, s, err
	}

	s.mu.Lock()
	isRecord := s.isPublisher
	s.mu.Unlock()

	reflSess, err := s.mgr.cfg.Registry.GetOrCreate(path, *s.announced, s.mgr.cfg.Pool, cc.LocalIP)
	if err != nil {
		res := base.NewResponse(base.StatusInternalServerError)
		return res, s, rtsperrors.Wrap(rtsperrors.KindInternal, "reflector setup", err)
	}

	var stream *reflector.Stream
	for _, st := range reflSess.Streams {
		if st.TrackID == trackID {
			stream = st
			break
		}
	}
	if stream == nil && len(reflSess.Streams) > 0 && trackID == 0 {
		stream = reflSess.Streams[0]
	}
	if stream == nil {
		res := base.NewResponse(base.StatusNotFound)
		return res, s, rtsperrors.New(rtsperrors.KindNotFound, "no such track")
	}

	sm := &mediaSetup{trackID: trackID, transport: offer, stream: stream}

	var respTransport headers.Transport
	var metaInfoEcho string

	switch offer.Protocol {
	case headers.ProtocolTCP:
		channel := 2 * len(s.mediasOrdered)
		if offer.InterleavedIDs != nil {
			channel = offer.InterleavedIDs[0]
		}
		sm.output = &tcpOutput{channel: channel, write: cc.WriteInterleaved}
		respTransport = buildResponseTransport(offer, 0, 0, channel)

	default: // UDP unicast
		clientIP := cc.RemoteIP
		if offer.Destination != nil {
			clientIP = offer.Destination.String()
		}
		rtpAddr := &net.UDPAddr{IP: net.ParseIP(clientIP), Port: offer.ClientPorts[0]}
		sm.clientIP = clientIP
		sm.clientPort = offer.ClientPorts[0]

		if isRecord {
			sm.output = newUDPOutput(stream.Pair.RTP, rtpAddr, false, nil, nil)
			_ = stream.RTPDemux.Register(clientIP, offer.ClientPorts[0], stream)
			if metaHdr, ok := req.Header.Get("x-RTP-Meta-Info"); ok {
				stream.SetMetaFieldIDs(rtpmeta.ConstructFieldIDArray(metaHdr))
				metaInfoEcho = metaHdr
			}
		} else {
			_, wantsRetransmit := req.Header.Get("x-Retransmit")
			out := newUDPOutput(stream.Pair.RTP, rtpAddr, wantsRetransmit, s.mgr.cfg.Scheduler, s.mgr.cfg.Metrics)
			sm.output = out
			if wantsRetransmit && out.rtpStream != nil && len(offer.ClientPorts) > 1 && stream.RTCPDemux != nil {
				sm.clientRTCPPort = offer.ClientPorts[1]
				_ = stream.RTCPDemux.Register(clientIP, sm.clientRTCPPort, out.rtpStream)
			}
		}

		respTransport = buildResponseTransport(offer, stream.Pair.RTPPort, stream.Pair.RTCPPort, 0)
	}

	s.mu.Lock()
	s.medias[trackID] = sm
	s.mediasOrdered = append(s.mediasOrdered, sm)
	if s.reflectorSess == nil {
		s.reflectorSess = reflSess
	}
	s.mu.Unlock()

	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Transport", respTransport.Marshal())
	res.Header.Set("Session", s.sessionHeader())
	if metaInfoEcho != "" {
		res.Header.Set("x-RTP-Meta-Info", metaInfoEcho)
	}
	return res, s, nil
}

func (s *Session) handlePlay(req *base.Request, _ ConnContext) (*base.Response, *Session, error) {
	if err := s.checkState(StateReady, StatePaused, StatePlaying); err != nil {
		res := base.NewResponse(base.StatusMethodNotValidInThisState)
		return res, s, err
	}

	s.mu.Lock()
	wasPlaying := s.state == StatePlaying
	s.state = StatePlaying
	medias := append([]*mediaSetup(nil), s.mediasOrdered...)
	reflSess := s.reflectorSess
	s.mu.Unlock()

	if !wasPlaying {
		for _, sm := range medias {
			if err := reflSess.AddOutput(sm.output, true); err != nil {
				res := base.NewResponse(base.StatusInternalServerError)
				return res, s, rtsperrors.Wrap(rtsperrors.KindInternal, "attach viewer", err)
			}
		}
	}

	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Session", s.sessionHeader())

	if rangeHdr, ok := req.Header.Get("Range"); ok {
		res.Header.Set("Range", rangeHdr)
	} else {
		res.Header.Set("Range", headers.Range{Start: 0}.Marshal())
	}

	var entries headers.RTPInfo
	for _, sm := range medias {
		entry := headers.RTPInfo{URL: fmt.Sprintf("trackID=%d", sm.trackID)}
		if sm.stream != nil {
			if seq, rtpTime, ok := sm.stream.LastRTPInfo(); ok {
				entry.Seq = &seq
				entry.RTPTime = &rtpTime
			}
		}
		entries = append(entries, entry)
	}
	if len(entries) > 0 {
		parts := make([]string, len(entries))
		for i, e := range entries {
			parts[i] = e.Marshal()
		}
		res.Header.Set("RTP-Info", strings.Join(parts, ","))
	}

	return res, s, nil
}

func (s *Session) handlePause() (*base.Response, *Session, error) {
	if err := s.checkState(StatePlaying, StatePaused); err != nil {
		res := base.NewResponse(base.StatusMethodNotValidInThisState)
		return res, s, err
	}

	s.mu.Lock()
	wasPlaying := s.state == StatePlaying
	medias := append([]*mediaSetup(nil), s.mediasOrdered...)
	reflSess := s.reflectorSess
	if s.state == StatePlaying {
		s.state = StatePaused
	}
	s.mu.Unlock()

	if wasPlaying {
		for _, sm := range medias {
			reflSess.RemoveOutput(sm.output, true)
		}
	}

	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Session", s.sessionHeader())
	return res, s, nil
}

func (s *Session) handleRecord(req *base.Request) (*base.Response, *Session, error) {
	if err := s.checkState(StateReady); err != nil {
		res := base.NewResponse(base.StatusMethodNotValidInThisState)
		return res, s, err
	}

	s.mu.Lock()
	s.state = StateRecording
	raw := s.announcedRaw
	info := s.announced
	path := s.path
	s.mu.Unlock()

	s.mgr.mu.Lock()
	s.mgr.announcedPaths[path] = announcedSource{path: path, info: info, raw: raw}
	s.mgr.mu.Unlock()

	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Session", s.sessionHeader())
	_ = req
	return res, s, nil
}

func (s *Session) handleTeardown() (*base.Response, *Session, error) {
	s.mgr.teardown(s)
	return base.NewResponse(base.StatusOK), nil, nil
}

func (s *Session) handleGetParameter() (*base.Response, *Session, error) {
	if !s.limiter.Allow() {
		res := base.NewResponse(base.StatusParameterNotUnderstood)
		return res, s, rtsperrors.New(rtsperrors.KindBadRequest, "control pacing exceeded")
	}
	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Session", s.sessionHeader())
	return res, s, nil
}

func (s *Session) handleSetParameter() (*base.Response, *Session, error) {
	if !s.limiter.Allow() {
		res := base.NewResponse(base.StatusParameterNotUnderstood)
		return res, s, rtsperrors.New(rtsperrors.KindBadRequest, "control pacing exceeded")
	}
	res := base.NewResponse(base.StatusOK)
	res.Header.Set("Session", s.sessionHeader())
	return res, s, nil
}

// teardown closes every media, detaches from the reflector and forgets
// the Session.
func (m *Manager) teardown(s *Session) {
	s.mu.Lock()
	if s.state == StateTearingDown {
		s.mu.Unlock()
		return
	}
	s.state = StateTearingDown
	medias := append([]*mediaSetup(nil), s.mediasOrdered...)
	reflSess := s.reflectorSess
	path := s.path
	wasRecording := s.isPublisher
	timeoutID := s.timeoutID
	createdAt := s.createdAt
	s.mu.Unlock()

	m.cfg.TimeoutTask.Cancel(timeoutID)

	if reflSess != nil {
		for _, sm := range medias {
			sm.output.Close()
			reflSess.RemoveOutput(sm.output, true)
			if sm.clientIP != "" && sm.stream != nil {
				if wasRecording {
					sm.stream.RTPDemux.Unregister(sm.clientIP, sm.clientPort)
				} else if sm.clientRTCPPort != 0 && sm.stream.RTCPDemux != nil {
					sm.stream.RTCPDemux.Unregister(sm.clientIP, sm.clientRTCPPort)
				}
			}
		}
	}

	if wasRecording {
		m.mu.Lock()
		delete(m.announcedPaths, path)
		m.mu.Unlock()
		m.cfg.Registry.Remove(path)
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.cfg.Metrics.SessionClosed(createdAt)
}
