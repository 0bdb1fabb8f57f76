// Package session implements the RTSP session state machine: SETUP,
// PLAY, PAUSE, RECORD and TEARDOWN transitions, response header
// composition, Basic/Digest challenge integration and idle-timeout
// registration. Sessions feed and drain through pkg/reflector's
// content-addressed fan-out, using pkg/udppool/pkg/demux for transport
// and pkg/sdp to parse and canonicalise the SDP exchanged along the way.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/streamforge/rtspd/internal/metrics"
	"github.com/streamforge/rtspd/pkg/auth"
	"github.com/streamforge/rtspd/pkg/clock"
	"github.com/streamforge/rtspd/pkg/headers"
	"github.com/streamforge/rtspd/pkg/reflector"
	"github.com/streamforge/rtspd/pkg/rtsperrors"
	"github.com/streamforge/rtspd/pkg/scheduler"
	"github.com/streamforge/rtspd/pkg/sdp"
	"github.com/streamforge/rtspd/pkg/timeouttask"
	"github.com/streamforge/rtspd/pkg/udppool"
)

// State is a state of the session FSM.
type State int

// States.
const (
	StateInit State = iota
	StateReady
	StatePlaying
	StatePaused
	StateRecording
	StateTearingDown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateRecording:
		return "recording"
	case StateTearingDown:
		return "tearingDown"
	default:
		return "unknown"
	}
}

// DefaultIdleTimeout is advertised to clients in the Session header and
// used to schedule idle-timeout teardown when a Manager's configured
// timeout is zero.
const DefaultIdleTimeout = 120 * time.Second

// DefaultControlPaceInterval bounds how often a single session accepts
// GET_PARAMETER/SET_PARAMETER, guarding against a misbehaving or hostile
// client flooding control requests.
const DefaultControlPaceInterval = 50 * time.Millisecond

// mediaSetup is one SETUP-negotiated track within a Session.
type mediaSetup struct {
	trackID   int
	transport headers.Transport
	output    output   // play: where reflected packets are written
	stream    *reflector.Stream
	clientIP  string
	clientPort int // record-side RTP port, for demux unregistration

	// clientRTCPPort is set only for a reliable-UDP viewer: the port its
	// rtpstream.Stream is registered under in stream.RTCPDemux, for
	// symmetric unregistration on teardown.
	clientRTCPPort int
}

// Session is one server-side RTSP session: exactly one FSM instance per
// negotiated Session header value.
type Session struct {
	ID string

	mgr *Manager

	mu           sync.Mutex
	state        State
	path         string
	query        string
	connID       string
	lastActivity time.Time
	timeoutID    uint64

	// isPublisher is true for a session created from the RECORD/ANNOUNCE
	// side (owns the source), false for one created from DESCRIBE/PLAY
	// (attaches as a viewer).
	isPublisher bool

	createdAt time.Time

	announced     *sdp.SourceInfo
	announcedRaw  string
	reflectorSess *reflector.Session
	medias        map[int]*mediaSetup
	mediasOrdered []*mediaSetup

	challenger *auth.Challenger
	limiter    *rate.Limiter
}

// output is anything a reflected packet can be written to: a UDP
// destination or a TCP-interleaved channel on the owning connection.
type output interface {
	reflector.Output
	Close()
}

// Config configures a Manager.
type Config struct {
	// LocalIP is the address the server's UDP port pairs are bound on.
	LocalIP string

	// IdleTimeout is advertised to clients and drives idle teardown.
	// Zero uses DefaultIdleTimeout.
	IdleTimeout time.Duration

	// RequireAuth, when true, gates every non-OPTIONS request behind a
	// Basic/Digest challenge validated against User/Pass.
	RequireAuth  bool
	User         string
	Pass         string
	AuthMethods  []headers.Method

	Pool     *udppool.Pool
	Registry *reflector.Registry

	// Scheduler drives reliable-UDP retransmit polling and, indirectly
	// via Registry's own construction, reflector housekeeping. A Manager
	// started without one creates its own.
	Scheduler *scheduler.Scheduler

	Metrics *metrics.Metrics
	Log     zerolog.Logger

	// TimeoutTask is the shared idle-timeout wheel. A Manager started
	// without one creates its own.
	TimeoutTask *timeouttask.Task
}

// Manager owns every live Session plus the per-connection digest
// challenge state (one Challenger per connection, since the nonce in
// this server's auth scheme binds to a connection identifier and
// requests before the first successful SETUP have no Session id yet to
// bind it to instead).
type Manager struct {
	cfg Config

	ownsTimeoutTask bool
	ownsScheduler   bool

	mu              sync.Mutex
	sessions        map[string]*Session
	announcedPaths  map[string]announcedSource
	pendingAnnounce map[string]announcedSource
	connChallenge   map[string]*auth.Challenger
}

type announcedSource struct {
	path string
	info *sdp.SourceInfo
	raw  string
}

// NewManager builds a Manager. The caller must call Close when done.
func NewManager(cfg Config) *Manager {
	ownsTimeoutTask := false
	if cfg.TimeoutTask == nil {
		cfg.TimeoutTask = timeouttask.New()
		ownsTimeoutTask = true
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Pool == nil {
		cfg.Pool = udppool.New(nil)
	}
	ownsScheduler := false
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(0)
		ownsScheduler = true
	}
	if cfg.Registry == nil {
		cfg.Registry = reflector.NewRegistry(reflector.Config{
			Log:       cfg.Log,
			Metrics:   cfg.Metrics,
			Scheduler: cfg.Scheduler,
		})
	}

	return &Manager{
		cfg:             cfg,
		ownsTimeoutTask: ownsTimeoutTask,
		ownsScheduler:   ownsScheduler,
		sessions:        make(map[string]*Session),
		announcedPaths:  make(map[string]announcedSource),
		pendingAnnounce: make(map[string]announcedSource),
		connChallenge:   make(map[string]*auth.Challenger),
	}
}

// Close tears down every session and, if this Manager created its own
// timer wheel or scheduler, stops them.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.teardown(s)
	}

	if m.ownsTimeoutTask {
		m.cfg.TimeoutTask.Stop()
	}
	if m.ownsScheduler {
		m.cfg.Scheduler.Close()
	}
}

// Find looks up a session by id.
func (m *Manager) Find(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// create allocates a new Session id (dashes stripped: some clients choke
// on them) and registers it for idle-timeout tracking.
func (m *Manager) create(connID string) *Session {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")

	now := time.Now()
	s := &Session{
		ID:           id,
		mgr:          m,
		state:        StateInit,
		connID:       connID,
		lastActivity: now,
		createdAt:    now,
		medias:       make(map[int]*mediaSetup),
		limiter:      rate.NewLimiter(rate.Every(DefaultControlPaceInterval), 1),
	}

	if m.cfg.RequireAuth {
		s.challenger = m.challengerFor(connID, id)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	s.scheduleTimeout()

	return s
}

// challengerFor returns the shared per-connection Challenger, creating
// one (seeded with connID so the nonce is stable for the life of the
// connection even before a Session id exists) on first use.
func (m *Manager) challengerFor(connID, sessionID string) *auth.Challenger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.connChallenge[connID]; ok {
		return c
	}

	seed := sessionID
	if seed == "" {
		seed = connID
	}
	c, err := auth.NewChallenger(seed, m.cfg.User, m.cfg.Pass, m.cfg.AuthMethods, clock.Milliseconds())
	if err != nil {
		// random source failure: fall back to a fixed opaque rather than
		// rejecting every request on this connection.
		c = &auth.Challenger{}
	}
	m.connChallenge[connID] = c
	return c
}

// ForgetConn drops the per-connection challenge state, called when the
// underlying TCP connection closes.
func (m *Manager) ForgetConn(connID string) {
	m.mu.Lock()
	delete(m.connChallenge, connID)
	m.mu.Unlock()
}

func (s *Session) scheduleTimeout() {
	deadline := time.Now().Add(s.mgr.cfg.IdleTimeout)
	s.timeoutID = s.mgr.cfg.TimeoutTask.Register(deadline, func() {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == StateTearingDown {
			return
		}
		s.mgr.teardown(s)
	})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	old := s.timeoutID
	s.mu.Unlock()

	s.mgr.cfg.TimeoutTask.Cancel(old)
	s.scheduleTimeout()
}

// State returns the session's current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// checkState reports a KindMethodNotAllowed error unless the session is
// currently in one of the allowed states.
func (s *Session) checkState(allowed ...State) error {
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	for _, a := range allowed {
		if cur == a {
			return nil
		}
	}
	return rtsperrors.New(rtsperrors.KindMethodNotAllowed,
		fmt.Sprintf("method not valid in state %s", cur))
}

// sessionHeader builds the Session response header value.
func (s *Session) sessionHeader() string {
	timeout := uint(s.mgr.cfg.IdleTimeout / time.Second)
	return headers.Session{Session: s.ID, Timeout: &timeout}.Marshal()
}
