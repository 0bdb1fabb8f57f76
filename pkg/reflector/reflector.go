// Package reflector implements a content-addressed stream multiplexer:
// one inbound source fanned out to N outputs, deduplicated by
// source_id, using a mutex-guarded registry of readers around per-media
// state, bucket-indexed so an output occupies the same slot across
// every track of a session. Uses pkg/udppool and pkg/demux for the
// per-stream socket pair and source-address dispatch, pkg/seqmap to
// drop duplicate inbound RTP, pkg/rtcp to decode the publisher's/
// viewers' compound RTCP, pkg/rtpmeta to strip an x-RTP-Meta-Info
// publisher's TLV-prefixed payload back to plain RTP before fan-out,
// and pkg/scheduler to drive housekeeping without a dedicated goroutine
// per session.
package reflector

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/rtspd/internal/metrics"
	"github.com/streamforge/rtspd/pkg/demux"
	"github.com/streamforge/rtspd/pkg/rtcp"
	"github.com/streamforge/rtspd/pkg/rtpmeta"
	"github.com/streamforge/rtspd/pkg/rtpstream"
	"github.com/streamforge/rtspd/pkg/rtsperrors"
	"github.com/streamforge/rtspd/pkg/scheduler"
	"github.com/streamforge/rtspd/pkg/sdp"
	"github.com/streamforge/rtspd/pkg/seqmap"
	"github.com/streamforge/rtspd/pkg/udppool"
)

// pumpReadTimeout bounds each inbound-pump read so the goroutine can
// notice a closed Session (sess.done) without requiring the underlying
// socket itself to be closed.
const pumpReadTimeout = 500 * time.Millisecond

// pumpBufferSize is sized for the largest RTP/RTCP datagram this relay
// expects to forward; anything larger is a malformed/hostile datagram
// and is truncated by ReadFrom rather than grown for.
const pumpBufferSize = 2048

// Output is a consumer attached to a ReflectorSession; it receives
// packets for every track the session reflects.
type Output interface {
	Deliver(trackID int, packet []byte)
}

const maxBucket = 4096

// Stream is one reflected media track: its own socket pair, demuxers,
// and the set of Outputs currently subscribed, indexed by a bucket that
// is kept identical across every Stream in a Session.
type Stream struct {
	TrackID   int
	Info      sdp.StreamInfo
	Pair      *udppool.Pair
	RTPDemux  *demux.Demuxer
	RTCPDemux *demux.Demuxer

	mu          sync.RWMutex
	outputs     []Output
	bytesWindow uint64
	bitRate     uint64 // atomic, bits/sec, refreshed by housekeeping

	dedup   *seqmap.Map // single consumer: this stream's own RTP pump
	lastSeq uint32       // atomic; holds the last-ingested RTP sequence number
	lastTS  uint32       // atomic; holds the last-ingested RTP timestamp
	haveRTP uint32        // atomic bool: at least one RTP packet has been ingested

	// metaFieldIDs is non-nil once the publisher's SETUP negotiated
	// x-RTP-Meta-Info: inbound packets carry a TLV block ahead of the
	// media payload that must be stripped back to plain RTP before
	// fan-out, since viewers never negotiate the extension themselves.
	metaFieldIDs atomic.Pointer[[6]int]
}

// SetMetaFieldIDs records the field-ID mapping negotiated on this
// stream's x-RTP-Meta-Info SETUP header, switching ingest into
// meta-info-stripping mode.
func (s *Stream) SetMetaFieldIDs(ids [6]int) {
	s.metaFieldIDs.Store(&ids)
}

func (s *Stream) trySet(bucket int, out Output) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for bucket >= len(s.outputs) {
		s.outputs = append(s.outputs, nil)
	}
	if s.outputs[bucket] != nil {
		return false
	}
	s.outputs[bucket] = out
	return true
}

func (s *Stream) clear(bucket int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket < len(s.outputs) {
		s.outputs[bucket] = nil
	}
}

// Deliver fans a packet received from the source out to every
// registered output and tallies it toward this window's bit-rate
// estimate.
func (s *Stream) Deliver(packet []byte) {
	atomic.AddUint64(&s.bytesWindow, uint64(len(packet)))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, out := range s.outputs {
		if out != nil {
			out.Deliver(s.TrackID, packet)
		}
	}
}

// BitRate returns the last-computed bits/sec for this stream.
func (s *Stream) BitRate() uint64 { return atomic.LoadUint64(&s.bitRate) }

// LastRTPInfo returns the sequence number and timestamp of the most
// recently ingested RTP packet, for composing a PLAY response's
// RTP-Info header. ok is false until at least one packet has arrived
// from the publisher.
func (s *Stream) LastRTPInfo() (seq uint16, rtpTime uint32, ok bool) {
	if atomic.LoadUint32(&s.haveRTP) == 0 {
		return 0, 0, false
	}
	return uint16(atomic.LoadUint32(&s.lastSeq)), atomic.LoadUint32(&s.lastTS), true
}

// ingest is the single entry point for RTP bytes read off the
// publisher's socket: it drops sequence-number duplicates (e.g. from a
// retransmitting or multicast-looping source) before fanning the packet
// out via Deliver.
func (s *Stream) ingest(packet []byte, m *metrics.Metrics) {
	if ids := s.metaFieldIDs.Load(); ids != nil {
		meta, err := rtpmeta.Parse(packet, *ids)
		if err == nil {
			if plain, err := rtpmeta.ToRTP(packet, meta); err == nil {
				packet = plain
			}
		}
	}

	if len(packet) >= 4 {
		seq := binary.BigEndian.Uint16(packet[2:4])
		if s.dedup.Add(uint32(seq)) {
			m.PacketDropped()
			return
		}
		atomic.StoreUint32(&s.lastSeq, uint32(seq))
		atomic.StoreUint32(&s.haveRTP, 1)
	}
	if len(packet) >= 8 {
		atomic.StoreUint32(&s.lastTS, binary.BigEndian.Uint32(packet[4:8]))
	}

	m.BytesReflected("in", len(packet))
	s.Deliver(packet)
}

// runRTPPump is the publisher-side read loop: it is the only thing in
// this server that actually moves bytes from a RECORD source's UDP
// socket into the fan-out path. One pump runs per Stream for the life
// of its Session.
func (s *Stream) runRTPPump(done <-chan struct{}, log zerolog.Logger, m *metrics.Metrics) {
	buf := make([]byte, pumpBufferSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		_ = s.Pair.RTP.SetDeadline(time.Now().Add(pumpReadTimeout))
		n, _, err := s.Pair.RTP.RecvFrom(buf)
		if err != nil {
			if rtsperrors.IsWouldBlock(err) {
				continue
			}
			log.Debug().Err(err).Int("track", s.TrackID).Msg("reflector rtp pump stopped")
			return
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.ingest(pkt, m)
	}
}

// runRTCPPump reads the Stream's shared RTCP socket: both the
// publisher's sender reports and every viewer's receiver reports land
// here, since buildResponseTransport hands every SETUP the same
// server_port for RTCP. Reports from an address registered in
// RTCPDemux (a reliable-UDP viewer's rtpstream.Stream) feed that
// viewer's loss/RTT stats; everything else is parsed for its QTSS/NADU
// extension fields and logged at debug.
func (s *Stream) runRTCPPump(done <-chan struct{}, log zerolog.Logger) {
	buf := make([]byte, pumpBufferSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		_ = s.Pair.RTCP.SetDeadline(time.Now().Add(pumpReadTimeout))
		n, addr, err := s.Pair.RTCP.RecvFrom(buf)
		if err != nil {
			if rtsperrors.IsWouldBlock(err) {
				continue
			}
			log.Debug().Err(err).Int("track", s.TrackID).Msg("reflector rtcp pump stopped")
			return
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		parsed, err := rtcp.Parse(raw)
		if err != nil {
			log.Debug().Err(err).Int("track", s.TrackID).Msg("reflector: malformed rtcp datagram")
			continue
		}
		if parsed.QTSS != nil || len(parsed.NADU) > 0 {
			log.Debug().Int("track", s.TrackID).Msg("reflector: rtcp extension fields received")
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok || s.RTCPDemux == nil {
			continue
		}
		ref, found := s.RTCPDemux.Get(udpAddr.IP.String(), udpAddr.Port)
		if !found {
			continue
		}
		if rs, ok := ref.(*rtpstream.Stream); ok {
			_ = rs.OnRTCP(raw)
		}
	}
}

// housekeep folds the byte counter accumulated since the last tick into
// a bits/sec rate over interval.
func (s *Stream) housekeep(interval time.Duration) {
	n := atomic.SwapUint64(&s.bytesWindow, 0)
	atomic.StoreUint64(&s.bitRate, uint64(float64(n)*8/interval.Seconds()))
}

// housekeepingInterval is the bit-rate refresh cadence.
const housekeepingInterval = 20 * time.Second

// Session is a content-addressed reflector session keyed by source_id.
// Registration/lookup is serialised by mu; per-output delivery work in
// Stream.Deliver happens without holding it.
type Session struct {
	SourceID   string
	SourceInfo sdp.SourceInfo
	Streams    []*Stream

	mu            sync.Mutex
	outputBuckets map[Output]int
	eyeCount      int

	housekeepTask *scheduler.Task
	done          chan struct{}

	onEyeCountChanged func()
}

// Config configures a Registry's ambient dependencies.
type Config struct {
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
}

// Registry is the process-wide source_id -> Session map implementing
// the content-addressed dedup invariant: a second SETUP/ANNOUNCE for an
// already-registered source_id is handed the existing Session.
type Registry struct {
	cfg Config

	ownsScheduler bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry. A nil cfg.Scheduler gets a
// Registry-owned one, stopped by Close.
func NewRegistry(cfg Config) *Registry {
	ownsScheduler := false
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(0)
		ownsScheduler = true
	}
	return &Registry{
		cfg:           cfg,
		ownsScheduler: ownsScheduler,
		sessions:      make(map[string]*Session),
	}
}

// Close tears down every live Session and, if this Registry created its
// own Scheduler, stops it.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if r.ownsScheduler {
		r.cfg.Scheduler.Close()
	}
}

// GetOrCreate returns the existing Session for sourceID, or creates one
// via setup if none exists yet.
func (r *Registry) GetOrCreate(sourceID string, info sdp.SourceInfo, pool *udppool.Pool, localIP string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[sourceID]; ok {
		return existing, nil
	}

	sess, err := setup(sourceID, info, pool, localIP, r.cfg)
	if err != nil {
		return nil, err
	}
	sess.onEyeCountChanged = r.refreshViewerGauge
	r.sessions[sourceID] = sess
	r.cfg.Metrics.SetReflectorSources(len(r.sessions))
	return sess, nil
}

// Get looks up an existing Session for sourceID without creating one.
func (r *Registry) Get(sourceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sourceID]
	return sess, ok
}

// Remove destroys and forgets sourceID's Session, if present.
func (r *Registry) Remove(sourceID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sourceID]
	delete(r.sessions, sourceID)
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		sess.close()
		r.cfg.Metrics.SetReflectorSources(count)
	}
}

// refreshViewerGauge recomputes the registry-wide viewer count across
// every live session. Called whenever a session's eye count changes;
// cheap enough at this scale to just sum rather than track deltas
// across sessions with their own independent locks.
func (r *Registry) refreshViewerGauge() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	total := 0
	for _, s := range sessions {
		total += s.EyeCount()
	}
	r.cfg.Metrics.SetReflectorViewers(total)
}

// setup builds a ReflectorStream per source stream, each binding its own
// SocketPair via pkg/udppool, and starts its inbound RTP/RTCP pumps and
// housekeeping task.
func setup(sourceID string, info sdp.SourceInfo, pool *udppool.Pool, localIP string, cfg Config) (*Session, error) {
	sess := &Session{
		SourceID:      sourceID,
		SourceInfo:    info,
		outputBuckets: make(map[Output]int),
		done:          make(chan struct{}),
	}

	for _, streamInfo := range info.Streams {
		pair, err := pool.GetPair(localIP, 0, "", 0)
		if err != nil {
			sess.close()
			return nil, fmt.Errorf("reflector: setup stream %d: %w", streamInfo.TrackID, err)
		}
		st := &Stream{
			TrackID:   streamInfo.TrackID,
			Info:      streamInfo,
			Pair:      pair,
			RTPDemux:  pair.RTPDemux,
			RTCPDemux: pair.RTCPDemux,
			dedup:     seqmap.New(),
		}
		sess.Streams = append(sess.Streams, st)

		log := cfg.Log.With().Str("source_id", sourceID).Int("track", st.TrackID).Logger()
		go st.runRTPPump(sess.done, log, cfg.Metrics)
		go st.runRTCPPump(sess.done, log)
	}

	sess.housekeepTask = cfg.Scheduler.Spawn(func(scheduler.Event) time.Duration {
		for _, st := range sess.Streams {
			st.housekeep(housekeepingInterval)
		}
		return housekeepingInterval
	})

	return sess, nil
}

// AddOutput attaches output to every stream at a shared bucket index,
// retrying at bucket+1 (rolling back prior insertions) on conflict.
func (sess *Session) AddOutput(output Output, isClient bool) error {
	sess.mu.Lock()

	for bucket := 0; bucket < maxBucket; bucket++ {
		placed := 0
		ok := true
		for _, st := range sess.Streams {
			if st.trySet(bucket, output) {
				placed++
			} else {
				ok = false
				break
			}
		}
		if ok {
			sess.outputBuckets[output] = bucket
			if isClient {
				sess.eyeCount++
			}
			sess.mu.Unlock()
			if isClient && sess.onEyeCountChanged != nil {
				sess.onEyeCountChanged()
			}
			return nil
		}
		for i := 0; i < placed; i++ {
			sess.Streams[i].clear(bucket)
		}
	}
	sess.mu.Unlock()
	return fmt.Errorf("reflector: no free output bucket for session %s", sess.SourceID)
}

// RemoveOutput detaches output from every stream, symmetric to AddOutput.
func (sess *Session) RemoveOutput(output Output, isClient bool) {
	sess.mu.Lock()

	bucket, ok := sess.outputBuckets[output]
	if !ok {
		sess.mu.Unlock()
		return
	}
	delete(sess.outputBuckets, output)
	for _, st := range sess.Streams {
		st.clear(bucket)
	}
	if isClient && sess.eyeCount > 0 {
		sess.eyeCount--
	}
	sess.mu.Unlock()

	if isClient && sess.onEyeCountChanged != nil {
		sess.onEyeCountChanged()
	}
}

// BitRate sums the bit rate across every reflected stream.
func (sess *Session) BitRate() uint64 {
	var total uint64
	for _, st := range sess.Streams {
		total += st.BitRate()
	}
	return total
}

// EyeCount returns the number of client (is_client=true) outputs.
func (sess *Session) EyeCount() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.eyeCount
}

func (sess *Session) close() {
	close(sess.done)
	if sess.housekeepTask != nil {
		sess.housekeepTask.Cancel()
	}
}
