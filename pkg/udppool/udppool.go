// Package udppool hands out adjacent even/odd UDP port pairs for
// RTP/RTCP, with refcounted reuse, scanning upward from port 6970 and
// wrapping net.PacketConn instead of a raw fd. golang.org/x/net/ipv4
// provides the multicast TTL knob.
package udppool

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/streamforge/rtspd/pkg/demux"
	"github.com/streamforge/rtspd/pkg/socket"
)

const (
	minPort = 6970
	maxPort = 65534 // rtcp = rtp+1, so rtp must leave room for +1
)

// Pair is one allocated (RTP, RTCP) adjacent port pair on a local IP.
type Pair struct {
	LocalIP  string
	RTP      *socket.Socket
	RTCP     *socket.Socket
	RTPPort  int
	RTCPPort int

	RTPDemux  *demux.Demuxer
	RTCPDemux *demux.Demuxer

	mu       sync.Mutex
	refcount int
}

// PairFactory gives callers hooks to customise socket construction
// (e.g. reflector vs. generic buffer sizes). The default factory
// applies no special options.
type PairFactory interface {
	ConstructPair(rtp, rtcp *socket.Socket)
	SetOptions(p *Pair)
}

// DefaultFactory applies no customisation.
type DefaultFactory struct{}

func (DefaultFactory) ConstructPair(rtp, rtcp *socket.Socket) {}
func (DefaultFactory) SetOptions(p *Pair)                     {}

// Pool allocates and reuses Pairs on a set of local IPs.
type Pool struct {
	mu      sync.Mutex
	pairs   []*Pair
	factory PairFactory
}

// New creates an empty Pool. A nil factory uses DefaultFactory.
func New(factory PairFactory) *Pool {
	if factory == nil {
		factory = DefaultFactory{}
	}
	return &Pool{factory: factory}
}

// GetPair returns a Pair bound to localIP, reusing an existing one when
// safe, or allocating a fresh pair by scanning even ports upward from
// 6970.
//
// If srcIP/srcPort are non-zero, an existing pair on localIP is reused
// when its RTP socket's port matches portHint (or portHint==0) and its
// RTCP demuxer has neither the exact (srcIP, srcPort) key nor the
// wildcard (0,0) key registered — that wildcard means "accept from
// anyone", which would collide with a specific source sharing the pair.
func (p *Pool) GetPair(localIP string, portHint int, srcIP string, srcPort int) (*Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if srcIP != "" || srcPort != 0 {
		for _, pair := range p.pairs {
			if pair.LocalIP != localIP {
				continue
			}
			if portHint != 0 && pair.RTPPort != portHint {
				continue
			}
			if pair.RTCPDemux.Contains(srcIP, srcPort) || pair.RTCPDemux.Contains("", 0) {
				continue
			}
			pair.mu.Lock()
			pair.refcount++
			pair.mu.Unlock()
			return pair, nil
		}
	}

	return p.allocateLocked(localIP, portHint)
}

func (p *Pool) allocateLocked(localIP string, portHint int) (*Pair, error) {
	tryRange := func(start, end int) (*Pair, error) {
		for rtpPort := start; rtpPort <= end; rtpPort += 2 {
			rtcpPort := rtpPort + 1

			rtpSock, err := socket.BindUDP("udp", fmt.Sprintf("%s:%d", localIP, rtpPort))
			if err != nil {
				continue
			}
			rtcpSock, err := socket.BindUDP("udp", fmt.Sprintf("%s:%d", localIP, rtcpPort))
			if err != nil {
				rtpSock.Close()
				continue
			}

			p.factory.ConstructPair(rtpSock, rtcpSock)

			pair := &Pair{
				LocalIP:   localIP,
				RTP:       rtpSock,
				RTCP:      rtcpSock,
				RTPPort:   rtpPort,
				RTCPPort:  rtcpPort,
				RTPDemux:  demux.New(),
				RTCPDemux: demux.New(),
				refcount:  1,
			}
			p.factory.SetOptions(pair)
			p.pairs = append(p.pairs, pair)
			return pair, nil
		}
		return nil, fmt.Errorf("udppool: no free adjacent port pair in [%d,%d]", start, end)
	}

	if portHint != 0 {
		return tryRange(portHint, portHint)
	}
	return tryRange(minPort, maxPort)
}

// Release decrements the pair's refcount, closing both sockets and
// removing it from the pool once it reaches zero.
func (p *Pool) Release(pair *Pair) {
	pair.mu.Lock()
	pair.refcount--
	drop := pair.refcount <= 0
	pair.mu.Unlock()

	if !drop {
		return
	}

	p.mu.Lock()
	for i, candidate := range p.pairs {
		if candidate == pair {
			p.pairs = append(p.pairs[:i], p.pairs[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	pair.RTP.Close()
	pair.RTCP.Close()
}

// SetMulticastTTL sets the IPv4 multicast TTL that s sends with. A socket
// that is not a packet socket is left unchanged.
func SetMulticastTTL(s *socket.Socket, ttl int) error {
	conn, ok := rawUDPConn(s)
	if !ok {
		return nil
	}
	return ipv4.NewPacketConn(conn).SetMulticastTTL(ttl)
}

func rawUDPConn(s *socket.Socket) (net.PacketConn, bool) {
	pc, ok := s.Underlying().(net.PacketConn)
	return pc, ok
}
