package session

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/streamforge/rtspd/internal/metrics"
	"github.com/streamforge/rtspd/pkg/headers"
	"github.com/streamforge/rtspd/pkg/retransmit"
	"github.com/streamforge/rtspd/pkg/rtpstream"
	"github.com/streamforge/rtspd/pkg/scheduler"
	"github.com/streamforge/rtspd/pkg/socket"
)

// retransmitClientWindowBytes seeds a reliable viewer's congestion
// window before any RTT sample has been taken.
const retransmitClientWindowBytes = 64 * 1024

// retransmitAgeLimitMs bounds how long a packet stays eligible for
// resend before it is simply too late to matter to a live viewer.
const retransmitAgeLimitMs = 2000

// retransmitPollInterval is how often a reliable viewer's outstanding
// queue is swept for due resends.
const retransmitPollInterval = 200 * time.Millisecond

// udpOutput delivers reflected packets to one client's (rtp, rtcp) UDP
// ports, reusing the source stream's own socket pair to send rather than
// allocating a dedicated socket per viewer. When negotiated with
// x-Retransmit, it additionally tracks every sent packet in a
// retransmit.Queue and exposes an rtpstream.Stream for inbound receiver
// reports to update loss/RTT stats against.
type udpOutput struct {
	rtpSock *socket.Socket
	rtpAddr *net.UDPAddr

	retransmit *retransmit.Queue
	rtpStream  *rtpstream.Stream
	pollTask   *scheduler.Task
}

// newUDPOutput builds a best-effort output, or, when reliable is true, a
// reliable one backed by sched for its resend poll loop.
func newUDPOutput(rtpSock *socket.Socket, rtpAddr *net.UDPAddr, reliable bool, sched *scheduler.Scheduler, m *metrics.Metrics) *udpOutput {
	o := &udpOutput{rtpSock: rtpSock, rtpAddr: rtpAddr}
	if !reliable {
		return o
	}

	tracker := retransmit.NewTracker(retransmitClientWindowBytes)
	queue := retransmit.NewQueue(tracker)
	queue.Resend = func(packet []byte) {
		_, _ = rtpSock.SendTo(packet, rtpAddr)
		m.RetransmitSent()
	}

	o.retransmit = queue
	o.rtpStream = &rtpstream.Stream{Retransmit: queue}
	o.pollTask = sched.Spawn(func(scheduler.Event) time.Duration {
		queue.ResendDue()
		return retransmitPollInterval
	})
	return o
}

func (o *udpOutput) Deliver(_ int, packet []byte) {
	_, _ = o.rtpSock.SendTo(packet, o.rtpAddr)
	if o.retransmit != nil && len(packet) >= 4 {
		seq := binary.BigEndian.Uint16(packet[2:4])
		o.retransmit.AddPacket(seq, packet, retransmitAgeLimitMs)
	}
}

func (o *udpOutput) Close() {
	if o.pollTask != nil {
		o.pollTask.Cancel()
	}
	if o.retransmit != nil {
		o.retransmit.Clear()
	}
}

// tcpOutput delivers reflected packets as interleaved frames on the
// connection that issued PLAY, over a pair of adjacent channel numbers.
type tcpOutput struct {
	channel int
	write   func(channel uint8, payload []byte) error
}

func (o *tcpOutput) Deliver(_ int, packet []byte) {
	_ = o.write(uint8(o.channel), packet)
}

func (o *tcpOutput) Close() {}

// pickTransport selects the first client-offered transport this server
// can satisfy: UDP unicast (the common case) or TCP-interleaved.
// Multicast delivery is not offered by this relay, since it always
// serves one reflected copy per viewer.
func pickTransport(offers []headers.Transport) (headers.Transport, bool) {
	for _, t := range offers {
		switch t.Protocol {
		case headers.ProtocolUDP:
			if t.ClientPorts != nil {
				return t, true
			}
		case headers.ProtocolTCP:
			return t, true
		}
	}
	return headers.Transport{}, false
}

// buildResponseTransport fills in the server-side half of a Transport
// header for a negotiated offer.
func buildResponseTransport(offer headers.Transport, serverRTPPort, serverRTCPPort, tcpChannel int) headers.Transport {
	th := offer
	switch offer.Protocol {
	case headers.ProtocolUDP:
		th.ServerPorts = &[2]int{serverRTPPort, serverRTCPPort}
	case headers.ProtocolTCP:
		th.InterleavedIDs = &[2]int{tcpChannel, tcpChannel + 1}
	}
	return th
}
