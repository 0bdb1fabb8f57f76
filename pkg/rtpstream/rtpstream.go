// Package rtpstream owns one RTP media direction: header construction
// and sequence increment on send, RTCP-driven stats on receive, using
// github.com/pion/rtp for header encode and github.com/pion/rtcp for
// receiver-report decode.
package rtpstream

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/streamforge/rtspd/pkg/clock"
	"github.com/streamforge/rtspd/pkg/retransmit"
)

// PayloadSender marshals and transmits one RTP packet, either directly
// (best-effort UDP/TCP-interleaved) or via a retransmit.Queue (reliable
// UDP).
type PayloadSender func(packet []byte) error

// Stream owns one media direction's sequence counter, stats and,
// optionally, a reliable-UDP retransmit queue.
type Stream struct {
	PayloadType uint8
	SSRC        uint32
	Send        PayloadSender

	// Retransmit is non-nil for streams negotiated with x-Retransmit;
	// when set, Send's packets are additionally tracked for resend.
	Retransmit *retransmit.Queue

	mu            sync.Mutex
	seq           uint16
	packetsSent   uint64
	bytesSent     uint64
	packetsLostPt float64
	rttMs         float64
	totalRTCPRecv uint64
	firstSent     bool
}

// Stats is a point-in-time snapshot of a Stream's send/receive counters.
type Stats struct {
	PacketsSent      uint64
	BytesSent        uint64
	PacketsLostPct   float64
	RTTMs            float64
	AvgBitrateBps    float64
	TotalRTCPBytesRX uint64
}

// SendPayload builds a 12-byte RTP header (V=2, P=0, X=0, CC=0) around
// payload, increments the sequence number, and hands the wire bytes to
// Send (and, if reliable, to the retransmit queue).
func (s *Stream) SendPayload(payload []byte, markBit bool, rtpTimestamp uint32, retransmitBudget time.Duration) error {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         markBit,
			PayloadType:    s.PayloadType,
			SequenceNumber: seq,
			Timestamp:      rtpTimestamp,
			SSRC:           s.SSRC,
		},
		Payload: payload,
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.packetsSent++
	s.bytesSent += uint64(len(raw))
	s.firstSent = true
	s.mu.Unlock()

	if s.Retransmit != nil {
		budgetMs := retransmitBudget.Milliseconds()
		s.Retransmit.AddPacket(seq, raw, budgetMs)
	}

	return s.Send(raw)
}

// OnRTCP dispatches an inbound compound RTCP payload, updating loss/RTT
// stats from the receiver reports pion/rtcp decodes. It does not ack
// entries in the Retransmit queue.
func (s *Stream) OnRTCP(raw []byte) error {
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRTCPRecv += uint64(len(raw))

	for _, pkt := range packets {
		if rr, ok := pkt.(*rtcp.ReceiverReport); ok {
			for _, report := range rr.Reports {
				s.packetsLostPt = float64(report.FractionLost) / 256.0 * 100.0
				if report.LastSenderReport != 0 {
					// RTT estimate from the RR's DLSR/LSR round-trip,
					// A - LSR - DLSR in 1/65536 second units per RFC 3550
					// §6.4.1, where A is the middle 32 bits of NTP now.
					now := uint32(clock.NTPNow() >> 16)
					rtt := now - report.LastSenderReport - report.Delay
					s.rttMs = float64(rtt) / 65536.0 * 1000.0
				}
			}
		}
	}

	return nil
}

// Stats returns a snapshot of this stream's counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		PacketsSent:      s.packetsSent,
		BytesSent:        s.bytesSent,
		PacketsLostPct:   s.packetsLostPt,
		RTTMs:            s.rttMs,
		TotalRTCPBytesRX: s.totalRTCPRecv,
	}
}
