// Package retransmit implements a reliable-UDP resend queue: Karn's
// algorithm for RTT estimation and Van Jacobson slow-start/congestion
// avoidance for the congestion window. No ecosystem library implements
// Van Jacobson congestion control, so this package is stdlib only
// (time, sync).
package retransmit

import (
	"sync"
	"time"
)

// MSS is the maximum segment size assumed for congestion-window maths.
const MSS = 1466

const (
	minRTOMs = 600
	maxRTOMs = 24000
)

const initialQueueCap = 64
const queueGrowth = 32

// entry is one outstanding, unacknowledged packet.
type entry struct {
	seq       uint16
	packet    []byte
	addedAt   time.Time
	expireAt  time.Time
	origRTOMs float64
	numResends int
	inUse     bool
}

// Tracker holds the Karn/VJ bandwidth-estimation state for one reliable
// stream.
type Tracker struct {
	SRTTMs    float64
	RTTVarMs  float64
	RTOMs     float64
	CwndBytes float64
	SSThresh  float64

	ClientWindowBytes float64
	BytesInList       float64
	InSlowStart       bool
}

// NewTracker returns a Tracker in its initial slow-start state.
func NewTracker(clientWindowBytes float64) *Tracker {
	return &Tracker{
		RTOMs:             minRTOMs,
		CwndBytes:         MSS,
		SSThresh:          clientWindowBytes,
		ClientWindowBytes: clientWindowBytes,
		InSlowStart:       true,
	}
}

// onRTTSample feeds a fresh round-trip sample into the Karn estimator:
// srtt' = srtt + (R-srtt)/8, rttvar' = rttvar + (|R-srtt|-rttvar)/4,
// rto = srtt + 4*rttvar, clamped to [600,24000]ms.
func (bt *Tracker) onRTTSample(sampleMs float64) {
	if bt.SRTTMs == 0 {
		bt.SRTTMs = sampleMs
		bt.RTTVarMs = sampleMs / 2
	} else {
		diff := sampleMs - bt.SRTTMs
		bt.SRTTMs += diff / 8
		absDiff := diff
		if absDiff < 0 {
			absDiff = -absDiff
		}
		bt.RTTVarMs += (absDiff - bt.RTTVarMs) / 4
	}

	rto := bt.SRTTMs + 4*bt.RTTVarMs
	bt.RTOMs = clamp(rto, minRTOMs, maxRTOMs)
}

// onAck opens the congestion window per VJ slow-start/AIMD: cwnd +=
// MSS while cwnd < ssthresh, else cwnd += MSS*MSS/cwnd.
func (bt *Tracker) onAck(ackedBytes float64) {
	if bt.CwndBytes < bt.SSThresh {
		bt.CwndBytes += MSS
	} else {
		bt.InSlowStart = false
		bt.CwndBytes += (MSS * MSS) / bt.CwndBytes
	}
	bt.BytesInList -= ackedBytes
	if bt.BytesInList < 0 {
		bt.BytesInList = 0
	}
}

// onDuplicateAck reopens the window by one MSS without touching RTT,
// avoiding bias from retransmit ambiguity (Karn's algorithm: an RTT
// sample taken across a retransmission can't tell which transmission
// was actually acked).
func (bt *Tracker) onDuplicateAck() {
	bt.BytesInList -= MSS
	if bt.BytesInList < 0 {
		bt.BytesInList = 0
	}
}

// adjustForRetransmit halves ssthresh (floor 2*MSS), drops cwnd to one
// MSS, and leaves slow start.
func (bt *Tracker) adjustForRetransmit() {
	half := bt.CwndBytes / 2
	if half < 2*MSS {
		half = 2 * MSS
	}
	bt.SSThresh = half
	bt.CwndBytes = MSS
	bt.InSlowStart = false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsFlowControlled reports whether the sender must hold back further
// sends: bytes_in_list >= cwnd.
func (bt *Tracker) IsFlowControlled() bool {
	return bt.BytesInList >= bt.CwndBytes
}

// Queue is the per-stream outstanding-packet resend queue.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	tracker *Tracker
	expired uint64

	// Resend is called for each entry that is due and not yet expired.
	// num_resends has already been bumped when this is invoked.
	Resend func(packet []byte)
}

// NewQueue creates an empty Queue backed by tracker.
func NewQueue(tracker *Tracker) *Queue {
	return &Queue{
		entries: make([]*entry, 0, initialQueueCap),
		tracker: tracker,
	}
}

// AddPacket enqueues packet for possible resend. ageLimitMs<=0 drops it
// immediately, counted as expired.
func (q *Queue) AddPacket(seq uint16, packet []byte, ageLimitMs int64) {
	if ageLimitMs <= 0 {
		q.mu.Lock()
		q.expired++
		q.mu.Unlock()
		return
	}

	now := time.Now()
	e := &entry{
		seq:       seq,
		packet:    packet,
		addedAt:   now,
		expireAt:  now.Add(time.Duration(ageLimitMs) * time.Millisecond),
		origRTOMs: q.tracker.RTOMs,
		inUse:     true,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tracker.BytesInList += float64(len(packet))
	if slot := q.freeSlotLocked(); slot >= 0 {
		q.entries[slot] = e
		return
	}
	if len(q.entries) == cap(q.entries) {
		grown := make([]*entry, len(q.entries), cap(q.entries)+queueGrowth)
		copy(grown, q.entries)
		q.entries = grown
	}
	q.entries = append(q.entries, e)
}

func (q *Queue) freeSlotLocked() int {
	for i, e := range q.entries {
		if e == nil {
			return i
		}
	}
	return -1
}

// AckPacket processes an acknowledgement for seq. On a hit it feeds an
// RTT sample (only if the entry was never resent, per Karn's
// algorithm), opens the window, and frees the slot. On a miss it treats
// it as a duplicate ack: reopen the window by one MSS without touching
// RTT.
func (q *Queue) AckPacket(seq uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e == nil || e.seq != seq {
			continue
		}

		if e.numResends == 0 {
			sample := time.Since(e.addedAt).Seconds() * 1000
			q.tracker.onRTTSample(sample)
		}
		q.tracker.onAck(float64(len(e.packet)))
		q.entries[i] = nil
		return
	}

	q.tracker.onDuplicateAck()
}

// ResendDue scans the queue for entries whose RTO has elapsed: expired
// entries are dropped (counted), others are handed to Resend, with
// num_resends incremented, the first-retransmit RTO contribution
// inflated by 1.5x, added_at re-stamped, and the tracker adjusted for
// retransmit.
func (q *Queue) ResendDue() {
	now := time.Now()

	q.mu.Lock()
	var due []*entry
	for i, e := range q.entries {
		if e == nil {
			continue
		}
		if now.Sub(e.addedAt).Seconds()*1000 <= q.tracker.RTOMs {
			continue
		}
		if now.After(e.expireAt) {
			q.tracker.BytesInList -= float64(len(e.packet))
			if q.tracker.BytesInList < 0 {
				q.tracker.BytesInList = 0
			}
			q.entries[i] = nil
			q.expired++
			continue
		}

		e.numResends++
		if e.numResends == 1 {
			e.origRTOMs *= 1.5
		}
		e.addedAt = now
		q.tracker.adjustForRetransmit()
		due = append(due, e)
	}
	resend := q.Resend
	q.mu.Unlock()

	if resend == nil {
		return
	}
	for _, e := range due {
		resend(e.packet)
	}
}

// Clear drops all entries, refunding their bytes to the window.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e == nil {
			continue
		}
		q.tracker.BytesInList -= float64(len(e.packet))
		q.entries[i] = nil
	}
	if q.tracker.BytesInList < 0 {
		q.tracker.BytesInList = 0
	}
}

// Expired returns the running count of dropped/expired entries.
func (q *Queue) Expired() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expired
}

// IsFlowControlled reports the sender's flow-control gate.
func (q *Queue) IsFlowControlled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tracker.IsFlowControlled()
}
