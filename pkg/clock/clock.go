// Package clock provides the process-wide monotonic millisecond clock
// and NTP/endian conversions used throughout the server.
package clock

import (
	"encoding/binary"
	"sync"
	"time"
)

// ntpEpochOffsetSecs is the offset between the NTP epoch (1900-01-01) and
// the Unix epoch (1970-01-01), in seconds: RFC 3550 §4.
const ntpEpochOffsetSecs = 2208988800

var (
	once      sync.Once
	anchor    time.Time
	anchorUTC int64 // ms since Unix epoch at anchor time
)

func initClock() {
	anchor = time.Now()
	anchorUTC = time.Now().UnixMilli()
}

// Init anchors the monotonic clock to the current wall time. It is safe to
// call multiple times; only the first call has an effect. Milliseconds()
// implicitly initializes on first use if Init was never called.
func Init() {
	once.Do(initClock)
}

// Milliseconds returns milliseconds elapsed since the anchor, using Go's
// monotonic clock reading internally (time.Since) so it cannot go backwards
// under a wall-clock adjustment, while still corresponding to Unix-epoch-ish
// values at the moment Init was called.
func Milliseconds() int64 {
	once.Do(initClock)
	return anchorUTC + time.Since(anchor).Milliseconds()
}

// NTPToUnixSecs converts NTP seconds (epoch 1900) to Unix seconds.
func NTPToUnixSecs(ntpSecs uint64) int64 {
	return int64(ntpSecs) - ntpEpochOffsetSecs
}

// UnixToNTPSecs converts Unix seconds to NTP seconds (epoch 1900).
func UnixToNTPSecs(unixSecs int64) uint64 {
	return uint64(unixSecs + ntpEpochOffsetSecs)
}

// NTPNow returns the current time as a 64-bit NTP timestamp (32.32
// fixed-point seconds.fraction), as carried in RTCP SR packets.
func NTPNow() uint64 {
	now := time.Now()
	secs := UnixToNTPSecs(now.Unix())
	frac := uint64(now.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// MilliToFixed64Secs converts a 32.32 fixed-point seconds value to a
// millisecond count, using the exact arithmetic QTSS/Darwin-derived
// clients expect in RTP-Info timestamps.
func MilliToFixed64Secs(v uint64) uint64 {
	return (v>>32)*1000 + ((v % (1 << 32)) * 1000 >> 32)
}

// ReadUint64 reads a big-endian uint64 via a byte-copy helper rather than
// an aligned pointer cast, so this works on strict-alignment ISAs.
func ReadUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// WriteUint64 is the byte-copy counterpart of ReadUint64.
func WriteUint64(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}
