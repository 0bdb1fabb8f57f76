package base

import (
	"bufio"
	"encoding/binary"
	"fmt"
)

// InterleavedFrame is an RTP/RTCP packet carried inside the RTSP TCP
// connection, framed per RFC 2326 §10.12: '$' + channel byte + 16-bit
// big-endian length + payload.
type InterleavedFrame struct {
	Channel uint8
	Payload []byte
}

const interleavedFrameMagic = '$'

// MaxInterleavedPayloadSize bounds a single interleaved frame's payload,
// matching typical UDP MTU headroom; a frame claiming more is rejected.
const MaxInterleavedPayloadSize = 1472 * 4

// PeekIsInterleavedFrame reports whether the next byte on rb is the '$'
// frame marker, without consuming it. Used to route incoming bytes between
// the RTSP request parser and the interleaved-frame reader.
func PeekIsInterleavedFrame(rb *bufio.Reader) (bool, error) {
	b, err := rb.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == interleavedFrameMagic, nil
}

// Read reads an interleaved frame whose leading '$' has been confirmed
// present via PeekIsInterleavedFrame but not yet consumed: the marker is
// read back as the first header byte.
func (f *InterleavedFrame) Read(rb *bufio.Reader) error {
	var header [4]byte
	if _, err := rb.Discard(0); err != nil {
		return err
	}
	if _, err := readFull(rb, header[:]); err != nil {
		return err
	}

	if header[0] != interleavedFrameMagic {
		return fmt.Errorf("expected interleaved frame marker, got %q", header[0])
	}

	f.Channel = header[1]
	length := binary.BigEndian.Uint16(header[2:4])

	if int(length) > MaxInterleavedPayloadSize {
		return fmt.Errorf("interleaved frame payload of %d bytes exceeds limit", length)
	}

	f.Payload = make([]byte, length)
	_, err := readFull(rb, f.Payload)
	return err
}

// Marshal serialises the frame to its wire form.
func (f *InterleavedFrame) Marshal() []byte {
	buf := make([]byte, 4+len(f.Payload))
	buf[0] = interleavedFrameMagic
	buf[1] = f.Channel
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[4:], f.Payload)
	return buf
}

func readFull(rb *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := rb.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
