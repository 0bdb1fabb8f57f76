// Package rtpmeta parses the optional X-RTP-Meta-Info RTP payload
// extension: typed-length-value records, optionally per-peer ID
// compressed, prepended to the media payload.
package rtpmeta

import (
	"encoding/binary"
	"fmt"
)

// FieldIndex names one of the six recognised meta-info fields.
type FieldIndex int

const (
	FieldPacketPos FieldIndex = iota
	FieldTransTime
	FieldFrameType
	FieldPacketNum
	FieldSeqNum
	FieldMediaData
	fieldIllegal
	numFields = int(fieldIllegal)
)

// fieldNames holds the two-ASCII-char wire name for each FieldIndex, in
// the same order as the C enum.
var fieldNames = [numFields]string{"pp", "tt", "ft", "pn", "sq", "md"}

// fieldLengthValidator gives the expected byte length for each field;
// zero means "variable" (md) and is not checked.
var fieldLengthValidator = [numFields]int{8, 8, 2, 8, 2, 0}

// Special field IDs, per the source's kUncompressed/kFieldNotUsed.
const (
	IDUncompressed = -1
	IDNotUsed      = -2
)

// FrameType is the value of the frame-type field.
type FrameType uint16

const (
	FrameTypeUnknown FrameType = 0
	FrameTypeKey     FrameType = 1
	FrameTypeB       FrameType = 2
	FrameTypeP       FrameType = 3
)

func fieldIndexForName(name string) FieldIndex {
	for i, n := range fieldNames {
		if n == name {
			return FieldIndex(i)
		}
	}
	return fieldIllegal
}

// ConstructFieldIDArray parses an x-RTP-Meta-Info header value (e.g.
// "pp=1;tt=2;ft=3;pn=4;sq=5;md") into a [numFields]int array mapping
// each field to its negotiated compressed ID, or IDUncompressed /
// IDNotUsed.
func ConstructFieldIDArray(header string) [numFields]int {
	var ids [numFields]int
	for i := range ids {
		ids[i] = IDNotUsed
	}

	start := 0
	for start < len(header) {
		end := start
		for end < len(header) && header[end] != ';' {
			end++
		}
		part := header[start:end]
		start = end + 1

		if len(part) < 2 {
			break
		}
		idx := fieldIndexForName(part[:2])
		if idx == fieldIllegal {
			continue
		}

		id := IDUncompressed
		if len(part) > 3 {
			// part[2] is expected to be '='; the remainder is the ID.
			var parsed int
			if _, err := fmt.Sscanf(part[3:], "%d", &parsed); err == nil {
				id = parsed
			}
		}
		ids[idx] = id
	}
	return ids
}

// Packet is a parsed view over an RTP-Meta-Info-extended RTP payload.
type Packet struct {
	TransmitTime    int64
	FrameType       FrameType
	PacketNumber    uint64
	PacketPosition  uint64
	SeqNum          uint16
	MediaDataOffset int // offset into the original packet buffer
	MediaDataLen    int
}

// Parse walks the typed-length-value fields immediately following the
// 12-byte RTP header in packet, using fieldIDArray (from
// ConstructFieldIDArray) to resolve compressed field IDs. Returns an
// error if a field's length fails validation or a field would read past
// the end of the buffer.
func Parse(packet []byte, fieldIDArray [numFields]int) (*Packet, error) {
	if len(packet) < 12 {
		return nil, fmt.Errorf("rtpmeta: packet shorter than RTP header")
	}

	p := &Packet{}
	off := 12
	end := len(packet)

	for off < end-2 {
		var idx FieldIndex
		var length int

		if packet[off]&0x80 != 0 {
			fieldID := int(packet[off] & 0x7F)
			idx = fieldIllegal
			for i := 0; i < numFields; i++ {
				if fieldIDArray[i] == fieldID {
					idx = FieldIndex(i)
					break
				}
			}
			length = int(packet[off+1])
			off += 2
		} else {
			if off >= end-4 {
				break
			}
			name := string(packet[off : off+2])
			idx = fieldIndexForName(name)
			length = int(binary.BigEndian.Uint16(packet[off+2 : off+4]))
			off += 4
		}

		if idx != fieldIllegal && fieldLengthValidator[idx] > 0 && fieldLengthValidator[idx] != length {
			return nil, fmt.Errorf("rtpmeta: field %d has wrong length %d", idx, length)
		}
		if off+length > end {
			return nil, fmt.Errorf("rtpmeta: field overruns packet")
		}

		value := packet[off : off+length]
		switch idx {
		case FieldPacketPos:
			p.PacketPosition = binary.BigEndian.Uint64(value)
		case FieldTransTime:
			p.TransmitTime = int64(binary.BigEndian.Uint64(value))
		case FieldFrameType:
			p.FrameType = FrameType(binary.BigEndian.Uint16(value))
		case FieldPacketNum:
			p.PacketNumber = binary.BigEndian.Uint64(value)
		case FieldSeqNum:
			p.SeqNum = binary.BigEndian.Uint16(value)
		case FieldMediaData:
			p.MediaDataOffset = off
			p.MediaDataLen = length
		}

		off += length
	}

	return p, nil
}

// ToRTP rewrites packet in place into a plain RTP datagram by moving the
// 12-byte RTP header to sit immediately before the media bytes, then
// returns the resulting slice. Mirrors MakeRTPPacket's memmove.
func ToRTP(packet []byte, meta *Packet) ([]byte, error) {
	if meta.MediaDataLen == 0 {
		return nil, fmt.Errorf("rtpmeta: no media-data field present")
	}
	copy(packet[meta.MediaDataOffset-12:meta.MediaDataOffset], packet[:12])
	start := meta.MediaDataOffset - 12
	return packet[start : start+12+meta.MediaDataLen], nil
}
