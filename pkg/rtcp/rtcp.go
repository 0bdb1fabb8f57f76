// Package rtcp parses compound RTCP packets, layering QTSS-style
// APP(QTSS) and APP(PSS0/NADU) extension decoding on top of
// github.com/pion/rtcp's SR/RR/SDES support, which has no notion of
// either extension.
package rtcp

import (
	"encoding/binary"
	"fmt"

	pionrtcp "github.com/pion/rtcp"
)

// QTSSFields holds whichever fields were present in a compressed
// QTSS APP packet; zero value means "not present" for optional flags.
type QTSSFields struct {
	ReceiverBitRate       *uint32
	AverageLateMs         *uint16
	PercentPacketsLost    *uint16
	AverageBufferDelayMs  *uint16
	GettingBetter         bool
	GettingWorse          bool
	GettingSame           bool
	Eyes                  *uint32
	EyesActive            *uint32
	EyesPaused            *uint32
	PacketsReceived       *uint32
	PacketsDropped        *uint16
	PacketsLost           *uint16
	BufferFill            *uint16
	FrameRate             *uint16
	ExpectedFrameRate     *uint16
	AudioDryCount         *uint16
	OverbufferWindowBytes *uint32
}

// NADUBlock is one 12-byte 3GPP NADU report block.
type NADUBlock struct {
	SSRC          uint32
	PlayoutDelay  uint16
	NSN           uint16
	NUN           uint16 // low 12 bits of the reserved+NUN field
	FreeBufferBytes uint32
}

// ParsedRTCP is the union of whatever a compound packet contained.
type ParsedRTCP struct {
	SenderReports   []pionrtcp.SenderReport
	ReceiverReports []pionrtcp.ReceiverReport
	QTSS            *QTSSFields
	NADU            []NADUBlock
}

// Parse walks a compound RTCP payload. SR/RR/SDES decode via pion/rtcp;
// APP packets are inspected for the "QTSS" and "PSS0" names and decoded
// with the Darwin-specific layouts; any other APP name is ignored (its
// bytes are still validated as a well-formed RTCP packet by pion/rtcp's
// Unmarshal, which already bounds-checks the compound structure).
func Parse(raw []byte) (*ParsedRTCP, error) {
	packets, err := pionrtcp.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("rtcp: %w", err)
	}

	result := &ParsedRTCP{}
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *pionrtcp.SenderReport:
			result.SenderReports = append(result.SenderReports, *p)
		case *pionrtcp.ReceiverReport:
			result.ReceiverReports = append(result.ReceiverReports, *p)
		case *pionrtcp.ApplicationDefined:
			var name [4]byte
			copy(name[:], p.Name)
			qtss, nadu, err := DecodeAPP(name, p.SSRC, p.Data)
			if err != nil {
				return nil, err
			}
			if qtss != nil {
				result.QTSS = qtss
			}
			result.NADU = append(result.NADU, nadu...)
		case *pionrtcp.RawPacket:
			if err := parseRawAPP(*p, result); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// parseRawAPP inspects a raw (unrecognised-by-pion) packet for an APP
// header with name QTSS or PSS0. APP (PT=204) normally decodes into
// pion/rtcp's own ApplicationDefined type, which Parse handles directly;
// this path covers an APP packet that pion/rtcp hands back raw.
func parseRawAPP(raw pionrtcp.RawPacket, result *ParsedRTCP) error {
	return decodeAPPBytes(raw, result)
}

// DecodeAPP decodes a single APP packet already extracted by pion/rtcp
// (pionrtcp.ApplicationDefined in some versions; here accepted as the
// already-unmarshalled Name/Data pair) into QTSS or NADU fields.
func DecodeAPP(name [4]byte, subSSRC uint32, data []byte) (*QTSSFields, []NADUBlock, error) {
	switch string(name[:]) {
	case "QTSS":
		f, err := decodeQTSS(data)
		return f, nil, err
	case "PSS0":
		blocks, err := decodeNADU(data)
		return nil, blocks, err
	default:
		return nil, nil, nil
	}
}

func decodeAPPBytes(raw []byte, result *ParsedRTCP) error {
	// A bare APP packet layout: [V/P/subtype, PT, length16][SSRC32][name4][data...]
	if len(raw) < 12 {
		return nil
	}
	if raw[1] != 204 {
		return nil
	}
	name := [4]byte{raw[8], raw[9], raw[10], raw[11]}
	data := raw[12:]

	qtss, nadu, err := DecodeAPP(name, 0, data)
	if err != nil {
		return err
	}
	if qtss != nil {
		result.QTSS = qtss
	}
	if nadu != nil {
		result.NADU = append(result.NADU, nadu...)
	}
	return nil
}

// decodeQTSS walks 4-byte compressed item headers (type:u16, version:u8,
// length:u8) followed by length bytes of value data.
func decodeQTSS(data []byte) (*QTSSFields, error) {
	f := &QTSSFields{}
	off := 0
	for off+4 <= len(data) {
		itemType := string(data[off : off+2])
		length := int(data[off+3])
		off += 4

		if off+length > len(data) {
			return nil, fmt.Errorf("rtcp: qtss item %q overruns packet", itemType)
		}
		value := data[off : off+length]
		off += length

		switch itemType {
		case "rr":
			if length >= 4 {
				v := binary.BigEndian.Uint32(value)
				f.ReceiverBitRate = &v
			}
		case "lt":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.AverageLateMs = &v
			}
		case "ls":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.PercentPacketsLost = &v
			}
		case "dl":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.AverageBufferDelayMs = &v
			}
		case ":)":
			f.GettingBetter = true
		case ":(":
			f.GettingWorse = true
		case ":|":
			f.GettingSame = true
		case "ey":
			if length >= 4 {
				v := binary.BigEndian.Uint32(value)
				f.Eyes = &v
			}
			if length >= 8 {
				active := binary.BigEndian.Uint32(value[4:8])
				f.EyesActive = &active
			}
			if length >= 12 {
				paused := binary.BigEndian.Uint32(value[8:12])
				f.EyesPaused = &paused
			}
		case "pr":
			if length >= 4 {
				v := binary.BigEndian.Uint32(value)
				f.PacketsReceived = &v
			}
		case "pd":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.PacketsDropped = &v
			}
		case "pl":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.PacketsLost = &v
			}
		case "bl":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.BufferFill = &v
			}
		case "fr":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.FrameRate = &v
			}
		case "xr":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.ExpectedFrameRate = &v
			}
		case "d#":
			if length >= 2 {
				v := binary.BigEndian.Uint16(value)
				f.AudioDryCount = &v
			}
		case "ob":
			if length >= 4 {
				v := binary.BigEndian.Uint32(value)
				f.OverbufferWindowBytes = &v
			}
		}
	}
	return f, nil
}

const naduBlockSize = 12

// decodeNADU walks 12-byte 3GPP NADU blocks: SSRC(u32), playout_delay
// (u16), NSN(u16), reserved(4 bits)+NUN(12 bits) packed in a u16, FBS
// (u16). Rejects input not a multiple of 12 bytes.
func decodeNADU(data []byte) ([]NADUBlock, error) {
	if len(data)%naduBlockSize != 0 {
		return nil, fmt.Errorf("rtcp: NADU payload length %d not a multiple of %d", len(data), naduBlockSize)
	}

	var blocks []NADUBlock
	for off := 0; off+naduBlockSize <= len(data); off += naduBlockSize {
		b := data[off : off+naduBlockSize]
		reservedNUN := binary.BigEndian.Uint16(b[8:10])
		blocks = append(blocks, NADUBlock{
			SSRC:            binary.BigEndian.Uint32(b[0:4]),
			PlayoutDelay:    binary.BigEndian.Uint16(b[4:6]),
			NSN:             binary.BigEndian.Uint16(b[6:8]),
			NUN:             reservedNUN & 0x0FFF,
			FreeBufferBytes: uint32(binary.BigEndian.Uint16(b[10:12])) * 64,
		})
	}
	return blocks, nil
}
