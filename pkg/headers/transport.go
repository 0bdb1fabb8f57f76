package headers

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the transport protocol requested in a Transport header.
type Protocol int

// Protocols.
const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

// Delivery is the delivery method requested in a Transport header.
type Delivery int

// Delivery methods.
const (
	DeliveryUnicast Delivery = iota
	DeliveryMulticast
)

// Mode is the transport mode (play vs record).
type Mode int

// Modes.
const (
	ModePlay Mode = iota
	ModeRecord
)

// Transport is a parsed Transport header:
//
//	RTP/AVP[/TCP][;unicast|multicast][;client_port=A-B][;mode=RECORD|PLAY]
//	  [;ttl=N][;destination=IP][;source=IP]
//
// Multiple comma-separated transport specs may be offered; the caller picks
// the first whose Protocol it can satisfy (the "first RTP/AVP* wins" rule).
type Transport struct {
	Protocol       Protocol
	Delivery       *Delivery
	Source         *net.IP
	Destination    *net.IP
	InterleavedIDs *[2]int
	TTL            *uint
	ClientPorts    *[2]int
	ServerPorts    *[2]int
	SSRC           *uint32
	Mode           *Mode
}

// ParseTransportList splits a comma-separated Transport header value into
// individual offers, skipping ones this server cannot parse; offers are
// tried in order by the caller.
func ParseTransportList(raw string) []Transport {
	var out []Transport
	for _, one := range splitTopLevelComma(raw) {
		var t Transport
		if err := t.Unmarshal(one); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// splitTopLevelComma splits on commas that are not inside a client_port /
// server_port / interleaved range (which never contain commas in practice,
// but quoting mode values can).
func splitTopLevelComma(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == ',' && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func parsePortPair(val string) (*[2]int, error) {
	parts := strings.Split(val, "-")

	p0, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q", val)
	}

	if len(parts) == 1 {
		return &[2]int{p0, p0 + 1}, nil
	}

	p1, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q", val)
	}

	// A pair where B != A+1 is fixed up silently to A+1; the returned
	// *[2]int carries no sign that a fixup happened, and nothing logs it.
	if p1 != p0+1 {
		p1 = p0 + 1
	}

	return &[2]int{p0, p1}, nil
}

// Unmarshal decodes a single Transport offer (no top-level commas).
func (h *Transport) Unmarshal(v string) error {
	kvs, err := keyValParse(v, ';')
	if err != nil {
		return err
	}

	found := false

	for k, val := range kvs {
		switch k {
		case "RTP/AVP", "RTP/AVP/UDP":
			h.Protocol = ProtocolUDP
			found = true

		case "RTP/AVP/TCP":
			h.Protocol = ProtocolTCP
			found = true

		case "unicast":
			d := DeliveryUnicast
			h.Delivery = &d

		case "multicast":
			d := DeliveryMulticast
			h.Delivery = &d

		case "source":
			if val != "" {
				ip := net.ParseIP(val)
				if ip == nil {
					return fmt.Errorf("invalid source %q", val)
				}
				h.Source = &ip
			}

		case "destination":
			if val != "" {
				ip := net.ParseIP(val)
				if ip == nil {
					return fmt.Errorf("invalid destination %q", val)
				}
				h.Destination = &ip
			}

		case "interleaved":
			p, err := parsePortPair(val)
			if err != nil {
				return err
			}
			h.InterleavedIDs = p

		case "ttl":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return err
			}
			u := uint(n)
			h.TTL = &u

		case "client_port":
			p, err := parsePortPair(val)
			if err != nil {
				return err
			}
			h.ClientPorts = p

		case "server_port":
			p, err := parsePortPair(val)
			if err != nil {
				return err
			}
			h.ServerPorts = p

		case "ssrc":
			val = strings.TrimLeft(val, " ")
			if len(val)%2 != 0 {
				val = "0" + val
			}
			raw, err := hex.DecodeString(val)
			if err != nil {
				return err
			}
			if len(raw) > 4 {
				return fmt.Errorf("invalid ssrc")
			}
			var b [4]byte
			copy(b[4-len(raw):], raw)
			s := binary.BigEndian.Uint32(b[:])
			h.SSRC = &s

		case "mode":
			m := strings.Trim(strings.ToLower(val), `"`)
			switch m {
			case "play":
				mm := ModePlay
				h.Mode = &mm
			case "record", "receive": // "receive" is an ffmpeg/DSS alias for record
				mm := ModeRecord
				h.Mode = &mm
			default:
				return fmt.Errorf("invalid transport mode %q", m)
			}

		default:
			// ignore unrecognized keys
		}
	}

	if !found {
		return fmt.Errorf("protocol not found in transport spec %q", v)
	}

	return nil
}

// Marshal encodes the Transport header value.
func (h Transport) Marshal() string {
	var parts []string

	if h.Protocol == ProtocolUDP {
		parts = append(parts, "RTP/AVP")
	} else {
		parts = append(parts, "RTP/AVP/TCP")
	}

	if h.Delivery != nil {
		if *h.Delivery == DeliveryUnicast {
			parts = append(parts, "unicast")
		} else {
			parts = append(parts, "multicast")
		}
	}

	if h.Destination != nil {
		parts = append(parts, "destination="+h.Destination.String())
	}

	if h.Source != nil {
		parts = append(parts, "source="+h.Source.String())
	}

	if h.InterleavedIDs != nil {
		parts = append(parts, fmt.Sprintf("interleaved=%d-%d", h.InterleavedIDs[0], h.InterleavedIDs[1]))
	}

	if h.TTL != nil {
		parts = append(parts, "ttl="+strconv.FormatUint(uint64(*h.TTL), 10))
	}

	if h.ClientPorts != nil {
		parts = append(parts, fmt.Sprintf("client_port=%d-%d", h.ClientPorts[0], h.ClientPorts[1]))
	}

	if h.ServerPorts != nil {
		parts = append(parts, fmt.Sprintf("server_port=%d-%d", h.ServerPorts[0], h.ServerPorts[1]))
	}

	if h.SSRC != nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], *h.SSRC)
		parts = append(parts, "ssrc="+strings.ToUpper(hex.EncodeToString(b[:])))
	}

	if h.Mode != nil {
		if *h.Mode == ModePlay {
			parts = append(parts, "mode=play")
		} else {
			parts = append(parts, "mode=record")
		}
	}

	return strings.Join(parts, ";")
}
