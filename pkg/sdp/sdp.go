// Package sdp validates, parses and canonicalises Session Description
// Protocol text. Parsing of well-formed attribute lines is delegated to
// github.com/pion/sdp/v3 where its structured types line up with ours;
// the strict line-shape validation and the rewrite/canonicalisation
// rules it has no support for are implemented directly against the raw
// text.
package sdp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// ntpEpoch is the NTP epoch offset used to decide whether a t= start time
// is "always active".
const ntpEpoch = 2208988800

// validLeadingChars are the only permitted SDP line-type characters:
// each non-blank line begins with one of these.
const validLeadingChars = "vosiuepcbtrzkam"

// sessionOrder is the RFC 2327 session-level field order used both to
// validate and to re-emit the canonical header.
var sessionOrder = []byte("vosiuepcbtrzka")

// PayloadKind is the media kind of a stream.
type PayloadKind int

// Kinds.
const (
	PayloadUnknown PayloadKind = iota
	PayloadAudio
	PayloadVideo
)

// BroadcastControlMode is the session-wide a=x-broadcastcontrol mode.
type BroadcastControlMode int

// Modes.
const (
	BroadcastControlRTSP BroadcastControlMode = iota
	BroadcastControlTime
)

// StreamInfo describes one m= media section.
type StreamInfo struct {
	TrackID        int
	PayloadKind    PayloadKind
	PayloadName    string
	PayloadType    int
	Port           int
	IsTCP          bool
	DestIP         string
	TTL            int
	SetupToReceive bool
}

// SourceInfo is the session-wide parse result.
type SourceInfo struct {
	DestIP          string
	SrcIP           string
	TTL             int
	BufferDelaySecs float64
	BroadcastMode   BroadcastControlMode
	ActiveStart     uint64
	ActiveStop      uint64
	AlwaysActive    bool
	Streams         []StreamInfo
}

// Validate checks the strict line shape: every non-blank line begins
// with one of "vosiuepcbtrzkam" followed directly by '=', with no
// whitespace immediately after '='.
func Validate(raw string) error {
	for i, line := range splitLines(raw) {
		if line == "" {
			continue
		}

		if len(line) < 2 || line[1] != '=' {
			return fmt.Errorf("line %d: missing '=' after type character: %q", i, line)
		}

		if !strings.ContainsRune(validLeadingChars, rune(line[0])) {
			return fmt.Errorf("line %d: invalid leading character %q", i, line[0])
		}

		if len(line) > 2 && (line[2] == ' ' || line[2] == '\t') {
			return fmt.Errorf("line %d: whitespace immediately after '=': %q", i, line)
		}
	}
	return nil
}

func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.Split(raw, "\n")
}

// Parse validates raw and extracts a SourceInfo, using pion/sdp/v3 for
// the structured field decoding of m=/c=/a=rtpmap/a=control.
func Parse(raw string) (*SourceInfo, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var doc psdp.SessionDescription
	if err := doc.Unmarshal([]byte(normalizeCRLF(raw))); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	info := &SourceInfo{
		BufferDelaySecs: 3, // fallback when no x-bufferdelay attribute is present
	}

	if doc.ConnectionInformation != nil {
		ip, ttl := parseConnAddr(doc.ConnectionInformation)
		info.DestIP = ip
		info.TTL = ttl
	}

	if len(doc.TimeDescriptions) > 0 {
		td := doc.TimeDescriptions[0]
		start := td.Timing.StartTime
		stop := td.Timing.StopTime

		if stop != 0 && start != 0 && stop < start {
			return nil, fmt.Errorf("t= stop time %d before start time %d", stop, start)
		}

		info.ActiveStart = start
		info.ActiveStop = stop
		info.AlwaysActive = start < ntpEpoch
	}

	for _, a := range doc.Attributes {
		switch a.Key {
		case "x-bufferdelay":
			if f, err := strconv.ParseFloat(a.Value, 64); err == nil {
				info.BufferDelaySecs = f
			}
		case "x-broadcastcontrol":
			if strings.EqualFold(a.Value, "TIME") {
				info.BroadcastMode = BroadcastControlTime
			}
		}
	}

	nextTrackID := 1
	for _, m := range doc.MediaDescriptions {
		si := StreamInfo{
			DestIP: info.DestIP,
			TTL:    info.TTL,
		}

		switch m.MediaName.Media {
		case "audio":
			si.PayloadKind = PayloadAudio
		case "video":
			si.PayloadKind = PayloadVideo
		default:
			si.PayloadKind = PayloadUnknown
		}

		si.Port = m.MediaName.Port.Value

		for _, p := range m.MediaName.Protos {
			if strings.EqualFold(p, "TCP") {
				si.IsTCP = true
			}
		}

		if len(m.MediaName.Formats) > 0 {
			if pt, err := strconv.Atoi(m.MediaName.Formats[0]); err == nil {
				si.PayloadType = pt
			}
		}

		if m.ConnectionInformation != nil {
			ip, ttl := parseConnAddr(m.ConnectionInformation)
			si.DestIP = ip
			si.TTL = ttl
		}

		trackSet := false
		for _, a := range m.Attributes {
			switch {
			case a.Key == "rtpmap":
				fields := strings.SplitN(a.Value, " ", 2)
				if len(fields) == 2 {
					name := strings.SplitN(fields[1], "/", 2)[0]
					si.PayloadName = name
				}
			case a.Key == "control" && strings.HasPrefix(a.Value, "trackID="):
				n, err := strconv.Atoi(strings.TrimPrefix(a.Value, "trackID="))
				if err == nil {
					si.TrackID = n
					trackSet = true
				}
			case a.Key == "recvonly" || a.Key == "sendonly":
				si.SetupToReceive = a.Key == "sendonly"
			}
		}

		if !trackSet {
			si.TrackID = nextTrackID
		}
		nextTrackID = si.TrackID + 1

		info.Streams = append(info.Streams, si)
	}

	return info, nil
}

func normalizeCRLF(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\n", "\r\n")
	return raw
}

func parseConnAddr(c *psdp.ConnectionInformation) (ip string, ttl int) {
	if c.Address == nil {
		return "", 0
	}
	ip = c.Address.Address
	if c.Address.TTL != nil {
		ttl = *c.Address.TTL
	}
	return ip, ttl
}

// Rewrite produces a canonical SDP:
//   - drops original c= lines, injects "c=IN IP4 0.0.0.0" and
//     "a=control:*" before the first m=
//   - strips the port from each m= (replaced with 0)
//   - appends "a=control:trackID=<i>" per track if missing
//   - sorts session-level lines into v o s i u e p c b t r z k a order,
//     keeping the first of any single-instance line, then appends the
//     media sections verbatim (after the per-track edits above)
func Rewrite(raw string) (string, error) {
	if err := Validate(raw); err != nil {
		return "", err
	}

	lines := splitLines(raw)

	var sessionLines []string
	var mediaSections [][]string
	var cur []string
	inMedia := false

	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == 'm' {
			if inMedia {
				mediaSections = append(mediaSections, cur)
			}
			cur = []string{line}
			inMedia = true
			continue
		}
		if inMedia {
			cur = append(cur, line)
			continue
		}
		if line[0] == 'c' {
			// dropped: replaced by the injected 0.0.0.0 line below.
			continue
		}
		sessionLines = append(sessionLines, line)
	}
	if inMedia {
		mediaSections = append(mediaSections, cur)
	}

	sessionLines = append(sessionLines, "c=IN IP4 0.0.0.0", "a=control:*")

	sortedSession := sortSessionLines(sessionLines)

	trackID := 1
	var out strings.Builder
	out.WriteString(strings.Join(sortedSession, "\r\n"))
	out.WriteString("\r\n")

	for _, section := range mediaSections {
		rewritten, nextID := rewriteMediaSection(section, trackID)
		trackID = nextID
		out.WriteString(strings.Join(rewritten, "\r\n"))
		out.WriteString("\r\n")
	}

	return out.String(), nil
}

func rewriteMediaSection(section []string, trackID int) ([]string, int) {
	out := make([]string, 0, len(section)+1)

	mLine := section[0]
	out = append(out, rewriteMLinePort(mLine))

	hasControl := false
	for _, line := range section[1:] {
		if line[0] != 'c' {
			out = append(out, line)
		}
		if strings.HasPrefix(line, "a=control:") {
			hasControl = true
		}
	}

	if !hasControl {
		out = append(out, fmt.Sprintf("a=control:trackID=%d", trackID))
	}

	return out, trackID + 1
}

func rewriteMLinePort(mLine string) string {
	fields := strings.Fields(mLine[2:])
	if len(fields) < 2 {
		return mLine
	}
	fields[1] = "0"
	return "m=" + strings.Join(fields, " ")
}

// sortSessionLines sorts session-level lines into RFC 2327 order, keeping
// the first occurrence of each single-instance line type and every line
// of the repeatable types e, p, b and a, in their original order.
func sortSessionLines(lines []string) []string {
	kept := make(map[byte][]string)
	var order []byte

	for _, l := range lines {
		t := l[0]
		prev, seen := kept[t]
		if !seen {
			order = append(order, t)
		}
		if !seen || strings.IndexByte("epba", t) >= 0 {
			kept[t] = append(prev, l)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return strings.IndexByte(string(sessionOrder), order[i]) < strings.IndexByte(string(sessionOrder), order[j])
	})

	out := make([]string, 0, len(lines))
	for _, t := range order {
		out = append(out, kept[t]...)
	}
	return out
}
