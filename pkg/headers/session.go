package headers

import (
	"fmt"
	"strconv"
	"strings"
)

// Session is a Session header: "<id>[;timeout=N]".
type Session struct {
	Session string
	Timeout *uint
}

// Unmarshal decodes a Session header value.
func (h *Session) Unmarshal(v string) error {
	parts := strings.Split(v, ";")
	if parts[0] == "" {
		return fmt.Errorf("empty session id")
	}
	h.Session = parts[0]

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || strings.ToLower(strings.TrimSpace(kv[0])) != "timeout" {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 32)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		u := uint(n)
		h.Timeout = &u
	}

	return nil
}

// Marshal encodes the Session header value.
func (h Session) Marshal() string {
	if h.Timeout == nil {
		return h.Session
	}
	return fmt.Sprintf("%s;timeout=%d", h.Session, *h.Timeout)
}

// Range is a Range header: "npt=<start>[-<stop>]".
type Range struct {
	Start float64
	Stop  *float64
}

// Unmarshal decodes a Range header value.
func (h *Range) Unmarshal(v string) error {
	if !strings.HasPrefix(v, "npt=") {
		return fmt.Errorf("unsupported range unit in %q", v)
	}
	v = v[len("npt="):]

	parts := strings.SplitN(v, "-", 2)
	start, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return fmt.Errorf("invalid range start: %w", err)
	}
	h.Start = start

	if len(parts) == 2 && parts[1] != "" {
		stop, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return fmt.Errorf("invalid range stop: %w", err)
		}
		h.Stop = &stop
	}

	return nil
}

// Marshal encodes the Range header value.
func (h Range) Marshal() string {
	if h.Stop == nil {
		return fmt.Sprintf("npt=%g-", h.Start)
	}
	return fmt.Sprintf("npt=%g-%g", h.Start, *h.Stop)
}

// RTPInfo is the RTP-Info header emitted in a PLAY response.
type RTPInfo struct {
	URL      string
	Seq      *uint16
	RTPTime  *uint32
}

// Marshal encodes a single RTP-Info entry.
func (h RTPInfo) Marshal() string {
	parts := []string{"url=" + h.URL}
	if h.Seq != nil {
		parts = append(parts, "seq="+strconv.FormatUint(uint64(*h.Seq), 10))
	}
	if h.RTPTime != nil {
		parts = append(parts, "rtptime="+strconv.FormatUint(uint64(*h.RTPTime), 10))
	}
	return strings.Join(parts, ";")
}
