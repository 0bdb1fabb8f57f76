package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRewriteDeterminism checks the canonical rewrite's injected lines,
// zeroed m= ports, per-track control lines and track order.
func TestRewriteDeterminism(t *testing.T) {
	in := "v=0\r\n" +
		"o=- 1 1 IN IP4 1.2.3.4\r\n" +
		"s=x\r\n" +
		"c=IN IP4 9.9.9.9/15\r\n" +
		"t=0 0\r\n" +
		"m=audio 12345 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"m=video 12347 RTP/AVP 96\r\n" +
		"a=rtpmap:96 H264/90000\r\n"

	out, err := Rewrite(in)
	require.NoError(t, err)

	require.Contains(t, out, "c=IN IP4 0.0.0.0")
	require.Contains(t, out, "a=control:*")
	require.Contains(t, out, "m=audio 0 RTP/AVP 0")
	require.Contains(t, out, "a=control:trackID=1")
	require.Contains(t, out, "m=video 0 RTP/AVP 96")
	require.Contains(t, out, "a=control:trackID=2")

	// audio track must precede video track in the output.
	require.Less(t, strings.Index(out, "m=audio"), strings.Index(out, "m=video"))
	require.Less(t, strings.Index(out, "a=control:trackID=1"), strings.Index(out, "m=video"))
}

func TestValidateRejectsBadLeadingChar(t *testing.T) {
	err := Validate("v=0\r\nX=bad\r\n")
	require.Error(t, err)
}

func TestValidateRejectsWhitespaceAfterEquals(t *testing.T) {
	err := Validate("v=0\r\ns= x\r\n")
	require.Error(t, err)
}

func TestParseExtractsStreamsAndTrackIDs(t *testing.T) {
	in := "v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=x\r\nc=IN IP4 9.9.9.9/15\r\nt=0 0\r\n" +
		"m=video 12347 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n"

	info, err := Parse(in)
	require.NoError(t, err)
	require.Equal(t, "9.9.9.9", info.DestIP)
	require.Equal(t, 15, info.TTL)
	require.Len(t, info.Streams, 1)
	require.Equal(t, PayloadVideo, info.Streams[0].PayloadKind)
	require.Equal(t, "H264", info.Streams[0].PayloadName)
	require.Equal(t, 1, info.Streams[0].TrackID)
}

func TestParseRejectsStopBeforeStart(t *testing.T) {
	in := "v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=x\r\nt=3000000000 2000000000\r\nm=audio 0 RTP/AVP 0\r\n"
	_, err := Parse(in)
	require.Error(t, err)
}
