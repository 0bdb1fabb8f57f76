package base

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestReadOptionsWildcard(t *testing.T) {
	rb := bufio.NewReader(strings.NewReader("OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n\r\n"))

	var req Request
	err := req.Read(rb)
	require.NoError(t, err)
	require.Equal(t, OPTIONS, req.Method)

	v, ok := req.Header.Get("CSeq")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestRequestReadSetupWithTransport(t *testing.T) {
	raw := "SETUP rtsp://h/live.sdp/trackID=1 RTSP/1.0\r\n" +
		"CSeq: 2\r\n" +
		"Transport: RTP/AVP;unicast;client_port=5000-5001\r\n" +
		"\r\n"
	rb := bufio.NewReader(strings.NewReader(raw))

	var req Request
	err := req.Read(rb)
	require.NoError(t, err)
	require.Equal(t, SETUP, req.Method)

	v, ok := req.Header.Get("transport")
	require.True(t, ok)
	require.Equal(t, "RTP/AVP;unicast;client_port=5000-5001", v)
}

func TestRequestHeaderTooLarge(t *testing.T) {
	huge := strings.Repeat("a", requestMaxHeaderSize+1)
	raw := "OPTIONS * RTSP/1.0\r\nX-Huge: " + huge + "\r\n\r\n"
	rb := bufio.NewReader(strings.NewReader(raw))

	var req Request
	err := req.Read(rb)
	require.Error(t, err)
}

func TestRequestContinuationLine(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\n" +
		"X-Long: part1\r\n" +
		" part2\r\n" +
		"\r\n"
	rb := bufio.NewReader(strings.NewReader(raw))

	var req Request
	err := req.Read(rb)
	require.NoError(t, err)

	v, ok := req.Header.Get("X-Long")
	require.True(t, ok)
	require.Equal(t, "part1 part2", v)
}

func TestRequestMissingColon(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\nBadHeader\r\n\r\n"
	rb := bufio.NewReader(strings.NewReader(raw))

	var req Request
	err := req.Read(rb)
	require.Error(t, err)
}
