package rtspserver

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtspd/internal/metrics"
	"github.com/streamforge/rtspd/pkg/base"
	"github.com/streamforge/rtspd/pkg/session"
)

const oneTrackSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=x\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

// testServer starts a Server on a loopback port backed by its own
// session.Manager and returns the address to dial; shutdown is registered
// with t.Cleanup.
func testServer(t *testing.T) string {
	t.Helper()

	mgr := session.NewManager(session.Config{LocalIP: "127.0.0.1"})
	srv, err := Listen(Config{
		Addr:         "127.0.0.1:0",
		IdleTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
		Manager:      mgr,
		Metrics:      metrics.New(metrics.Config{Namespace: "rtspd_test_" + t.Name()}),
		Log:          zerolog.Nop(),
	})
	require.NoError(t, err)

	go srv.Serve() //nolint:errcheck

	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})

	return srv.Addr().String()
}

type wireConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	cseq int
}

func dial(t *testing.T, addr string) *wireConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &wireConn{conn: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (w *wireConn) roundTrip(t *testing.T, req *base.Request) *base.Response {
	t.Helper()
	w.cseq++
	req.Header.Set("CSeq", strconv.Itoa(w.cseq))
	require.NoError(t, req.Write(w.bw))

	var res base.Response
	require.NoError(t, res.Read(w.br))
	return &res
}

func rtspURL(addr, path string) *base.URL {
	u, err := base.ParseURL("rtsp://" + addr + "/" + path)
	if err != nil {
		panic(err)
	}
	return u
}

func TestScenarioOptionsAdvertisesMethods(t *testing.T) {
	addr := testServer(t)
	c := dial(t, addr)

	res := c.roundTrip(t, &base.Request{
		Method: base.OPTIONS,
		URL:    &base.URL{},
		Header: make(base.Header),
	})
	require.Equal(t, base.StatusOK, res.StatusCode)
	public, ok := res.Header.Get("Public")
	require.True(t, ok)
	require.Contains(t, public, "PLAY")
	cseq, ok := res.Header.Get("CSeq")
	require.True(t, ok)
	require.Equal(t, "1", cseq)
}

func TestScenarioPublishDescribePlayTeardown(t *testing.T) {
	addr := testServer(t)

	pub := dial(t, addr)
	ahdr := make(base.Header)
	ahdr.Set("Content-Type", "application/sdp")
	ares := pub.roundTrip(t, &base.Request{
		Method: base.ANNOUNCE,
		URL:    rtspURL(addr, "live/scenario1"),
		Header: ahdr,
		Body:   []byte(oneTrackSDP),
	})
	require.Equal(t, base.StatusOK, ares.StatusCode)
	_, hasSession := ares.Header.Get("Session")
	require.False(t, hasSession)

	shdr := make(base.Header)
	shdr.Set("Transport", "RTP/AVP;unicast;client_port=6000-6001")
	sres := pub.roundTrip(t, &base.Request{
		Method: base.SETUP,
		URL:    rtspURL(addr, "live/scenario1/trackID=1"),
		Header: shdr,
	})
	require.Equal(t, base.StatusOK, sres.StatusCode)
	sessionHdr, ok := sres.Header.Get("Session")
	require.True(t, ok)
	require.NotEmpty(t, sessionHdr)

	rhdr := make(base.Header)
	rhdr.Set("Session", sessionHdr)
	rres := pub.roundTrip(t, &base.Request{
		Method: base.RECORD,
		URL:    rtspURL(addr, "live/scenario1"),
		Header: rhdr,
	})
	require.Equal(t, base.StatusOK, rres.StatusCode)

	viewer := dial(t, addr)
	dres := viewer.roundTrip(t, &base.Request{
		Method: base.DESCRIBE,
		URL:    rtspURL(addr, "live/scenario1"),
		Header: make(base.Header),
	})
	require.Equal(t, base.StatusOK, dres.StatusCode)
	require.Contains(t, string(dres.Body), "m=audio")

	vshdr := make(base.Header)
	vshdr.Set("Transport", "RTP/AVP;unicast;client_port=7000-7001")
	vsres := viewer.roundTrip(t, &base.Request{
		Method: base.SETUP,
		URL:    rtspURL(addr, "live/scenario1/trackID=1"),
		Header: vshdr,
	})
	require.Equal(t, base.StatusOK, vsres.StatusCode)
	viewerSession, ok := vsres.Header.Get("Session")
	require.True(t, ok)

	vphdr := make(base.Header)
	vphdr.Set("Session", viewerSession)
	vpres := viewer.roundTrip(t, &base.Request{
		Method: base.PLAY,
		URL:    rtspURL(addr, "live/scenario1"),
		Header: vphdr,
	})
	require.Equal(t, base.StatusOK, vpres.StatusCode)

	vthdr := make(base.Header)
	vthdr.Set("Session", viewerSession)
	vtres := viewer.roundTrip(t, &base.Request{
		Method: base.TEARDOWN,
		URL:    rtspURL(addr, "live/scenario1"),
		Header: vthdr,
	})
	require.Equal(t, base.StatusOK, vtres.StatusCode)

	pthdr := make(base.Header)
	pthdr.Set("Session", sessionHdr)
	ptres := pub.roundTrip(t, &base.Request{
		Method: base.TEARDOWN,
		URL:    rtspURL(addr, "live/scenario1"),
		Header: pthdr,
	})
	require.Equal(t, base.StatusOK, ptres.StatusCode)
}

func TestScenarioUnannouncedPathReturnsNotFound(t *testing.T) {
	addr := testServer(t)
	c := dial(t, addr)

	res := c.roundTrip(t, &base.Request{
		Method: base.DESCRIBE,
		URL:    rtspURL(addr, "live/nope"),
		Header: make(base.Header),
	})
	require.Equal(t, base.StatusNotFound, res.StatusCode)
}
