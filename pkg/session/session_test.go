package session

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtspd/pkg/base"
	"github.com/streamforge/rtspd/pkg/headers"
)

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=x\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func req(method base.Method, path string, hdr base.Header, body []byte) *base.Request {
	if hdr == nil {
		hdr = make(base.Header)
	}
	hdr.Set("CSeq", "1")
	u, err := base.ParseURL("rtsp://127.0.0.1:8554/" + path)
	if err != nil {
		panic(err)
	}
	return &base.Request{Method: method, URL: u, Header: hdr, Path: path, Body: body}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Config{LocalIP: "127.0.0.1"})
	t.Cleanup(m.Close)
	return m
}

func TestOptionsListsSupportedMethods(t *testing.T) {
	m := newTestManager(t)
	res, sess, err := m.Dispatch(req(base.OPTIONS, "", nil, nil), ConnContext{ConnID: "c1"})
	require.NoError(t, err)
	require.Nil(t, sess)
	require.Equal(t, base.StatusOK, res.StatusCode)
	public, ok := res.Header.Get("Public")
	require.True(t, ok)
	require.Contains(t, public, "SETUP")
	require.Contains(t, public, "PLAY")
}

func TestDescribeBeforeRecordIsNotFound(t *testing.T) {
	m := newTestManager(t)
	res, _, err := m.Dispatch(req(base.DESCRIBE, "live/cam1", nil, nil), ConnContext{ConnID: "c1"})
	require.Error(t, err)
	require.Equal(t, base.StatusNotFound, res.StatusCode)
}

func TestPlaySideSetupBeforeAnyRecordIsNotFound(t *testing.T) {
	m := newTestManager(t)
	hdr := make(base.Header)
	hdr.Set("Transport", "RTP/AVP;unicast;client_port=4000-4001")
	res, sess, err := m.Dispatch(req(base.SETUP, "live/cam1/trackID=1", hdr, nil), ConnContext{ConnID: "c1"})
	require.Error(t, err)
	require.Nil(t, sess)
	require.Equal(t, base.StatusNotFound, res.StatusCode)
}

// announceAndSetupRecord drives ANNOUNCE then the first SETUP for a
// publisher, asserting the Session id only appears on the SETUP response.
func announceAndSetupRecord(t *testing.T, m *Manager, connID, path string) *Session {
	t.Helper()

	ahdr := make(base.Header)
	ahdr.Set("Content-Type", "application/sdp")
	res, sess, err := m.Dispatch(req(base.ANNOUNCE, path, ahdr, []byte(testSDP)), ConnContext{ConnID: connID})
	require.NoError(t, err)
	require.Nil(t, sess)
	require.Equal(t, base.StatusOK, res.StatusCode)
	_, hasSession := res.Header.Get("Session")
	require.False(t, hasSession, "ANNOUNCE must not mint a Session id")

	shdr := make(base.Header)
	shdr.Set("Transport", "RTP/AVP;unicast;client_port=4000-4001")
	res, sess, err = m.Dispatch(req(base.SETUP, path+"/trackID=1", shdr, nil), ConnContext{ConnID: connID, RemoteIP: "127.0.0.1", LocalIP: "127.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, base.StatusOK, res.StatusCode)
	sessionHdr, ok := res.Header.Get("Session")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(sessionHdr, sess.ID))

	return sess
}

func TestRecordThenPlayFullFlow(t *testing.T) {
	m := newTestManager(t)

	pub := announceAndSetupRecord(t, m, "publisher-conn", "live/cam1")
	require.Equal(t, StateReady, pub.State())

	rhdr := make(base.Header)
	rhdr.Set("Session", pub.ID)
	res, sess, err := m.Dispatch(req(base.RECORD, "live/cam1", rhdr, nil), ConnContext{ConnID: "publisher-conn"})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, res.StatusCode)
	require.Equal(t, StateRecording, sess.State())

	// now DESCRIBE succeeds, since a RECORD session is live.
	dres, _, err := m.Dispatch(req(base.DESCRIBE, "live/cam1", nil, nil), ConnContext{ConnID: "viewer-conn"})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, dres.StatusCode)
	require.Contains(t, string(dres.Body), "m=audio")

	// play-side SETUP on a different connection attaches as a viewer.
	vhdr := make(base.Header)
	vhdr.Set("Transport", "RTP/AVP;unicast;client_port=5000-5001")
	vres, viewer, err := m.Dispatch(req(base.SETUP, "live/cam1/trackID=1", vhdr, nil), ConnContext{ConnID: "viewer-conn", RemoteIP: "127.0.0.1", LocalIP: "127.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, viewer)
	require.Equal(t, base.StatusOK, vres.StatusCode)
	require.NotEqual(t, pub.ID, viewer.ID)

	phdr := make(base.Header)
	phdr.Set("Session", viewer.ID)
	pres, _, err := m.Dispatch(req(base.PLAY, "live/cam1", phdr, nil), ConnContext{ConnID: "viewer-conn"})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, pres.StatusCode)
	require.Equal(t, StatePlaying, viewer.State())
	_, hasRTPInfo := pres.Header.Get("RTP-Info")
	require.True(t, hasRTPInfo)

	// tearing down the viewer must not disturb the still-live source.
	thdr := make(base.Header)
	thdr.Set("Session", viewer.ID)
	tres, _, err := m.Dispatch(req(base.TEARDOWN, "live/cam1", thdr, nil), ConnContext{ConnID: "viewer-conn"})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, tres.StatusCode)
	_, stillThere := m.Find(pub.ID)
	require.True(t, stillThere)

	// tearing down the publisher removes the announced path.
	thdr2 := make(base.Header)
	thdr2.Set("Session", pub.ID)
	_, _, err = m.Dispatch(req(base.TEARDOWN, "live/cam1", thdr2, nil), ConnContext{ConnID: "publisher-conn"})
	require.NoError(t, err)

	m.mu.Lock()
	_, stillAnnounced := m.announcedPaths["live/cam1"]
	m.mu.Unlock()
	require.False(t, stillAnnounced)
}

func TestPauseOnlyValidWhilePlaying(t *testing.T) {
	m := newTestManager(t)
	pub := announceAndSetupRecord(t, m, "publisher-conn", "live/cam2")

	rhdr := make(base.Header)
	rhdr.Set("Session", pub.ID)
	_, _, err := m.Dispatch(req(base.RECORD, "live/cam2", rhdr, nil), ConnContext{ConnID: "publisher-conn"})
	require.NoError(t, err)

	// PAUSE on a RECORDING session is not a valid FSM transition.
	phdr := make(base.Header)
	phdr.Set("Session", pub.ID)
	res, _, err := m.Dispatch(req(base.PAUSE, "live/cam2", phdr, nil), ConnContext{ConnID: "publisher-conn"})
	require.Error(t, err)
	require.Equal(t, base.StatusMethodNotValidInThisState, res.StatusCode)
}

func TestSecondSetupOnSameSessionAddsTrack(t *testing.T) {
	m := newTestManager(t)

	sdpTwoTracks := "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=x\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 0 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"m=video 0 RTP/AVP 96\r\n" +
		"a=rtpmap:96 H264/90000\r\n"

	ahdr := make(base.Header)
	ahdr.Set("Content-Type", "application/sdp")
	_, _, err := m.Dispatch(req(base.ANNOUNCE, "live/cam3", ahdr, []byte(sdpTwoTracks)), ConnContext{ConnID: "publisher-conn"})
	require.NoError(t, err)

	shdr := make(base.Header)
	shdr.Set("Transport", "RTP/AVP;unicast;client_port=4000-4001")
	_, sess, err := m.Dispatch(req(base.SETUP, "live/cam3/trackID=1", shdr, nil), ConnContext{ConnID: "publisher-conn", RemoteIP: "127.0.0.1", LocalIP: "127.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, sess)

	shdr2 := make(base.Header)
	shdr2.Set("Transport", "RTP/AVP;unicast;client_port=4002-4003")
	shdr2.Set("Session", sess.ID)
	res2, sess2, err := m.Dispatch(req(base.SETUP, "live/cam3/trackID=2", shdr2, nil), ConnContext{ConnID: "publisher-conn", RemoteIP: "127.0.0.1", LocalIP: "127.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, sess.ID, sess2.ID)
	require.Equal(t, base.StatusOK, res2.StatusCode)

	require.Len(t, sess.mediasOrdered, 2)
	require.True(t, sess.isPublisher)
}

func TestGetParameterRespectsControlPacing(t *testing.T) {
	m := newTestManager(t)
	pub := announceAndSetupRecord(t, m, "publisher-conn", "live/cam4")

	hdr := make(base.Header)
	hdr.Set("Session", pub.ID)
	res, _, err := m.Dispatch(req(base.GET_PARAMETER, "live/cam4", hdr, nil), ConnContext{ConnID: "publisher-conn"})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, res.StatusCode)

	// a second GET_PARAMETER within the pacing interval is rejected.
	res2, _, err := m.Dispatch(req(base.GET_PARAMETER, "live/cam4", hdr, nil), ConnContext{ConnID: "publisher-conn"})
	require.Error(t, err)
	require.Equal(t, base.StatusParameterNotUnderstood, res2.StatusCode)
}

func TestRequireAuthChallengesThenAcceptsBasic(t *testing.T) {
	m := NewManager(Config{
		LocalIP:     "127.0.0.1",
		RequireAuth: true,
		User:        "admin",
		Pass:        "secret",
		AuthMethods: []headers.Method{headers.AuthBasic},
	})
	t.Cleanup(m.Close)

	res, _, err := m.Dispatch(req(base.DESCRIBE, "live/camX", nil, nil), ConnContext{ConnID: "c1"})
	require.Nil(t, err)
	require.Equal(t, base.StatusUnauthorized, res.StatusCode)
	_, hasChallenge := res.Header.Get("WWW-Authenticate")
	require.True(t, hasChallenge)

	hdr := make(base.Header)
	hdr.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
	res2, _, err := m.Dispatch(req(base.DESCRIBE, "live/camX", hdr, nil), ConnContext{ConnID: "c1"})
	require.Error(t, err)
	// no active source yet, but the request must get past authentication.
	require.Equal(t, base.StatusNotFound, res2.StatusCode)
}
