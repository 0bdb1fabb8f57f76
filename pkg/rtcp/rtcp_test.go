package rtcp

import (
	"encoding/binary"
	"testing"

	pionrtcp "github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

// buildAPP assembles a well-formed RTCP APP packet: [V/P/subtype, PT=204,
// length16][SSRC32][name4][data...], padded to a 32-bit boundary, matching
// the wire layout decodeAPPBytes expects (SSRC at bytes 4-7, name at
// bytes 8-11, data from byte 12).
func buildAPP(ssrc uint32, name string, data []byte) []byte {
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	buf := make([]byte, 12+len(data))
	buf[0] = 0x80
	buf[1] = 204
	binary.BigEndian.PutUint16(buf[2:4], uint16((len(buf)/4)-1))
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	copy(buf[8:12], name)
	copy(buf[12:], data)
	return buf
}

func TestParseExtractsQTSSFromCompoundPacket(t *testing.T) {
	sr := &pionrtcp.SenderReport{SSRC: 0x1234, NTPTime: 1, RTPTime: 2}
	srBytes, err := sr.Marshal()
	require.NoError(t, err)

	var rateField [4]byte
	binary.BigEndian.PutUint32(rateField[:], 128000)
	app := buildAPP(0x1234, "QTSS", qtssItem("rr", rateField[:]))

	compound := append(srBytes, app...)

	parsed, err := Parse(compound)
	require.NoError(t, err)
	require.Len(t, parsed.SenderReports, 1)
	require.NotNil(t, parsed.QTSS)
	require.NotNil(t, parsed.QTSS.ReceiverBitRate)
	require.EqualValues(t, 128000, *parsed.QTSS.ReceiverBitRate)
}

func TestParseIgnoresAPPWithUnrecognisedName(t *testing.T) {
	app := buildAPP(0x5678, "XYZZ", []byte{1, 2, 3, 4})
	parsed, err := Parse(app)
	require.NoError(t, err)
	require.Nil(t, parsed.QTSS)
	require.Nil(t, parsed.NADU)
}

func qtssItem(itemType string, value []byte) []byte {
	header := make([]byte, 4)
	header[0] = itemType[0]
	header[1] = itemType[1]
	header[2] = 0 // version
	header[3] = byte(len(value))
	return append(header, value...)
}

func TestDecodeQTSSParsesKnownFields(t *testing.T) {
	var rr [4]byte
	binary.BigEndian.PutUint32(rr[:], 128000)
	var ls [2]byte
	binary.BigEndian.PutUint16(ls[:], 3)

	data := append(qtssItem("rr", rr[:]), qtssItem("ls", ls[:])...)
	data = append(data, qtssItem(":(", nil)...)

	f, err := decodeQTSS(data)
	require.NoError(t, err)
	require.NotNil(t, f.ReceiverBitRate)
	require.EqualValues(t, 128000, *f.ReceiverBitRate)
	require.NotNil(t, f.PercentPacketsLost)
	require.EqualValues(t, 3, *f.PercentPacketsLost)
	require.True(t, f.GettingWorse)
}

func TestDecodeQTSSRejectsOverrunItem(t *testing.T) {
	header := []byte{'r', 'r', 0, 10} // claims 10 bytes of value but none follow
	_, err := decodeQTSS(header)
	require.Error(t, err)
}

func naduBlock(ssrc uint32, playoutDelay, nsn, nun, fbsUnits uint16) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], ssrc)
	binary.BigEndian.PutUint16(b[4:6], playoutDelay)
	binary.BigEndian.PutUint16(b[6:8], nsn)
	binary.BigEndian.PutUint16(b[8:10], nun&0x0FFF)
	binary.BigEndian.PutUint16(b[10:12], fbsUnits)
	return b
}

func TestDecodeNADUParsesBlocks(t *testing.T) {
	data := append(naduBlock(0xAABBCCDD, 40, 100, 5, 10), naduBlock(0x11223344, 20, 200, 9, 20)...)

	blocks, err := decodeNADU(data)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.EqualValues(t, 0xAABBCCDD, blocks[0].SSRC)
	require.EqualValues(t, 40, blocks[0].PlayoutDelay)
	require.EqualValues(t, 100, blocks[0].NSN)
	require.EqualValues(t, 5, blocks[0].NUN)
	require.EqualValues(t, 10*64, blocks[0].FreeBufferBytes)
}

func TestDecodeNADURejectsNonMultipleOfTwelve(t *testing.T) {
	_, err := decodeNADU(make([]byte, 13))
	require.Error(t, err)
}
