package rtpmeta

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructFieldIDArrayParsesCompressedIDs(t *testing.T) {
	ids := ConstructFieldIDArray("pp=1;tt=2;ft=3;pn=4;sq=5;md")
	require.Equal(t, 1, ids[FieldPacketPos])
	require.Equal(t, 2, ids[FieldTransTime])
	require.Equal(t, 3, ids[FieldFrameType])
	require.Equal(t, 4, ids[FieldPacketNum])
	require.Equal(t, 5, ids[FieldSeqNum])
	require.Equal(t, IDUncompressed, ids[FieldMediaData])
}

func buildUncompressedField(name string, value []byte) []byte {
	b := make([]byte, 4+len(value))
	copy(b[0:2], name)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(value)))
	copy(b[4:], value)
	return b
}

func TestParseUncompressedFieldsAndMediaData(t *testing.T) {
	rtpHeader := make([]byte, 12)

	seqVal := make([]byte, 2)
	binary.BigEndian.PutUint16(seqVal, 42)
	seqField := buildUncompressedField("sq", seqVal)

	media := []byte("payload-bytes")
	mdField := buildUncompressedField("md", media)

	packet := append(append(rtpHeader, seqField...), mdField...)

	ids := ConstructFieldIDArray("") // all fields uncompressed/unused
	parsed, err := Parse(packet, ids)
	require.NoError(t, err)
	require.EqualValues(t, 42, parsed.SeqNum)
	require.Equal(t, len(media), parsed.MediaDataLen)
}

func TestParseRejectsWrongLength(t *testing.T) {
	rtpHeader := make([]byte, 12)
	badSeqField := buildUncompressedField("sq", []byte{1, 2, 3}) // sq must be 2 bytes
	packet := append(rtpHeader, badSeqField...)

	ids := ConstructFieldIDArray("")
	_, err := Parse(packet, ids)
	require.Error(t, err)
}

func TestToRTPMovesHeaderBeforeMedia(t *testing.T) {
	rtpHeader := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	media := []byte("mediabytes!!")
	mdField := buildUncompressedField("md", media)
	packet := append(append([]byte{}, rtpHeader...), mdField...)

	ids := ConstructFieldIDArray("")
	parsed, err := Parse(packet, ids)
	require.NoError(t, err)

	rewritten, err := ToRTP(packet, parsed)
	require.NoError(t, err)
	require.Equal(t, rtpHeader, rewritten[:12])
	require.Equal(t, media, rewritten[12:])
}
