package headers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportUnmarshalClientPortFixup(t *testing.T) {
	var h Transport
	err := h.Unmarshal("RTP/AVP;unicast;client_port=5000-5999")
	require.NoError(t, err)
	require.NotNil(t, h.ClientPorts)
	// client_port=A-B where B != A+1 is fixed up silently to A+1.
	require.Equal(t, [2]int{5000, 5001}, *h.ClientPorts)
}

func TestTransportMarshalUnmarshalRoundTrip(t *testing.T) {
	d := DeliveryUnicast
	m := ModePlay
	in := Transport{
		Protocol:    ProtocolUDP,
		Delivery:    &d,
		ClientPorts: &[2]int{5000, 5001},
		Mode:        &m,
	}

	var out Transport
	err := out.Unmarshal(in.Marshal())
	require.NoError(t, err)
	require.Equal(t, in.Protocol, out.Protocol)
	require.Equal(t, *in.ClientPorts, *out.ClientPorts)
}

func TestParseTransportListKeepsOfferOrder(t *testing.T) {
	list := ParseTransportList("RTP/AVP;unicast;client_port=4000-4001,RTP/AVP/TCP;interleaved=0-1")
	require.Len(t, list, 2)
	require.Equal(t, ProtocolUDP, list[0].Protocol)
	require.Equal(t, ProtocolTCP, list[1].Protocol)
}

func TestTransportMissingProtocol(t *testing.T) {
	var h Transport
	err := h.Unmarshal("unicast;client_port=5000-5001")
	require.Error(t, err)
}
