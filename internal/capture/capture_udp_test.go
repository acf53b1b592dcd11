package capture

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// synthesizeUDPPacket builds a full Ethernet/IPv4/UDP frame carrying
// payload, the way sakateka-yanet2's xpacket.LayersToPacket synthesizes
// packets for its dataplane tests — generalized here from that repo's
// generic layer stack to the live CaptureStage's specific wire framing.
func synthesizeUDPPacket(t *testing.T, payload []byte) gopacket.Packet {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 10000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	require.Empty(t, pkt.ErrorLayer())
	return pkt
}

func TestDecodePacketHeaderRoundTripsThroughASynthesizedDatagram(t *testing.T) {
	body := []byte{0x12, 0x34, 0x56, 0x78}
	wire := append(EncodePacketHeader(3, 42, 1700000000), body...)

	pkt := synthesizeUDPPacket(t, wire)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	require.NotNil(t, udpLayer)
	payload := udpLayer.(*layers.UDP).Payload

	sourceID, seq, utcSec, gotBody, ok := DecodePacketHeader(payload)
	require.True(t, ok)
	require.Equal(t, 3, sourceID)
	require.EqualValues(t, 42, seq)
	require.EqualValues(t, 1700000000, utcSec)
	require.Equal(t, body, gotBody)
}

func TestDecodePacketHeaderRejectsShortPacket(t *testing.T) {
	_, _, _, _, ok := DecodePacketHeader([]byte{1, 2, 3})
	require.False(t, ok)
}
