// Package pcaptest builds synthetic Ethernet/IPv4 frames and capture files
// for tests.
package pcaptest

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Frame is one captured frame.
type Frame struct {
	Data []byte
	Time time.Time
}

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Flags selects TCP flags for a segment.
type Flags struct {
	SYN, ACK, PSH, FIN, RST bool
}

// TCP builds an Ethernet/IPv4/TCP frame.
func TCP(tb testing.TB, src, dst string, sport, dport uint16, flags Flags, seq, ack uint32, payload []byte) []byte {
	tb.Helper()
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		Ack:     ack,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		PSH:     flags.PSH,
		FIN:     flags.FIN,
		RST:     flags.RST,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("checksum layer: %v", err)
	}
	return serialize(tb, ip, tcp, payload)
}

// UDP builds an Ethernet/IPv4/UDP frame.
func UDP(tb testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	tb.Helper()
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("checksum layer: %v", err)
	}
	return serialize(tb, ip, udp, payload)
}

// ICMPEcho builds an Ethernet/IPv4/ICMP echo request frame.
func ICMPEcho(tb testing.TB, src, dst string) []byte {
	tb.Helper()
	ip := ipv4(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
	return serialize(tb, ip, icmp, []byte("ping"))
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func serialize(tb testing.TB, ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) []byte {
	tb.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       clientMAC,
		DstMAC:       serverMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

// Frames stamps data with increasing capture times starting at base.
func Frames(base time.Time, data ...[]byte) []Frame {
	frames := make([]Frame, len(data))
	for i, d := range data {
		frames[i] = Frame{Data: d, Time: base.Add(time.Duration(i) * time.Millisecond)}
	}
	return frames
}

// WritePcap writes frames to a pcap file in a temporary directory and
// returns its path.
func WritePcap(tb testing.TB, frames []Frame) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create pcap: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		tb.Fatalf("write pcap header: %v", err)
	}
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     fr.Time,
			CaptureLength: len(fr.Data),
			Length:        len(fr.Data),
		}
		if err := w.WritePacket(ci, fr.Data); err != nil {
			tb.Fatalf("write packet: %v", err)
		}
	}
	return path
}

// HTTPExchange returns the frames of a complete TCP connection carrying
// one request and one response: handshake, request, response, close.
func HTTPExchange(tb testing.TB, client, server string, cport, sport uint16, request, response []byte) [][]byte {
	tb.Helper()
	const cseq, sseq = 1000, 5000
	creq := uint32(cseq + 1)
	sresp := uint32(sseq + 1)
	cfin := creq + uint32(len(request))
	sfin := sresp + uint32(len(response))

	return [][]byte{
		TCP(tb, client, server, cport, sport, Flags{SYN: true}, cseq, 0, nil),
		TCP(tb, server, client, sport, cport, Flags{SYN: true, ACK: true}, sseq, creq, nil),
		TCP(tb, client, server, cport, sport, Flags{ACK: true}, creq, sresp, nil),
		TCP(tb, client, server, cport, sport, Flags{ACK: true, PSH: true}, creq, sresp, request),
		TCP(tb, server, client, sport, cport, Flags{ACK: true, PSH: true}, sresp, cfin, response),
		TCP(tb, client, server, cport, sport, Flags{ACK: true, FIN: true}, cfin, sfin, nil),
		TCP(tb, server, client, sport, cport, Flags{ACK: true, FIN: true}, sfin, cfin+1, nil),
		TCP(tb, client, server, cport, sport, Flags{ACK: true}, cfin+1, sfin+1, nil),
	}
}
