// Package decoder implements the packet meta stage: it decodes the link,
// network and transport headers of captured frames into flow record fields.
package decoder

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

const Name = "decode"

// Options configures the decode stage.
type Options struct {
	// DisableDefrag passes IPv4 fragments through undecoded instead of
	// holding them until the datagram is complete.
	DisableDefrag bool `mapstructure:"disable_defrag"`
	// MaxFragmentsPerSource caps the fragments one source address may feed
	// the defragmenter per 10s of capture time. 0 means no limit.
	MaxFragmentsPerSource int `mapstructure:"max_fragments_per_source"`
}

// Stage fills Protocol, Src, Dst, TCP and Payload from the raw frame of
// each record. Records without a frame, or whose frame cannot be decoded,
// pass through with ProtocolUnknown.
type Stage struct {
	chain.Base

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	sll     layers.LinuxSLL
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload

	parsers map[layers.LinkType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	defrag  *defragmenter
	logger  log.Logger
}

// New creates a decode stage.
func New(opts Options, logger log.Logger) *Stage {
	if logger == nil {
		logger = log.GetLogger()
	}
	s := &Stage{
		Base:    chain.NewBase(Name),
		decoded: make([]gopacket.LayerType, 0, 8),
		logger:  logger,
	}
	if !opts.DisableDefrag {
		s.defrag = newDefragmenter(opts.MaxFragmentsPerSource)
	}

	decoders := []gopacket.DecodingLayer{
		&s.eth, &s.dot1q, &s.sll, &s.ip4, &s.ip6,
		&s.tcp, &s.udp, &s.icmp4, &s.icmp6, &s.payload,
	}
	first := map[layers.LinkType]gopacket.LayerType{
		layers.LinkTypeEthernet: layers.LayerTypeEthernet,
		layers.LinkTypeLinuxSLL: layers.LayerTypeLinuxSLL,
		layers.LinkTypeIPv4:     layers.LayerTypeIPv4,
		layers.LinkTypeIPv6:     layers.LayerTypeIPv6,
	}
	s.parsers = make(map[layers.LinkType]*gopacket.DecodingLayerParser, len(first))
	for lt, lay := range first {
		p := gopacket.NewDecodingLayerParser(lay, decoders...)
		p.IgnoreUnsupported = true
		s.parsers[lt] = p
	}
	return s
}

// NewFactory returns a registry factory for decode stages.
func NewFactory(logger log.Logger) chain.Factory[chain.Stage] {
	return func(opts map[string]any) (chain.Stage, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		return New(o, logger), nil
	}
}

// Next pulls and decodes one record. IPv4 fragments are held until the
// datagram is complete; the stage keeps pulling meanwhile.
func (s *Stage) Next() (*core.FlowRecord, error) {
	for {
		rec, err := s.Pull()
		if err != nil {
			return nil, err
		}
		if s.decode(rec) {
			return rec, nil
		}
	}
}

// decode fills rec in place. It returns false when rec was swallowed as
// an incomplete fragment.
func (s *Stage) decode(rec *core.FlowRecord) bool {
	if rec.Packet == nil {
		return true
	}
	lt := layers.LinkType(rec.Packet.LinkType)
	if lt == layers.LinkTypeRaw {
		lt = rawLinkType(rec.Packet.Data)
	}
	parser, ok := s.parsers[lt]
	if !ok {
		s.logger.Debugf("unsupported link type %s", lt)
		return true
	}

	if err := parser.DecodeLayers(rec.Packet.Data, &s.decoded); err != nil {
		s.logger.WithError(err).WithField("id", rec.ID).Trace("frame partially decoded")
	}

	for _, typ := range s.decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			rec.Src.Addr = addr(s.ip4.SrcIP)
			rec.Dst.Addr = addr(s.ip4.DstIP)
			rec.Protocol = core.ProtocolOther
			if isFragment(&s.ip4) {
				if s.defrag == nil {
					return true
				}
				whole, err := s.defrag.add(&s.ip4, rec.Timestamp)
				if err != nil {
					s.logger.WithError(err).WithField("id", rec.ID).Debug("dropping bad fragment")
					return true
				}
				if whole == nil {
					return false
				}
				s.decodeTransport(rec, whole)
				return true
			}
		case layers.LayerTypeIPv6:
			rec.Src.Addr = addr(s.ip6.SrcIP)
			rec.Dst.Addr = addr(s.ip6.DstIP)
			rec.Protocol = core.ProtocolOther
		case layers.LayerTypeTCP:
			s.fillTCP(rec, &s.tcp)
		case layers.LayerTypeUDP:
			s.fillUDP(rec, &s.udp)
		case layers.LayerTypeICMPv4:
			rec.Protocol = core.ProtocolICMP
			rec.Payload = s.icmp4.Payload
		case layers.LayerTypeICMPv6:
			rec.Protocol = core.ProtocolICMP
			rec.Payload = s.icmp6.Payload
		}
	}
	return true
}

// decodeTransport decodes the transport header of a reassembled datagram.
func (s *Stage) decodeTransport(rec *core.FlowRecord, ip *layers.IPv4) {
	pkt := gopacket.NewPacket(ip.Payload, ip.NextLayerType(), gopacket.NoCopy)
	switch l := pkt.TransportLayer().(type) {
	case *layers.TCP:
		s.fillTCP(rec, l)
	case *layers.UDP:
		s.fillUDP(rec, l)
	default:
		if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
			rec.Protocol = core.ProtocolICMP
			rec.Payload = icmp.Payload
		}
	}
}

func (s *Stage) fillTCP(rec *core.FlowRecord, tcp *layers.TCP) {
	rec.Protocol = core.ProtocolTCP
	rec.Src.Port = uint16(tcp.SrcPort)
	rec.Dst.Port = uint16(tcp.DstPort)
	rec.Payload = tcp.Payload
	rec.TCP = &core.TCPInfo{
		Flags:  tcpFlags(tcp),
		Seq:    tcp.Seq,
		Ack:    tcp.Ack,
		Window: tcp.Window,
	}
}

func (s *Stage) fillUDP(rec *core.FlowRecord, udp *layers.UDP) {
	rec.Protocol = core.ProtocolUDP
	rec.Src.Port = uint16(udp.SrcPort)
	rec.Dst.Port = uint16(udp.DstPort)
	rec.Payload = udp.Payload
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= core.TCPFlagFIN
	}
	if tcp.SYN {
		f |= core.TCPFlagSYN
	}
	if tcp.RST {
		f |= core.TCPFlagRST
	}
	if tcp.PSH {
		f |= core.TCPFlagPSH
	}
	if tcp.ACK {
		f |= core.TCPFlagACK
	}
	return f
}

func addr(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}

// rawLinkType picks the IP version of a raw frame from its first nibble.
func rawLinkType(data []byte) layers.LinkType {
	if len(data) > 0 && data[0]>>4 == 6 {
		return layers.LinkTypeIPv6
	}
	return layers.LinkTypeIPv4
}
