// Package core defines core types with zero external dependencies.
package core

import (
	"net/netip"
	"strconv"
)

// Protocol is the transport protocol of a flow record.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
	ProtocolOther
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolICMP:
		return "ICMP"
	case ProtocolOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// Direction tells which side of a connection sent the payload.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	ClientToServer
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "CTS"
	case ServerToClient:
		return "STC"
	default:
		return "UNKNOWN"
	}
}

// Reverse returns the opposite direction. DirectionUnknown stays unknown.
func (d Direction) Reverse() Direction {
	switch d {
	case ClientToServer:
		return ServerToClient
	case ServerToClient:
		return ClientToServer
	default:
		return DirectionUnknown
	}
}

// Endpoint is one side of a flow.
type Endpoint struct {
	Addr netip.Addr // Go stdlib value type, zero allocation
	Port uint16
}

func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "-"
	}
	if e.Port == 0 {
		return e.Addr.String()
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// IsZero reports whether the endpoint carries no address.
func (e Endpoint) IsZero() bool {
	return !e.Addr.IsValid() && e.Port == 0
}

// TCP flag bits as they appear in the TCP header.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// TCPInfo carries the TCP header fields needed for flow assembly.
type TCPInfo struct {
	Flags  uint8
	Seq    uint32
	Ack    uint32
	Window uint16
}

// Has reports whether every bit of flag is set.
func (t TCPInfo) Has(flag uint8) bool {
	return t.Flags&flag == flag
}

func (t TCPInfo) String() string {
	names := []struct {
		bit  uint8
		name string
	}{
		{TCPFlagSYN, "S"}, {TCPFlagFIN, "F"}, {TCPFlagRST, "R"}, {TCPFlagPSH, "P"}, {TCPFlagACK, "."},
	}
	s := ""
	for _, n := range names {
		if t.Flags&n.bit != 0 {
			s += n.name
		}
	}
	return "[" + s + "] seq " + strconv.FormatUint(uint64(t.Seq), 10)
}
