package bpf

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

type primKind uint8

const (
	primIP primKind = iota
	primProto
	primHost
	primPort
)

type dir uint8

const (
	dirAny dir = iota
	dirSrc
	dirDst
)

type primitive struct {
	kind  primKind
	dir   dir
	proto uint8  // primProto
	addr  uint32 // primHost
	port  uint16 // primPort
}

type term struct {
	not  bool
	prim primitive
}

var protocols = map[string]uint8{
	"icmp": 1,
	"tcp":  6,
	"udp":  17,
}

func tokenize(expr string) []string {
	expr = strings.ReplaceAll(expr, "!", " ! ")
	return strings.Fields(expr)
}

func parse(expr string) ([]term, error) {
	toks := tokenize(expr)
	var terms []term
	for i := 0; i < len(toks); {
		if len(terms) > 0 {
			if toks[i] != "and" && toks[i] != "&&" {
				return nil, fmt.Errorf("expected 'and' before %q", toks[i])
			}
			i++
			if i == len(toks) {
				return nil, fmt.Errorf("dangling 'and'")
			}
		}

		not := false
		if toks[i] == "not" || toks[i] == "!" {
			not = true
			i++
			if i == len(toks) {
				return nil, fmt.Errorf("dangling 'not'")
			}
		}

		prims, n, err := parsePrimitive(toks[i:])
		if err != nil {
			return nil, err
		}
		if not && len(prims) > 1 {
			return nil, fmt.Errorf("'not' cannot apply to %q", strings.Join(toks[i:i+n], " "))
		}
		for _, p := range prims {
			terms = append(terms, term{not: not, prim: p})
		}
		i += n
	}
	return terms, nil
}

// parsePrimitive returns the primitives for one tcpdump primitive and the
// number of tokens used. "tcp port 80" expands to two primitives.
func parsePrimitive(toks []string) ([]primitive, int, error) {
	tok := toks[0]
	switch {
	case tok == "ip":
		return []primitive{{kind: primIP}}, 1, nil
	case protocols[tok] != 0:
		proto := primitive{kind: primProto, proto: protocols[tok]}
		if len(toks) > 1 && (toks[1] == "port" || toks[1] == "src" || toks[1] == "dst") {
			if tok == "icmp" {
				return nil, 0, fmt.Errorf("icmp has no ports")
			}
			rest, n, err := parsePrimitive(toks[1:])
			if err != nil {
				return nil, 0, err
			}
			if rest[0].kind != primPort {
				return nil, 0, fmt.Errorf("expected port after %q", tok)
			}
			return append([]primitive{proto}, rest...), n + 1, nil
		}
		return []primitive{proto}, 1, nil
	}

	d := dirAny
	used := 0
	switch tok {
	case "src":
		d, used = dirSrc, 1
	case "dst":
		d, used = dirDst, 1
	}
	if used >= len(toks) {
		return nil, 0, fmt.Errorf("expected 'host' or 'port' after %q", tok)
	}

	switch toks[used] {
	case "host":
		if used+1 >= len(toks) {
			return nil, 0, fmt.Errorf("missing address after 'host'")
		}
		addr, err := netip.ParseAddr(toks[used+1])
		if err != nil || !addr.Is4() {
			return nil, 0, fmt.Errorf("host %q is not an IPv4 address", toks[used+1])
		}
		b := addr.As4()
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		return []primitive{{kind: primHost, dir: d, addr: v}}, used + 2, nil
	case "port":
		if used+1 >= len(toks) {
			return nil, 0, fmt.Errorf("missing number after 'port'")
		}
		port, err := strconv.ParseUint(toks[used+1], 10, 16)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid port %q", toks[used+1])
		}
		return []primitive{{kind: primPort, dir: d, port: uint16(port)}}, used + 2, nil
	default:
		return nil, 0, fmt.Errorf("unsupported primitive %q", toks[used])
	}
}
