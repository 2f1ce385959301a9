package bpf

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// Ethernet + IPv4 offsets.
const (
	offEtherType = 12
	offIPFrag    = 20
	offIPProto   = 23
	offIPSrc     = 26
	offIPDst     = 30
	offIPHeader  = 14 // LoadMemShift base
	offSrcPort   = 14 // relative to the IP header end, via X
	offDstPort   = 16

	etherTypeIPv4 = 0x0800
)

// target is a symbolic jump destination inside one primitive block.
type target uint8

const (
	next    target = iota // the following instruction
	skipOne               // the instruction after the following one
	match                 // end of block: primitive holds
	fail                  // primitive does not hold
)

// op is an instruction whose jump offsets are not resolved yet.
type op struct {
	ins    bpf.Instruction
	jump   bool
	cond   bpf.JumpTest
	val    uint32
	jt, jf target
}

func load(off uint32, size int) op {
	return op{ins: bpf.LoadAbsolute{Off: off, Size: size}}
}

func jeq(val uint32, jt, jf target) op {
	return op{jump: true, cond: bpf.JumpEqual, val: val, jt: jt, jf: jf}
}

func ipv4() []op {
	return []op{
		load(offEtherType, 2),
		jeq(etherTypeIPv4, next, fail),
	}
}

func (p primitive) ops() []op {
	ops := ipv4()
	switch p.kind {
	case primProto:
		ops = append(ops,
			load(offIPProto, 1),
			jeq(uint32(p.proto), match, fail),
		)
	case primHost:
		switch p.dir {
		case dirSrc:
			ops = append(ops, load(offIPSrc, 4), jeq(p.addr, match, fail))
		case dirDst:
			ops = append(ops, load(offIPDst, 4), jeq(p.addr, match, fail))
		default:
			ops = append(ops,
				load(offIPSrc, 4), jeq(p.addr, match, next),
				load(offIPDst, 4), jeq(p.addr, match, fail),
			)
		}
	case primPort:
		ops = append(ops,
			load(offIPProto, 1),
			jeq(6, skipOne, next), // tcp: skip the udp test
			jeq(17, next, fail),
			load(offIPFrag, 2),
			op{jump: true, cond: bpf.JumpBitsSet, val: 0x1fff, jt: fail, jf: next},
			op{ins: bpf.LoadMemShift{Off: offIPHeader}},
		)
		switch p.dir {
		case dirSrc:
			ops = append(ops, op{ins: bpf.LoadIndirect{Off: offSrcPort, Size: 2}}, jeq(uint32(p.port), match, fail))
		case dirDst:
			ops = append(ops, op{ins: bpf.LoadIndirect{Off: offDstPort, Size: 2}}, jeq(uint32(p.port), match, fail))
		default:
			ops = append(ops,
				op{ins: bpf.LoadIndirect{Off: offSrcPort, Size: 2}}, jeq(uint32(p.port), match, next),
				op{ins: bpf.LoadIndirect{Off: offDstPort, Size: 2}}, jeq(uint32(p.port), match, fail),
			)
		}
	}
	return ops
}

// assemble lays out one block per term followed by the accept and reject
// returns, and resolves symbolic jumps.
//
// A plain term continues with the next block on match and jumps to reject
// on fail. A negated term gets an extra jump to reject appended, reached on
// match; its fail target is the next block.
func assemble(terms []term) ([]bpf.Instruction, error) {
	type block struct {
		ops []op
		not bool
	}
	blocks := make([]block, len(terms))
	total := 0
	for i, t := range terms {
		blocks[i] = block{ops: t.prim.ops(), not: t.not}
		total += len(blocks[i].ops)
		if t.not {
			total++
		}
	}
	reject := total + 1 // total is the accept return

	out := make([]bpf.Instruction, 0, total+2)
	for _, b := range blocks {
		base := len(out)
		end := base + len(b.ops)
		matchAt, failAt := end, reject
		if b.not {
			failAt = end + 1
		}

		for k, o := range b.ops {
			pos := base + k
			if !o.jump {
				out = append(out, o.ins)
				continue
			}
			jt, err := skip(pos, resolve(o.jt, pos, matchAt, failAt))
			if err != nil {
				return nil, err
			}
			jf, err := skip(pos, resolve(o.jf, pos, matchAt, failAt))
			if err != nil {
				return nil, err
			}
			out = append(out, bpf.JumpIf{Cond: o.cond, Val: o.val, SkipTrue: jt, SkipFalse: jf})
		}
		if b.not {
			out = append(out, bpf.Jump{Skip: uint32(reject - (end + 1))})
		}
	}

	out = append(out,
		bpf.RetConstant{Val: DefaultSnaplen},
		bpf.RetConstant{Val: 0},
	)
	return out, nil
}

func resolve(t target, pos, matchAt, failAt int) int {
	switch t {
	case skipOne:
		return pos + 2
	case match:
		return matchAt
	case fail:
		return failAt
	default:
		return pos + 1
	}
}

func skip(pos, to int) (uint8, error) {
	d := to - pos - 1
	if d < 0 || d > 255 {
		return 0, fmt.Errorf("jump from %d to %d out of range", pos, to)
	}
	return uint8(d), nil
}
