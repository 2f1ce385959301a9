// Package bpf compiles a subset of the tcpdump filter language into
// classic BPF programs and runs them in the golang.org/x/net/bpf VM.
//
// Supported grammar, for Ethernet frames carrying IPv4:
//
//	expr      = term { ("and" | "&&") term }
//	term      = [ "not" | "!" ] primitive
//	primitive = "ip" | proto [ [dir] "port" N ] | [dir] "host" ADDR | [dir] "port" N
//	proto     = "tcp" | "udp" | "icmp"
//	dir       = "src" | "dst"
//
// Anything else is rejected at compile time so that a filter never
// silently matches more than asked for.
package bpf

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/chains/internal/core"
)

// DefaultSnaplen is returned by the program for accepted packets.
const DefaultSnaplen = 65535

// Filter is a compiled capture filter.
type Filter struct {
	expr  string
	insns []bpf.Instruction
	vm    *bpf.VM
}

// Compile parses expr and builds the BPF program. An empty expr yields a
// filter that accepts everything.
func Compile(expr string) (*Filter, error) {
	terms, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: bpf %q: %v", core.ErrConfigInvalid, expr, err)
	}
	f := &Filter{expr: expr}
	if len(terms) == 0 {
		return f, nil
	}

	f.insns, err = assemble(terms)
	if err != nil {
		return nil, fmt.Errorf("%w: bpf %q: %v", core.ErrConfigInvalid, expr, err)
	}
	f.vm, err = bpf.NewVM(f.insns)
	if err != nil {
		return nil, fmt.Errorf("%w: bpf %q: %v", core.ErrConfigInvalid, expr, err)
	}
	return f, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Empty reports whether the filter accepts every packet.
func (f *Filter) Empty() bool {
	return f.vm == nil
}

// Instructions returns the compiled program.
func (f *Filter) Instructions() []bpf.Instruction {
	return f.insns
}

// Raw returns the program in kernel wire form.
func (f *Filter) Raw() ([]bpf.RawInstruction, error) {
	return bpf.Assemble(f.insns)
}

// Match runs the program over an Ethernet frame.
func (f *Filter) Match(frame []byte) bool {
	if f.vm == nil {
		return true
	}
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
