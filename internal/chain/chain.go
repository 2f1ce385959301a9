// Package chain defines the pull-based stage contract that every source,
// link and sink of a classification chain implements.
//
// A chain is built back to front: each stage is linked to the producer
// directly upstream of it, and records are only produced when the last
// element asks for one. Nothing runs ahead of demand.
package chain

import (
	"context"

	"firestige.xyz/chains/internal/core"
)

// Producer yields flow records one at a time. Next returns io.EOF once the
// sequence is exhausted.
type Producer interface {
	Next() (*core.FlowRecord, error)
}

// Source is the head of a chain. It owns an external resource such as a
// capture file or a network interface.
type Source interface {
	Producer
	Name() string
	Close() error
}

// Stage transforms the records of its upstream producer.
type Stage interface {
	Producer
	Name() string
	Link(upstream Producer) error
}

// Sink is the tail of a chain: it drives pulling until the upstream
// sequence ends or ctx is done.
type Sink interface {
	Name() string
	Link(upstream Producer) error
	Pull(ctx context.Context) error
}

// Base holds the upstream link of a stage. Embed it to get Name, Link and
// a Pull that reports an unlinked stage as a configuration error.
type Base struct {
	name     string
	upstream Producer
}

// NewBase creates a Base for the named stage.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name returns the stage name.
func (b *Base) Name() string {
	return b.name
}

// Link connects the stage to its upstream producer. A stage can be linked
// exactly once.
func (b *Base) Link(upstream Producer) error {
	if upstream == nil {
		return core.NewConfigError(b.name, core.ErrNotLinked)
	}
	if b.upstream != nil {
		return core.NewConfigError(b.name, core.ErrAlreadyLinked)
	}
	b.upstream = upstream
	return nil
}

// Linked reports whether Link has succeeded.
func (b *Base) Linked() bool {
	return b.upstream != nil
}

// Upstream returns the linked producer or a *core.ConfigError.
func (b *Base) Upstream() (Producer, error) {
	if b.upstream == nil {
		return nil, core.NewConfigError(b.name, core.ErrNotLinked)
	}
	return b.upstream, nil
}

// Pull fetches the next upstream record.
func (b *Base) Pull() (*core.FlowRecord, error) {
	up, err := b.Upstream()
	if err != nil {
		return nil, err
	}
	return up.Next()
}
