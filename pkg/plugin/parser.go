// Package plugin defines plugin interfaces.
package plugin

import (
	"firestige.xyz/chains/internal/core"
)

// Parser decodes one application protocol from a reassembled payload.
//
// Handle must be a pure function of payload: it never mutates the bytes
// and keeps no state between calls. Failures wrap core.ErrDecodeIncomplete
// or core.ErrDecodeMalformed.
type Parser interface {
	Plugin
	// CanHandle is a cheap prefix probe. A false result means Handle would
	// fail on the same payload.
	CanHandle(payload []byte) bool
	Handle(payload []byte) (core.Classification, error)
}

// ParserFunc adapts a decode function to the Parser interface. It is used
// for parsers that take no configuration.
type ParserFunc struct {
	ParserName string
	Probe      func(payload []byte) bool
	Decode     func(payload []byte) (core.Classification, error)
}

func (f *ParserFunc) Name() string {
	return f.ParserName
}

func (f *ParserFunc) Init(cfg map[string]any) error {
	return nil
}

func (f *ParserFunc) CanHandle(payload []byte) bool {
	if f.Probe == nil {
		return true
	}
	return f.Probe(payload)
}

func (f *ParserFunc) Handle(payload []byte) (core.Classification, error) {
	return f.Decode(payload)
}
