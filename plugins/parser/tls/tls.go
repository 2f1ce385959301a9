// Package tls implements a TLS record-header parser.
// Record bodies are never interpreted: the parser recognizes TLS traffic,
// it does not decrypt or inspect handshakes.
package tls

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/pkg/plugin"
)

const ParserName = "tls"

// Options configures the TLS parser.
type Options struct {
	MaxRecords int `mapstructure:"max_records"` // 0 = unlimited
}

// Parser recognizes payloads made of TLS records.
type Parser struct {
	name string
	opts Options
}

// NewParser creates a new TLS record parser.
func NewParser() plugin.Parser {
	return &Parser{name: ParserName}
}

// Name returns the plugin name.
func (p *Parser) Name() string {
	return p.name
}

// Init initializes the parser with configuration.
func (p *Parser) Init(cfg map[string]any) error {
	if err := mapstructure.Decode(cfg, &p.opts); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	if p.opts.MaxRecords < 0 {
		return fmt.Errorf("%w: max_records must not be negative", core.ErrConfigInvalid)
	}
	return nil
}

// CanHandle validates the first record header.
func (p *Parser) CanHandle(payload []byte) bool {
	_, err := ParseHeader(payload)
	return err == nil
}

// Handle decodes the record headers in payload.
func (p *Parser) Handle(payload []byte) (core.Classification, error) {
	records, err := DecodeRecords(payload, p.opts.MaxRecords)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func init() {
	plugin.RegisterParser(ParserName, NewParser)
}
