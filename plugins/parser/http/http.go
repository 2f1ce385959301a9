// Package http implements HTTP/1.x request and response parsers.
// Only the start line, the header block and a framed body are decoded;
// connection state is never tracked across payloads.
package http

import (
	"bytes"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/pkg/plugin"
)

const (
	RequestParserName  = "http-request"
	ResponseParserName = "http-response"
)

// Options bounds the work a parser does on one payload.
type Options struct {
	// MaxPayload skips payloads larger than this many bytes (0 = no limit).
	MaxPayload int `mapstructure:"max_payload"`
	// KeepBody keeps decoded bodies on the result. Bodies are dropped by
	// default to keep annotations small.
	KeepBody bool `mapstructure:"keep_body"`
}

func (o *Options) decode(cfg map[string]any) error {
	if err := mapstructure.Decode(cfg, o); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	if o.MaxPayload < 0 {
		return fmt.Errorf("%w: max_payload must not be negative", core.ErrConfigInvalid)
	}
	return nil
}

func (o *Options) tooLarge(payload []byte) error {
	if o.MaxPayload > 0 && len(payload) > o.MaxPayload {
		return malformed("payload of %d bytes exceeds max_payload %d", len(payload), o.MaxPayload)
	}
	return nil
}

// RequestParser decodes client requests.
type RequestParser struct {
	name string
	opts Options
}

// NewRequestParser creates a new HTTP request parser.
func NewRequestParser() plugin.Parser {
	return &RequestParser{name: RequestParserName}
}

// Name returns the plugin name.
func (p *RequestParser) Name() string {
	return p.name
}

// Init initializes the parser with configuration.
func (p *RequestParser) Init(cfg map[string]any) error {
	return p.opts.decode(cfg)
}

// CanHandle checks that the first token of the payload is a known method.
func (p *RequestParser) CanHandle(payload []byte) bool {
	probe := payload
	if len(probe) > probeLen {
		probe = probe[:probeLen]
	}
	if i := bytes.IndexByte(probe, '\n'); i >= 0 {
		probe = probe[:i]
	}
	fields := startFields(probe)
	return len(fields) > 0 && IsMethod(fields[0])
}

// Handle decodes payload as a request.
func (p *RequestParser) Handle(payload []byte) (core.Classification, error) {
	if err := p.opts.tooLarge(payload); err != nil {
		return nil, err
	}
	req, err := DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	if p.opts.KeepBody {
		req.Body = bytes.Clone(req.Body)
	} else {
		req.Body = nil
	}
	return req, nil
}

// ResponseParser decodes server responses.
type ResponseParser struct {
	name string
	opts Options
}

// NewResponseParser creates a new HTTP response parser.
func NewResponseParser() plugin.Parser {
	return &ResponseParser{name: ResponseParserName}
}

// Name returns the plugin name.
func (p *ResponseParser) Name() string {
	return p.name
}

// Init initializes the parser with configuration.
func (p *ResponseParser) Init(cfg map[string]any) error {
	return p.opts.decode(cfg)
}

// CanHandle checks for the "HTTP" status line prefix.
func (p *ResponseParser) CanHandle(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte("HTTP"))
}

// Handle decodes payload as a response.
func (p *ResponseParser) Handle(payload []byte) (core.Classification, error) {
	if err := p.opts.tooLarge(payload); err != nil {
		return nil, err
	}
	resp, err := DecodeResponse(payload)
	if err != nil {
		return nil, err
	}
	if p.opts.KeepBody {
		resp.Body = bytes.Clone(resp.Body)
	} else {
		resp.Body = nil
	}
	return resp, nil
}

func init() {
	plugin.RegisterParser(RequestParserName, NewRequestParser)
	plugin.RegisterParser(ResponseParserName, NewResponseParser)
}
