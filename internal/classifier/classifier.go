// Package classifier implements the protocol classification stage.
//
// For every TCP record pulled from upstream the stage runs an ordered list
// of parsers against the payload and stores the first success under the
// "http" annotation. Decode failures never leave the stage: they degrade to
// the next parser and finally to core.Unclassified.
package classifier

import (
	"fmt"
	"strings"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
	"firestige.xyz/chains/pkg/plugin"
	httpparser "firestige.xyz/chains/plugins/parser/http"
	tlsparser "firestige.xyz/chains/plugins/parser/tls"
)

// Name is the registry name of the stage.
const Name = "http"

// ReasonEmptyPayload is the Unclassified reason for records without bytes.
const ReasonEmptyPayload = "empty payload"

var (
	// DefaultClientParsers is tried, in order, on client-to-server payloads.
	DefaultClientParsers = []string{httpparser.RequestParserName, tlsparser.ParserName}
	// DefaultServerParsers is tried on server-to-client payloads. There is
	// no TLS fallback on this side.
	DefaultServerParsers = []string{httpparser.ResponseParserName}
)

// Observer receives classification events. Implementations must be safe
// for use from several chains at once.
type Observer interface {
	Classified(rec *core.FlowRecord, c core.Classification)
	DecodeFailed(parser string, err error)
}

type nopObserver struct{}

func (nopObserver) Classified(*core.FlowRecord, core.Classification) {
}

func (nopObserver) DecodeFailed(string, error) {
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger used for per-record trace output.
func WithLogger(l log.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver installs an observability hook.
func WithObserver(o Observer) Option {
	return func(c *Classifier) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClientParsers replaces the client-to-server parser list.
func WithClientParsers(parsers ...plugin.Parser) Option {
	return func(c *Classifier) {
		c.client = parsers
	}
}

// WithServerParsers replaces the server-to-client parser list.
func WithServerParsers(parsers ...plugin.Parser) Option {
	return func(c *Classifier) {
		c.server = parsers
	}
}

// Classifier is the protocol classification stage.
type Classifier struct {
	chain.Base

	client   []plugin.Parser
	server   []plugin.Parser
	logger   log.Logger
	observer Observer
}

// New creates a classifier with the default parser lists.
func New(opts ...Option) (*Classifier, error) {
	c := &Classifier{
		Base:     chain.NewBase(Name),
		logger:   log.GetLogger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.client == nil {
		if c.client, err = BuildParsers(DefaultClientParsers, nil); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
	}
	if c.server == nil {
		if c.server, err = BuildParsers(DefaultServerParsers, nil); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
	}
	return c, nil
}

// BuildParsers instantiates registered parsers by name. cfg holds optional
// per-parser options keyed by parser name.
func BuildParsers(names []string, cfg map[string]map[string]any) ([]plugin.Parser, error) {
	parsers := make([]plugin.Parser, 0, len(names))
	for _, name := range names {
		p, err := plugin.NewParser(name, cfg[name])
		if err != nil {
			return nil, err
		}
		parsers = append(parsers, p)
	}
	return parsers, nil
}

// Next pulls one record, classifies it when it is TCP and returns it.
func (c *Classifier) Next() (*core.FlowRecord, error) {
	rec, err := c.Pull()
	if err != nil {
		return nil, err
	}
	if rec.Protocol != core.ProtocolTCP {
		return rec, nil
	}

	result := c.Classify(rec.Direction, rec.Payload)
	rec.Annotate(core.AnnotationHTTP, result)
	c.observer.Classified(rec, result)

	if c.logger.IsTraceEnabled() {
		c.logger.WithFields(map[string]interface{}{
			"id":        rec.ID,
			"direction": rec.Direction.String(),
			"kind":      result.Kind().String(),
		}).Trace("record classified")
	}
	return rec, nil
}

// Classify runs the parser list for dir over payload. It is a pure function
// of its arguments and never fails.
func (c *Classifier) Classify(dir core.Direction, payload []byte) core.Classification {
	if len(payload) == 0 {
		return core.Unclassified{Reason: ReasonEmptyPayload}
	}

	parsers := c.server
	if dir == core.ClientToServer {
		parsers = c.client
	}

	var reasons []string
	for _, p := range parsers {
		if !p.CanHandle(payload) {
			reasons = append(reasons, p.Name()+": no match")
			continue
		}
		result, err := p.Handle(payload)
		if err == nil {
			return result
		}
		c.observer.DecodeFailed(p.Name(), err)
		reasons = append(reasons, fmt.Sprintf("%s: %v", p.Name(), err))
	}
	return core.Unclassified{Reason: strings.Join(reasons, "; ")}
}
