// Package console implements the print sink. It writes every record it
// pulls to an output stream in human-readable text, JSON lines or YAML
// documents.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

const Name = "print"

// Options configures the print sink.
type Options struct {
	Format         string `mapstructure:"format"` // text / json / yaml, default text
	OnlyClassified bool   `mapstructure:"only_classified"`
}

// Sink prints records as they arrive.
type Sink struct {
	chain.Base

	format         string
	onlyClassified bool
	out            io.Writer
	yaml           *yaml.Encoder
	printed        int
	logger         log.Logger
}

// New creates a print sink writing to w, or stdout when w is nil.
func New(opts Options, w io.Writer, logger log.Logger) (*Sink, error) {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	switch opts.Format {
	case "":
		opts.Format = "text"
	case "text", "json", "yaml":
	default:
		return nil, core.NewConfigError(Name,
			fmt.Errorf("%w: invalid format %q, must be text, json or yaml", core.ErrConfigInvalid, opts.Format))
	}
	return &Sink{
		Base:           chain.NewBase(Name),
		format:         opts.Format,
		onlyClassified: opts.OnlyClassified,
		out:            w,
		logger:         logger,
	}, nil
}

// NewFactory returns a registry factory for print sinks writing to w.
func NewFactory(w io.Writer, logger log.Logger) chain.Factory[chain.Sink] {
	return func(opts map[string]any) (chain.Sink, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		return New(o, w, logger)
	}
}

// Pull prints records until the upstream sequence ends or ctx is done.
func (s *Sink) Pull(ctx context.Context) error {
	up, err := s.Upstream()
	if err != nil {
		return err
	}
	n, err := chain.Drive(ctx, up, 0, s.Write)
	if s.yaml != nil {
		if cerr := s.yaml.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.logger.WithFields(map[string]any{
		"pulled":  n,
		"printed": s.printed,
	}).Debug("print sink finished")
	return err
}

// Write prints a single record.
func (s *Sink) Write(rec *core.FlowRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	if _, ok := rec.Classification(); s.onlyClassified && !ok {
		return nil
	}
	s.printed++

	switch s.format {
	case "json":
		return s.writeJSON(rec)
	case "yaml":
		return s.writeYAML(rec)
	default:
		return s.writeText(rec)
	}
}

// Printed returns the number of records written.
func (s *Sink) Printed() int {
	return s.printed
}

// View is the serialized form of a record.
type View struct {
	ID         string              `json:"id" yaml:"id"`
	Timestamp  time.Time           `json:"timestamp" yaml:"timestamp"`
	Protocol   string              `json:"protocol" yaml:"protocol"`
	Direction  string              `json:"direction" yaml:"direction"`
	Src        string              `json:"src" yaml:"src"`
	Dst        string              `json:"dst" yaml:"dst"`
	PayloadLen int                 `json:"payload_len" yaml:"payload_len"`
	Kind       string              `json:"kind,omitempty" yaml:"kind,omitempty"`
	HTTP       core.Classification `json:"http,omitempty" yaml:"http,omitempty"`
}

// NewView builds the serialized form of rec.
func NewView(rec *core.FlowRecord) View {
	v := View{
		ID:         rec.ID,
		Timestamp:  rec.Timestamp,
		Protocol:   rec.Protocol.String(),
		Direction:  rec.Direction.String(),
		Src:        rec.Src.String(),
		Dst:        rec.Dst.String(),
		PayloadLen: len(rec.Payload),
	}
	if c, ok := rec.Classification(); ok {
		v.Kind = c.Kind().String()
		v.HTTP = c
	}
	return v
}

func (s *Sink) writeJSON(rec *core.FlowRecord) error {
	data, err := json.Marshal(NewView(rec))
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	data = append(data, '\n')
	_, err = s.out.Write(data)
	return err
}

func (s *Sink) writeYAML(rec *core.FlowRecord) error {
	if s.yaml == nil {
		s.yaml = yaml.NewEncoder(s.out)
		s.yaml.SetIndent(2)
	}
	if err := s.yaml.Encode(NewView(rec)); err != nil {
		return fmt.Errorf("yaml marshal failed: %w", err)
	}
	return nil
}

func (s *Sink) writeText(rec *core.FlowRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s %s -> %s len=%d",
		rec.Timestamp.Format("15:04:05.000"),
		rec.Protocol, rec.Direction,
		rec.Src, rec.Dst,
		len(rec.Payload),
	)
	if c, ok := rec.Classification(); ok {
		b.WriteByte(' ')
		b.WriteString(Describe(c))
	}
	b.WriteByte('\n')
	_, err := io.WriteString(s.out, b.String())
	return err
}

// Describe renders a classification on one line.
func Describe(c core.Classification) string {
	switch v := c.(type) {
	case core.HTTPRequest:
		s := fmt.Sprintf("%s %s %s HTTP/%s", v.Kind(), v.Method, v.URI, v.Version)
		if host := v.Headers.Get("host"); host != "" {
			s += " host=" + host
		}
		return s
	case core.HTTPResponse:
		s := fmt.Sprintf("%s HTTP/%s %d", v.Kind(), v.Version, v.Status)
		if v.Reason != "" {
			s += " " + v.Reason
		}
		return s
	case core.TLSRecords:
		types := make([]string, len(v.Records))
		for i, r := range v.Records {
			types[i] = r.TypeName()
			if !r.Complete {
				types[i] += "(partial)"
			}
		}
		return fmt.Sprintf("%s records=%s", v.Kind(), strings.Join(types, ","))
	case core.Unclassified:
		return fmt.Sprintf("%s reason=%q", v.Kind(), v.Reason)
	default:
		return c.Kind().String()
	}
}
