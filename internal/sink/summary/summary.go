// Package summary implements the summary sink: it drains the chain,
// counting records by protocol and classification, and prints a report
// once the sequence ends.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

const Name = "summary"

// Options configures the summary sink.
type Options struct {
	Format string `mapstructure:"format"` // text / json / yaml, default text
	TopN   int    `mapstructure:"top_n"`  // hosts listed, default 10
}

// Count is a named counter in a report.
type Count struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

// Report is the result of a run.
type Report struct {
	Records   int     `json:"records" yaml:"records"`
	Bytes     int     `json:"bytes" yaml:"bytes"`
	Protocols []Count `json:"protocols" yaml:"protocols"`
	Kinds     []Count `json:"kinds" yaml:"kinds"`
	Methods   []Count `json:"methods,omitempty" yaml:"methods,omitempty"`
	Statuses  []Count `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Hosts     []Count `json:"hosts,omitempty" yaml:"hosts,omitempty"`
}

// Sink accumulates counters and prints a Report when pulling ends.
type Sink struct {
	chain.Base

	format string
	topN   int
	out    io.Writer
	logger log.Logger

	records   int
	bytes     int
	protocols map[string]int
	kinds     map[string]int
	methods   map[string]int
	statuses  map[string]int
	hosts     map[string]int
}

// New creates a summary sink writing to w, or stdout when w is nil.
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
	if opts.TopN < 0 {
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: top_n must not be negative", core.ErrConfigInvalid))
	}
	if opts.TopN == 0 {
		opts.TopN = 10
	}
	return &Sink{
		Base:      chain.NewBase(Name),
		format:    opts.Format,
		topN:      opts.TopN,
		out:       w,
		logger:    logger,
		protocols: make(map[string]int),
		kinds:     make(map[string]int),
		methods:   make(map[string]int),
		statuses:  make(map[string]int),
		hosts:     make(map[string]int),
	}, nil
}

// NewFactory returns a registry factory for summary sinks writing to w.
func NewFactory(w io.Writer, logger log.Logger) chain.Factory[chain.Sink] {
	return func(opts map[string]any) (chain.Sink, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		return New(o, w, logger)
	}
}

// Pull drains the upstream and prints the report. The report is printed
// even when ctx is cancelled part way, covering what was seen so far.
func (s *Sink) Pull(ctx context.Context) error {
	up, err := s.Upstream()
	if err != nil {
		return err
	}
	_, err = chain.Drive(ctx, up, 0, s.Add)
	s.logger.WithField("records", s.records).Debug("summary sink finished")
	if werr := s.Write(s.Report()); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Add counts rec.
func (s *Sink) Add(rec *core.FlowRecord) error {
	s.records++
	s.bytes += len(rec.Payload)
	s.protocols[rec.Protocol.String()]++

	c, ok := rec.Classification()
	if !ok {
		return nil
	}
	s.kinds[c.Kind().String()]++
	switch v := c.(type) {
	case core.HTTPRequest:
		s.methods[v.Method]++
		host := v.Headers.Get("host")
		if host == "" {
			host = rec.Dst.String()
		}
		s.hosts[host]++
	case core.HTTPResponse:
		s.statuses[strconv.Itoa(v.Status)]++
	}
	return nil
}

// Report returns the counters collected so far.
func (s *Sink) Report() Report {
	return Report{
		Records:   s.records,
		Bytes:     s.bytes,
		Protocols: sorted(s.protocols, 0),
		Kinds:     sorted(s.kinds, 0),
		Methods:   sorted(s.methods, 0),
		Statuses:  sorted(s.statuses, 0),
		Hosts:     sorted(s.hosts, s.topN),
	}
}

// Write prints r in the configured format.
func (s *Sink) Write(r Report) error {
	switch s.format {
	case "json":
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(s.out)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return writeText(s.out, r)
	}
}

func writeText(w io.Writer, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "records\t%d\n", r.Records)
	fmt.Fprintf(tw, "payload bytes\t%d\n", r.Bytes)
	sections := []struct {
		title  string
		counts []Count
	}{
		{"protocol", r.Protocols},
		{"classification", r.Kinds},
		{"method", r.Methods},
		{"status", r.Statuses},
		{"host", r.Hosts},
	}
	for _, sec := range sections {
		if len(sec.counts) == 0 {
			continue
		}
		fmt.Fprintf(tw, "\n%s\tcount\n", strings.ToUpper(sec.title))
		for _, c := range sec.counts {
			fmt.Fprintf(tw, "%s\t%d\n", c.Name, c.Count)
		}
	}
	return tw.Flush()
}

// sorted orders counters by count, then name. A positive limit keeps the
// first limit entries.
func sorted(m map[string]int, limit int) []Count {
	out := make([]Count, 0, len(m))
	for name, n := range m {
		out = append(out, Count{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
