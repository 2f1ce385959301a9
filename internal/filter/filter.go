// Package filter implements the record filter stage. Records are kept when
// a CEL expression over their fields and classification evaluates true.
package filter

import (
	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

const Name = "filter"

// Options configures the filter stage.
type Options struct {
	Expression string `mapstructure:"expression"`
}

// Stage drops the records its predicate rejects. Accepted records are
// annotated with the expression that let them through.
type Stage struct {
	chain.Base

	predicate *Predicate
	passed    int
	dropped   int
	logger    log.Logger
}

// New compiles opts.Expression and returns the stage. Compile errors are
// reported as *core.ConfigError.
func New(opts Options, logger log.Logger) (*Stage, error) {
	if logger == nil {
		logger = log.GetLogger()
	}
	p, err := Compile(opts.Expression)
	if err != nil {
		return nil, core.NewConfigError(Name, err)
	}
	return &Stage{
		Base:      chain.NewBase(Name),
		predicate: p,
		logger:    logger,
	}, nil
}

// NewFactory returns a registry factory for filter stages.
func NewFactory(logger log.Logger) chain.Factory[chain.Stage] {
	return func(opts map[string]any) (chain.Stage, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		return New(o, logger)
	}
}

// Next returns the next record accepted by the predicate. Records whose
// evaluation fails are dropped.
func (s *Stage) Next() (*core.FlowRecord, error) {
	for {
		rec, err := s.Pull()
		if err != nil {
			return nil, err
		}
		ok, err := s.predicate.Match(rec)
		if err != nil {
			s.logger.WithError(err).WithField("id", rec.ID).Debug("filter evaluation failed")
		}
		if !ok {
			s.dropped++
			continue
		}
		s.passed++
		rec.Annotate(core.AnnotationFilter, s.predicate.String())
		return rec, nil
	}
}

// Passed returns the number of records accepted so far.
func (s *Stage) Passed() int {
	return s.passed
}

// Dropped returns the number of records rejected so far.
func (s *Stage) Dropped() int {
	return s.dropped
}
