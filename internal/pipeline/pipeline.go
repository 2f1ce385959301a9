// Package pipeline assembles a classification chain from configuration
// and runs it: source, decode, flows, http, optional filter, sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/classifier"
	"firestige.xyz/chains/internal/config"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/decoder"
	"firestige.xyz/chains/internal/filter"
	"firestige.xyz/chains/internal/flow"
	"firestige.xyz/chains/internal/log"
	"firestige.xyz/chains/internal/metrics"
)

// Pipeline is a linked chain ready to run.
type Pipeline struct {
	source chain.Source
	stages []chain.Stage
	sink   chain.Sink
	logger log.Logger
}

// Builder creates pipelines from configuration.
type Builder struct {
	registries *Registries
	metrics    *metrics.Metrics
	logger     log.Logger
}

// NewBuilder creates a builder over r.
func NewBuilder(r *Registries) *Builder {
	return &Builder{
		registries: r,
		logger:     log.GetLogger(),
	}
}

// WithLogger sets the pipeline logger.
func (b *Builder) WithLogger(l log.Logger) *Builder {
	if l != nil {
		b.logger = l
	}
	return b
}

// WithMetrics counts the records leaving every element of the chain.
func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// Build opens the source and links every element described by cfg. The
// source is closed again if a later element fails to build.
func (b *Builder) Build(cfg *config.GlobalConfig) (p *Pipeline, err error) {
	sourceOpts, err := config.ToOptions(cfg.Source)
	if err != nil {
		return nil, err
	}
	source, err := b.registries.Sources.Build(cfg.Source.Type, sourceOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			source.Close()
		}
	}()

	type element struct {
		name    string
		section any
	}
	elements := []element{
		{decoder.Name, struct{}{}},
		{flow.Name, cfg.Flow},
		{classifier.Name, cfg.Classifier},
	}
	if cfg.Filter.Expression != "" {
		elements = append(elements, element{filter.Name, cfg.Filter})
	}

	p = &Pipeline{source: source, logger: b.logger}
	tail := b.instrument(source.Name(), source)
	for _, el := range elements {
		opts, err := config.ToOptions(el.section)
		if err != nil {
			return nil, err
		}
		stage, err := b.registries.Stages.Build(el.name, opts)
		if err != nil {
			return nil, err
		}
		if err := stage.Link(tail); err != nil {
			return nil, err
		}
		p.stages = append(p.stages, stage)
		tail = b.instrument(stage.Name(), stage)
	}

	sinkOpts, err := config.ToOptions(cfg.Sink)
	if err != nil {
		return nil, err
	}
	sink, err := b.registries.Sinks.Build(cfg.Sink.Type, sinkOpts)
	if err != nil {
		return nil, err
	}
	if err := sink.Link(chain.Limit(tail, cfg.MaxRecords)); err != nil {
		return nil, err
	}
	p.sink = sink
	return p, nil
}

func (b *Builder) instrument(name string, p chain.Producer) chain.Producer {
	if b.metrics == nil {
		return p
	}
	return b.metrics.Instrument(name, p)
}

// Names lists the chain elements in pull order, source first.
func (p *Pipeline) Names() []string {
	names := make([]string, 0, len(p.stages)+2)
	names = append(names, p.source.Name())
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return append(names, p.sink.Name())
}

// Stage returns the linked stage with the given name.
func (p *Pipeline) Stage(name string) (chain.Stage, error) {
	for _, s := range p.stages {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", core.ErrStageNotFound, name)
}

// Run lets the sink pull until the source is exhausted or ctx is done,
// then closes the source. Cancellation is a normal way to stop a live
// capture and is not reported as an error.
func (p *Pipeline) Run(ctx context.Context) error {
	start := time.Now()
	p.logger.WithField("chain", p.Names()).Info("pipeline starting")

	err := p.sink.Pull(ctx)
	if cerr := p.source.Close(); cerr != nil {
		p.logger.WithError(cerr).Warn("failed to close source")
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}

	p.logger.WithField("elapsed", time.Since(start).String()).Info("pipeline stopped")
	return nil
}
