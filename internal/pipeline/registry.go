package pipeline

import (
	"io"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/classifier"
	"firestige.xyz/chains/internal/decoder"
	"firestige.xyz/chains/internal/filter"
	"firestige.xyz/chains/internal/flow"
	"firestige.xyz/chains/internal/log"
	"firestige.xyz/chains/internal/sink/console"
	"firestige.xyz/chains/internal/sink/kafka"
	"firestige.xyz/chains/internal/sink/summary"
	"firestige.xyz/chains/internal/source/pcapfile"

	// parser plugins used by the classifier
	_ "firestige.xyz/chains/plugins"
)

// Registries holds the element factories a Builder can instantiate.
type Registries struct {
	Sources *chain.Registry[chain.Source]
	Stages  *chain.Registry[chain.Stage]
	Sinks   *chain.Registry[chain.Sink]
}

// NewRegistries returns empty registries.
func NewRegistries() *Registries {
	return &Registries{
		Sources: chain.NewRegistry[chain.Source]("source"),
		Stages:  chain.NewRegistry[chain.Stage]("stage"),
		Sinks:   chain.NewRegistry[chain.Sink]("sink"),
	}
}

// Builtin returns registries holding every element that needs no cgo:
// the pcapfile source, the decode, flows, http and filter stages and the
// print, summary and kafka sinks. The print and summary sinks write to
// out. observer may be nil.
//
// The live and afpacket sources are registered by the binary since they
// need cgo.
func Builtin(out io.Writer, logger log.Logger, observer classifier.Observer) *Registries {
	r := NewRegistries()
	r.Sources.MustRegister(pcapfile.Name, pcapfile.NewFactory(logger))

	r.Stages.MustRegister(decoder.Name, decoder.NewFactory(logger))
	r.Stages.MustRegister(flow.Name, flow.NewFactory(logger))
	r.Stages.MustRegister(classifier.Name, classifier.NewFactory(logger, observer))
	r.Stages.MustRegister(filter.Name, filter.NewFactory(logger))

	r.Sinks.MustRegister(console.Name, console.NewFactory(out, logger))
	r.Sinks.MustRegister(summary.Name, summary.NewFactory(out, logger))
	r.Sinks.MustRegister(kafka.Name, kafka.NewFactory(logger))
	return r
}
