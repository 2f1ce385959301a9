package classifier

import (
	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

// Options is the configuration accepted by the registry factory.
type Options struct {
	ClientParsers []string                  `mapstructure:"client_parsers"`
	ServerParsers []string                  `mapstructure:"server_parsers"`
	Parsers       map[string]map[string]any `mapstructure:"parsers"`
}

// NewFactory returns a registry factory that builds classifiers sharing
// logger and observer. Either may be nil.
func NewFactory(logger log.Logger, observer Observer) chain.Factory[chain.Stage] {
	return func(opts map[string]any) (chain.Stage, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		if o.ClientParsers == nil {
			o.ClientParsers = DefaultClientParsers
		}
		if o.ServerParsers == nil {
			o.ServerParsers = DefaultServerParsers
		}

		client, err := BuildParsers(o.ClientParsers, o.Parsers)
		if err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		server, err := BuildParsers(o.ServerParsers, o.Parsers)
		if err != nil {
			return nil, core.NewConfigError(Name, err)
		}

		return New(
			WithLogger(logger),
			WithObserver(observer),
			WithClientParsers(client...),
			WithServerParsers(server...),
		)
	}
}
