// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/log"
)

var (
	// Global flags
	configFile string
)

// SourceFactory builds a source factory bound to the context of a run.
type SourceFactory func(ctx context.Context, logger log.Logger) chain.Factory[chain.Source]

// extraSources holds sources registered by the binary on top of the
// built-in ones, such as live capture which needs libpcap.
var extraSources = map[string]SourceFactory{}

// RegisterSource makes a source type available to the run command.
func RegisterSource(name string, f SourceFactory) {
	extraSources[name] = f
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chains",
	Short: "chains - pull-based traffic classification",
	Long: `chains reads packets from a capture file or a network interface, groups
TCP segments into directional flow records and classifies each record as
an HTTP request, an HTTP response, TLS records or unclassified traffic.

The processing chain is pulled from its end: the sink asks for a record,
each stage asks its upstream, and nothing is read ahead of demand.

  source (pcapfile | live) -> decode -> flows -> http -> [filter] -> sink`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(stagesCmd)
}
