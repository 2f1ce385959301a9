package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/chains/internal/log"
	"firestige.xyz/chains/internal/pipeline"
	"firestige.xyz/chains/pkg/plugin"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List available sources, stages, sinks and parsers",
	Run: func(cmd *cobra.Command, args []string) {
		runStages(cmd.OutOrStdout())
	},
}

func runStages(w io.Writer) {
	r := pipeline.Builtin(io.Discard, log.Discard(), nil)

	sources := r.Sources.Names()
	for name := range extraSources {
		sources = append(sources, name)
	}
	slices.Sort(sources)

	fmt.Fprintf(w, "sources: %s\n", strings.Join(slices.Compact(sources), ", "))
	fmt.Fprintf(w, "stages:  %s\n", strings.Join(r.Stages.Names(), ", "))
	fmt.Fprintf(w, "sinks:   %s\n", strings.Join(r.Sinks.Names(), ", "))
	fmt.Fprintf(w, "parsers: %s\n", strings.Join(plugin.ParserNames(), ", "))
}
