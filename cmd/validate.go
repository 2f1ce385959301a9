package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/chains/internal/classifier"
	"firestige.xyz/chains/internal/config"
	"firestige.xyz/chains/internal/filter"
)

var validatePrint bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration file given with --config, apply defaults and check
that every parser it names exists and that its filter expression compiles.
Nothing is captured.

Examples:
  chains validate -c chains.yaml
  chains validate -c chains.yaml --print`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, validatePrint, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false,
		"print the effective configuration after validation")
}

func runValidate(path string, print bool, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	client, err := classifier.BuildParsers(cfg.Classifier.ClientParsers, cfg.Classifier.Parsers)
	if err != nil {
		return fmt.Errorf("client parsers: %w", err)
	}
	server, err := classifier.BuildParsers(cfg.Classifier.ServerParsers, cfg.Classifier.Parsers)
	if err != nil {
		return fmt.Errorf("server parsers: %w", err)
	}
	if cfg.Filter.Expression != "" {
		if _, err := filter.Compile(cfg.Filter.Expression); err != nil {
			return fmt.Errorf("filter: %w", err)
		}
	}

	fmt.Fprintf(w, "VALID: source %s, %d client parser(s), %d server parser(s), sink %s\n",
		cfg.Source.Type, len(client), len(server), cfg.Sink.Type)

	if print {
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}
	return nil
}
