// Package main is the entry point for the chains traffic classifier.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/chains/cmd"
	"firestige.xyz/chains/internal/source/live"
)

func main() {
	cmd.RegisterSource(live.Name, live.NewFactory)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
