//go:build linux

package main

import (
	"firestige.xyz/chains/cmd"
	"firestige.xyz/chains/internal/source/afpacket"
)

func init() {
	cmd.RegisterSource(afpacket.Name, afpacket.NewFactory)
}
