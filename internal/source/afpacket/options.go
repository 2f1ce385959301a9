// Package afpacket implements a source that captures from a network
// interface through a Linux AF_PACKET memory-mapped ring, without libpcap.
package afpacket

import (
	"fmt"
	"time"
)

const Name = "afpacket"

const (
	tpacketAlignment = 16
	tpacketHdrLen    = 52
	maxBlockSize     = 4 << 20
)

// Options configures an AF_PACKET capture.
type Options struct {
	Interface    string        `mapstructure:"interface"`
	Snaplen      int           `mapstructure:"snaplen"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb"` // ring size, default 8
	FanoutID     uint16        `mapstructure:"fanout_id"`      // 0 = no fanout group
	Timeout      time.Duration `mapstructure:"timeout"`        // poll timeout
	BPF          string        `mapstructure:"bpf"`
	MaxPackets   int           `mapstructure:"max_packets"` // 0 = unlimited
}

// ringLayout sizes the PACKET_MMAP ring: frames hold one snaplen packet
// plus its header and are 16 byte aligned, blocks are a multiple of the
// page size, and the block count fills bufferMB.
func ringLayout(bufferMB, snaplen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	switch {
	case bufferMB <= 0:
		return 0, 0, 0, fmt.Errorf("buffer_size_mb must be positive, got %d", bufferMB)
	case snaplen <= 0:
		return 0, 0, 0, fmt.Errorf("snaplen must be positive, got %d", snaplen)
	case pageSize <= 0 || pageSize%tpacketAlignment != 0:
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = roundUp(tpacketHdrLen+snaplen, tpacketAlignment)

	// A block that is a multiple of both sizes wastes nothing; fall back to
	// the smallest page multiple holding one frame when that gets too big.
	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		blockSize = roundUp(frameSize, pageSize)
	}

	numBlocks = bufferMB << 20 / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
