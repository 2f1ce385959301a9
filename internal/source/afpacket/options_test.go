package afpacket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingLayout(t *testing.T) {
	tests := []struct {
		name      string
		bufferMB  int
		snaplen   int
		frameSize int
		blockSize int
		numBlocks int
	}{
		{"ethernet mtu", 8, 1500, 1552, 397312, 21},
		{"full snaplen", 8, 65535, 65600, 69632, 120},
		{"tiny buffer", 1, 65535, 65600, 69632, 15},
		{"aligned frame", 1, 4044, 4096, 4096, 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, block, blocks, err := ringLayout(tt.bufferMB, tt.snaplen, 4096)
			require.NoError(t, err)
			assert.Equal(t, tt.frameSize, frame)
			assert.Equal(t, tt.blockSize, block)
			assert.Equal(t, tt.numBlocks, blocks)

			assert.Zero(t, frame%tpacketAlignment)
			assert.Zero(t, block%4096)
			assert.GreaterOrEqual(t, block, frame)
		})
	}
}

func TestRingLayoutErrors(t *testing.T) {
	tests := []struct {
		name     string
		bufferMB int
		snaplen  int
		pageSize int
	}{
		{"zero buffer", 0, 1500, 4096},
		{"zero snaplen", 8, 0, 4096},
		{"odd page size", 8, 1500, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := ringLayout(tt.bufferMB, tt.snaplen, tt.pageSize)
			assert.Error(t, err)
		})
	}
}
