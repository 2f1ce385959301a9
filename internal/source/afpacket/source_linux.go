//go:build linux

package afpacket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"firestige.xyz/chains/internal/bpf"
	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

// Source reads Ethernet frames from an AF_PACKET ring.
type Source struct {
	ctx    context.Context
	device string
	handle *afpacket.TPacket
	max    int
	read   int
	logger log.Logger
}

// Open binds a TPACKET_V3 ring to opts.Interface. The BPF expression is
// compiled by internal/bpf and attached to the socket, so the kernel drops
// unwanted frames before they reach the ring.
func Open(ctx context.Context, opts Options, logger log.Logger) (*Source, error) {
	if logger == nil {
		logger = log.GetLogger()
	}
	if opts.Interface == "" {
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: interface is required", core.ErrConfigInvalid))
	}
	if opts.MaxPackets < 0 {
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: max_packets must not be negative", core.ErrConfigInvalid))
	}
	if opts.Snaplen <= 0 {
		opts.Snaplen = 65535
	}
	if opts.BufferSizeMB <= 0 {
		opts.BufferSizeMB = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}

	filter, err := bpf.Compile(opts.BPF)
	if err != nil {
		return nil, core.NewConfigError(Name, err)
	}
	frameSize, blockSize, numBlocks, err := ringLayout(opts.BufferSizeMB, opts.Snaplen, os.Getpagesize())
	if err != nil {
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err))
	}

	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(opts.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(opts.Timeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open AF_PACKET ring on %s: %w", opts.Interface, err)
	}

	if opts.FanoutID > 0 {
		if err := handle.SetFanout(afpacket.FanoutHashWithDefrag, opts.FanoutID); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to join fanout group %d: %w", opts.FanoutID, err)
		}
	}
	if !filter.Empty() {
		raw, err := filter.Raw()
		if err == nil {
			err = handle.SetBPF(raw)
		}
		if err != nil {
			handle.Close()
			return nil, core.NewConfigError(Name, fmt.Errorf("%w: attach bpf %q: %v", core.ErrConfigInvalid, opts.BPF, err))
		}
	}

	logger.WithFields(map[string]interface{}{
		"interface":  opts.Interface,
		"frame_size": frameSize,
		"block_size": blockSize,
		"blocks":     numBlocks,
		"bpf":        opts.BPF,
	}).Info("afpacket capture started")

	return &Source{
		ctx:    ctx,
		device: opts.Interface,
		handle: handle,
		max:    opts.MaxPackets,
		logger: logger,
	}, nil
}

// NewFactory returns a registry factory for AF_PACKET sources bound to ctx.
func NewFactory(ctx context.Context, logger log.Logger) chain.Factory[chain.Source] {
	return func(opts map[string]any) (chain.Source, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		return Open(ctx, o, logger)
	}
}

// Name returns the source name.
func (s *Source) Name() string {
	return Name
}

// Next blocks until a frame arrives, the packet budget is spent or the
// capture context is done.
func (s *Source) Next() (*core.FlowRecord, error) {
	if s.handle == nil {
		return nil, io.EOF
	}
	if s.max > 0 && s.read >= s.max {
		return nil, io.EOF
	}

	for {
		data, ci, err := s.handle.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			if err := s.ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet from %s: %w", s.device, err)
		}

		s.read++
		return &core.FlowRecord{
			ID:        uuid.NewString(),
			Timestamp: ci.Timestamp,
			Packet: &core.Packet{
				Data:       data,
				Timestamp:  ci.Timestamp,
				CaptureLen: ci.CaptureLength,
				OrigLen:    ci.Length,
				LinkType:   uint8(layers.LinkTypeEthernet),
			},
		}, nil
	}
}

// Close releases the ring and logs the socket drop counters.
func (s *Source) Close() error {
	if s.handle == nil {
		return nil
	}
	if _, stats, err := s.handle.SocketStats(); err == nil {
		s.logger.WithFields(map[string]interface{}{
			"interface": s.device,
			"read":      s.read,
			"received":  stats.Packets(),
			"dropped":   stats.Drops(),
		}).Info("afpacket capture stopped")
	}
	s.handle.Close()
	s.handle = nil
	return nil
}
