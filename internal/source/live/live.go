// Package live implements a source that captures from a network interface
// through libpcap.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/google/uuid"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

const Name = "live"

// Options configures a live capture.
type Options struct {
	Interface   string        `mapstructure:"interface"` // empty = first device with an address
	Snaplen     int           `mapstructure:"snaplen"`
	Promiscuous bool          `mapstructure:"promiscuous"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BPF         string        `mapstructure:"bpf"`
	MaxPackets  int           `mapstructure:"max_packets"` // 0 = unlimited
}

// Source reads frames from a libpcap handle.
type Source struct {
	ctx    context.Context
	device string
	handle *pcap.Handle
	max    int
	read   int
	logger log.Logger
}

// Open starts capturing. Next gives up with ctx.Err() once ctx is done,
// checked every read timeout.
func Open(ctx context.Context, opts Options, logger log.Logger) (*Source, error) {
	if logger == nil {
		logger = log.GetLogger()
	}
	if opts.MaxPackets < 0 {
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: max_packets must not be negative", core.ErrConfigInvalid))
	}
	if opts.Snaplen <= 0 {
		opts.Snaplen = 65535
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}

	device := opts.Interface
	if device == "" {
		var err error
		if device, err = firstDevice(); err != nil {
			return nil, err
		}
	}

	handle, err := pcap.OpenLive(device, int32(opts.Snaplen), opts.Promiscuous, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", device, err)
	}
	if opts.BPF != "" {
		if err := handle.SetBPFFilter(opts.BPF); err != nil {
			handle.Close()
			return nil, core.NewConfigError(Name, fmt.Errorf("%w: bpf %q: %v", core.ErrConfigInvalid, opts.BPF, err))
		}
	}

	logger.WithFields(map[string]interface{}{
		"interface": device,
		"snaplen":   opts.Snaplen,
		"bpf":       opts.BPF,
	}).Info("live capture started")

	return &Source{
		ctx:    ctx,
		device: device,
		handle: handle,
		max:    opts.MaxPackets,
		logger: logger,
	}, nil
}

func firstDevice() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, d := range devs {
		if len(d.Addresses) > 0 {
			return d.Name, nil
		}
	}
	return "", core.NewConfigError(Name, fmt.Errorf("%w: no interface with an address found", core.ErrConfigInvalid))
}

// NewFactory returns a registry factory for live sources bound to ctx.
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
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			if err := s.ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, pcap.NextErrorNoMorePackets) {
			return nil, io.EOF
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
				LinkType:   uint8(s.handle.LinkType()),
			},
		}, nil
	}
}

// Close releases the capture handle and logs libpcap drop counters.
func (s *Source) Close() error {
	if s.handle == nil {
		return nil
	}
	if stats, err := s.handle.Stats(); err == nil {
		s.logger.WithFields(map[string]interface{}{
			"interface": s.device,
			"read":      s.read,
			"received":  stats.PacketsReceived,
			"dropped":   stats.PacketsDropped,
		}).Info("live capture stopped")
	}
	s.handle.Close()
	s.handle = nil
	return nil
}
