// Package pcapfile implements a source that replays a capture file.
package pcapfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"

	"firestige.xyz/chains/internal/bpf"
	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

const Name = "pcapfile"

// pcapng section header block type, read in either byte order.
const ngMagic = 0x0A0D0D0A

// Options configures a capture file source.
type Options struct {
	Path       string `mapstructure:"path"`
	MaxPackets int    `mapstructure:"max_packets"` // 0 = all
	BPF        string `mapstructure:"bpf"`
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source reads frames from a pcap or pcapng file.
type Source struct {
	path     string
	file     *os.File
	reader   packetReader
	filter   *bpf.Filter
	max      int
	read     int
	filtered int
	logger   log.Logger
}

// Open opens the capture file described by opts.
func Open(opts Options, logger log.Logger) (*Source, error) {
	if opts.Path == "" {
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: path is required", core.ErrConfigInvalid))
	}
	if opts.MaxPackets < 0 {
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: max_packets must not be negative", core.ErrConfigInvalid))
	}
	if logger == nil {
		logger = log.GetLogger()
	}

	filter, err := bpf.Compile(opts.BPF)
	if err != nil {
		return nil, core.NewConfigError(Name, err)
	}

	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", opts.Path, err)
	}
	reader, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", opts.Path, err)
	}
	if !filter.Empty() && reader.LinkType() != layers.LinkTypeEthernet {
		f.Close()
		return nil, core.NewConfigError(Name, fmt.Errorf("%w: bpf filter needs ethernet frames, file has %s",
			core.ErrConfigInvalid, reader.LinkType()))
	}

	logger.WithFields(map[string]interface{}{
		"path":     opts.Path,
		"linktype": reader.LinkType().String(),
		"bpf":      opts.BPF,
	}).Debug("capture file opened")

	return &Source{
		path:   opts.Path,
		file:   f,
		reader: reader,
		filter: filter,
		max:    opts.MaxPackets,
		logger: logger,
	}, nil
}

func newReader(f *os.File) (packetReader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(magic) == ngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// NewFactory returns a registry factory for capture file sources.
func NewFactory(logger log.Logger) chain.Factory[chain.Source] {
	return func(opts map[string]any) (chain.Source, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		return Open(o, logger)
	}
}

// Name returns the source name.
func (s *Source) Name() string {
	return Name
}

// Next returns the next frame that passes the filter. io.EOF marks the end
// of the file or of the packet budget.
func (s *Source) Next() (*core.FlowRecord, error) {
	if s.reader == nil {
		return nil, io.EOF
	}
	if s.max > 0 && s.read >= s.max {
		return nil, io.EOF
	}

	for {
		data, ci, err := s.reader.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.WithFields(map[string]interface{}{
				"path":     s.path,
				"read":     s.read,
				"filtered": s.filtered,
			}).Debug("capture file exhausted")
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		if !s.filter.Match(data) {
			s.filtered++
			continue
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
				LinkType:   uint8(s.reader.LinkType()),
			},
		}, nil
	}
}

// LinkType returns the link type of the file.
func (s *Source) LinkType() layers.LinkType {
	if s.reader == nil {
		return layers.LinkTypeNull
	}
	return s.reader.LinkType()
}

// Close closes the file. Next returns io.EOF afterwards.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	return err
}
