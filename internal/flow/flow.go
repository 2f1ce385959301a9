// Package flow implements the TCP flow assembly stage. Segments of a
// connection are reassembled with gopacket/tcpassembly and re-emitted as
// directional records, one per turn of the conversation.
package flow

import (
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

const Name = "flows"

// Options configures the flows stage.
type Options struct {
	// Timeout flushes connections idle for longer than this, measured in
	// capture time. Zero keeps connections until FIN, RST or end of input.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxBufferedPages bounds out-of-order data held by the assembler.
	MaxBufferedPages int `mapstructure:"max_buffered_pages"`
}

// Stage turns decoded TCP segments into directional flow records. A record
// is emitted when the speaking side of a connection changes, when a side
// sends FIN or RST, when the connection goes idle and at end of input.
// Records of other protocols pass through unchanged.
type Stage struct {
	chain.Base

	opts      Options
	assembler *tcpassembly.Assembler
	factory   *streamFactory
	queue     []segment

	hdr       [20]byte
	tcp       layers.TCP
	lastFlush time.Time
	done      bool
	logger    log.Logger
}

// New creates a flows stage.
func New(opts Options, logger log.Logger) *Stage {
	if logger == nil {
		logger = log.GetLogger()
	}
	s := &Stage{
		Base:   chain.NewBase(Name),
		opts:   opts,
		logger: logger,
	}
	s.factory = newStreamFactory(func(seg segment) {
		s.queue = append(s.queue, seg)
	}, logger)
	s.assembler = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(s.factory))
	s.assembler.MaxBufferedPagesTotal = opts.MaxBufferedPages
	return s
}

// NewFactory returns a registry factory for flows stages.
func NewFactory(logger log.Logger) chain.Factory[chain.Stage] {
	return func(opts map[string]any) (chain.Stage, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		if o.Timeout < 0 || o.MaxBufferedPages < 0 {
			return nil, core.NewConfigError(Name, core.ErrConfigInvalid)
		}
		return New(o, logger), nil
	}
}

// Next returns the next assembled or passed-through record. It pulls from
// upstream until a record is ready.
func (s *Stage) Next() (*core.FlowRecord, error) {
	for len(s.queue) == 0 {
		if s.done {
			return nil, io.EOF
		}
		rec, err := s.Pull()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.flush(time.Time{}, func() { s.assembler.FlushAll() })
			continue
		}
		if err != nil {
			return nil, err
		}
		s.handle(rec)
	}

	seg := s.queue[0]
	s.queue[0] = segment{}
	s.queue = s.queue[1:]
	return seg.rec, nil
}

func (s *Stage) handle(rec *core.FlowRecord) {
	if s.opts.Timeout > 0 && !rec.Timestamp.IsZero() {
		s.expire(rec.Timestamp)
	}
	if rec.Protocol != core.ProtocolTCP || rec.TCP == nil ||
		!rec.Src.Addr.IsValid() || !rec.Dst.Addr.IsValid() {
		s.queue = append(s.queue, segment{rec: rec})
		return
	}
	s.assemble(rec)
}

func (s *Stage) assemble(rec *core.FlowRecord) {
	netFlow, err := gopacket.FlowFromEndpoints(
		layers.NewIPEndpoint(rec.Src.Addr.AsSlice()),
		layers.NewIPEndpoint(rec.Dst.Addr.AsSlice()))
	if err != nil {
		s.logger.WithError(err).WithField("id", rec.ID).Debug("skipping segment")
		return
	}

	// tcpassembly keys streams on the port bytes of a decoded header, so
	// the header is rebuilt from the record and decoded again.
	binary.BigEndian.PutUint16(s.hdr[0:2], rec.Src.Port)
	binary.BigEndian.PutUint16(s.hdr[2:4], rec.Dst.Port)
	binary.BigEndian.PutUint32(s.hdr[4:8], rec.TCP.Seq)
	binary.BigEndian.PutUint32(s.hdr[8:12], rec.TCP.Ack)
	s.hdr[12] = 5 << 4
	s.hdr[13] = rec.TCP.Flags
	binary.BigEndian.PutUint16(s.hdr[14:16], rec.TCP.Window)
	if err := s.tcp.DecodeFromBytes(s.hdr[:], gopacket.NilDecodeFeedback); err != nil {
		s.logger.WithError(err).WithField("id", rec.ID).Debug("skipping segment")
		return
	}
	s.tcp.Payload = rec.Payload

	seen := sighting{
		src: rec.Src,
		dst: rec.Dst,
		syn: rec.TCP.Has(core.TCPFlagSYN),
		ack: rec.TCP.Has(core.TCPFlagACK),
	}
	s.factory.setContextInfo(seen)
	s.assembler.AssembleWithTimestamp(netFlow, &s.tcp, rec.Timestamp)
	s.factory.touch(seen, rec.Timestamp)
}

// expire flushes connections idle for longer than the timeout. It runs at
// most twice per timeout period of capture time.
func (s *Stage) expire(now time.Time) {
	if s.lastFlush.IsZero() {
		s.lastFlush = now
		return
	}
	if now.Sub(s.lastFlush) < s.opts.Timeout/2 {
		return
	}
	s.lastFlush = now
	cutoff := now.Add(-s.opts.Timeout)
	s.flush(cutoff, func() { s.assembler.FlushOlderThan(cutoff) })
}

// flush runs fn and orders the records it produced by first byte.
// tcpassembly walks its connections in map order, so the order of the
// callbacks is not stable.
func (s *Stage) flush(before time.Time, fn func()) {
	mark := len(s.queue)
	s.factory.flushIdle(before)
	fn()
	sortSegments(s.queue[mark:])
	if n := len(s.queue) - mark; n > 0 {
		s.logger.WithField("records", n).Debug("flushed connections")
	}
}

func sortSegments(segs []segment) {
	sort.SliceStable(segs, func(i, j int) bool {
		a, b := segs[i], segs[j]
		if !a.rec.Timestamp.Equal(b.rec.Timestamp) {
			return a.rec.Timestamp.Before(b.rec.Timestamp)
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.rec.Direction < b.rec.Direction
	})
}

func sortConns(conns []*conn) {
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].order < conns[j].order
	})
}
