package flow

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"
	"github.com/google/uuid"

	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
)

// connKey identifies a connection regardless of the direction of the
// segment it was built from.
type connKey struct {
	lo, hi core.Endpoint
}

func keyOf(a, b core.Endpoint) connKey {
	if less(b, a) {
		a, b = b, a
	}
	return connKey{lo: a, hi: b}
}

func less(a, b core.Endpoint) bool {
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c < 0
	}
	return a.Port < b.Port
}

// sighting describes the segment currently fed to the assembler. The
// stream factory reads it when tcpassembly asks for a new stream.
type sighting struct {
	src, dst core.Endpoint
	syn, ack bool
}

// conn is the state shared by both halves of a TCP connection.
type conn struct {
	key    connKey
	order  uint64
	client core.Endpoint
	server core.Endpoint

	speaker core.Direction
	buf     []byte
	first   time.Time // capture time of the first buffered byte
	last    time.Time // capture time of the last segment seen
	open    int       // halves not yet completed
}

// newConn decides the roles on first sight: a bare SYN comes from the
// client, a SYN/ACK from the server, otherwise the lower port is the
// server.
func newConn(s sighting, order uint64) *conn {
	c := &conn{key: keyOf(s.src, s.dst), order: order}
	switch {
	case s.syn && !s.ack:
		c.client, c.server = s.src, s.dst
	case s.syn && s.ack:
		c.client, c.server = s.dst, s.src
	case s.src.Port < s.dst.Port:
		c.client, c.server = s.dst, s.src
	default:
		c.client, c.server = s.src, s.dst
	}
	return c
}

func (c *conn) directionOf(src core.Endpoint) core.Direction {
	if src == c.client {
		return core.ClientToServer
	}
	return core.ServerToClient
}

// segment is an emitted record plus the ordering keys used when a flush
// produced records from several connections at once.
type segment struct {
	rec   *core.FlowRecord
	order uint64
}

// streamFactory implements tcpassembly.StreamFactory. Streams are created
// synchronously inside AssembleWithTimestamp, so the factory reads the
// sighting set just before the call.
type streamFactory struct {
	conns   map[connKey]*conn
	next    uint64
	current sighting
	emit    func(segment)
	logger  log.Logger
}

func newStreamFactory(emit func(segment), logger log.Logger) *streamFactory {
	return &streamFactory{
		conns:  make(map[connKey]*conn),
		emit:   emit,
		logger: logger,
	}
}

// setContextInfo records the segment about to be assembled.
func (f *streamFactory) setContextInfo(s sighting) {
	f.current = s
}

// New implements tcpassembly.StreamFactory.
func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	s := f.current
	key := keyOf(s.src, s.dst)
	c, ok := f.conns[key]
	if !ok {
		c = newConn(s, f.next)
		f.next++
		f.conns[key] = c
		f.logger.WithFields(map[string]any{
			"client": c.client.String(),
			"server": c.server.String(),
		}).Debug("connection opened")
	}
	c.open++
	return &halfStream{factory: f, conn: c, dir: c.directionOf(s.src)}
}

// touch updates the last-seen time of the connection of s, if tracked.
func (f *streamFactory) touch(s sighting, ts time.Time) {
	if c, ok := f.conns[keyOf(s.src, s.dst)]; ok && ts.After(c.last) {
		c.last = ts
	}
}

// deliver appends reassembled bytes sent in direction dir. A change of
// speaker closes the previous segment.
func (f *streamFactory) deliver(c *conn, dir core.Direction, data []byte, seen time.Time) {
	if c.speaker != dir {
		f.flushConn(c)
	}
	if len(c.buf) == 0 {
		c.speaker = dir
		c.first = seen
	}
	c.buf = append(c.buf, data...)
}

// flushConn emits the buffered bytes of c as one directional record.
func (f *streamFactory) flushConn(c *conn) {
	if len(c.buf) == 0 {
		return
	}
	rec := &core.FlowRecord{
		ID:        uuid.NewString(),
		Timestamp: c.first,
		Protocol:  core.ProtocolTCP,
		Direction: c.speaker,
		Payload:   c.buf,
	}
	if c.speaker == core.ClientToServer {
		rec.Src, rec.Dst = c.client, c.server
	} else {
		rec.Src, rec.Dst = c.server, c.client
	}
	c.buf = nil
	f.emit(segment{rec: rec, order: c.order})
}

// flushIdle emits the buffers of connections last seen before t, in
// first-seen order. A zero t selects every connection.
func (f *streamFactory) flushIdle(t time.Time) {
	idle := make([]*conn, 0, len(f.conns))
	for _, c := range f.conns {
		if t.IsZero() || c.last.Before(t) {
			idle = append(idle, c)
		}
	}
	sortConns(idle)
	for _, c := range idle {
		f.flushConn(c)
	}
}

func (f *streamFactory) complete(c *conn, dir core.Direction) {
	if c.speaker == dir {
		f.flushConn(c)
	}
	c.open--
	if c.open > 0 {
		return
	}
	f.flushConn(c)
	delete(f.conns, c.key)
	f.logger.WithField("client", c.client.String()).Debug("connection closed")
}

// halfStream receives one direction of a connection from tcpassembly.
type halfStream struct {
	factory *streamFactory
	conn    *conn
	dir     core.Direction
}

// Reassembled implements tcpassembly.Stream. Reassembly bytes are reused
// by the assembler, deliver copies them.
func (h *halfStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip != 0 && h.conn.speaker == h.dir {
			// bytes were lost, do not glue both sides of the gap together
			h.factory.flushConn(h.conn)
		}
		if len(r.Bytes) == 0 {
			continue
		}
		h.factory.deliver(h.conn, h.dir, r.Bytes, r.Seen)
	}
}

// ReassemblyComplete implements tcpassembly.Stream.
func (h *halfStream) ReassemblyComplete() {
	h.factory.complete(h.conn, h.dir)
}
