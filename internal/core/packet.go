// Package core defines core data structures with zero external dependencies.
package core

import (
	"time"
)

// Packet is a captured frame as handed out by a packet source.
type Packet struct {
	Data       []byte    // Raw frame data
	Timestamp  time.Time // Capture timestamp
	CaptureLen int       // Actual captured length
	OrigLen    int       // Original frame length
	LinkType   uint8     // layers.LinkType of Data
}

// FlowRecord is the unit of data that moves through a chain.
//
// Protocol, Direction and Payload are set by upstream stages and are
// read-only for every stage downstream of the one that set them.
// Annotations is open: each stage may add its own keys.
type FlowRecord struct {
	ID        string
	Timestamp time.Time

	Protocol  Protocol
	Direction Direction
	Src       Endpoint
	Dst       Endpoint
	Payload   []byte

	Packet *Packet  // Set by sources, nil on assembled records
	TCP    *TCPInfo // Set by the decoder for TCP segments

	Annotations Annotations
}

// Annotate sets an annotation, allocating the map on first use.
func (r *FlowRecord) Annotate(key string, value any) {
	if r.Annotations == nil {
		r.Annotations = make(Annotations)
	}
	r.Annotations[key] = value
}

// Classification returns the protocol classification written by the
// classifier stage, if any.
func (r *FlowRecord) Classification() (Classification, bool) {
	v, ok := r.Annotations[AnnotationHTTP]
	if !ok {
		return nil, false
	}
	c, ok := v.(Classification)
	return c, ok
}
