package chain

import (
	"context"
	"errors"
	"io"
	"iter"

	"firestige.xyz/chains/internal/core"
)

// All exposes p as a lazy sequence. Ranging over it pulls one record per
// iteration; breaking out early leaves the rest of the chain untouched.
// A terminal error other than io.EOF is yielded once with a nil record.
func All(p Producer) iter.Seq2[*core.FlowRecord, error] {
	return func(yield func(*core.FlowRecord, error) bool) {
		for {
			rec, err := p.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Drive pulls records from p and hands them to fn until the sequence ends,
// max records have been pulled (0 means no limit), ctx is done or fn fails.
// It returns the number of records pulled.
func Drive(ctx context.Context, p Producer, max int, fn func(*core.FlowRecord) error) (int, error) {
	n := 0
	for max <= 0 || n < max {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := p.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		if fn == nil {
			continue
		}
		if err := fn(rec); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Connect links stages in order behind head and returns the tail producer.
func Connect(head Producer, stages ...Stage) (Producer, error) {
	if head == nil {
		return nil, core.NewConfigError("", core.ErrNotLinked)
	}
	tail := head
	for _, s := range stages {
		if err := s.Link(tail); err != nil {
			return nil, err
		}
		tail = s
	}
	return tail, nil
}

// Collect drains p into a slice. Intended for tests and small captures.
func Collect(p Producer) ([]*core.FlowRecord, error) {
	var out []*core.FlowRecord
	for rec, err := range All(p) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SliceProducer replays a fixed list of records. It is used as an upstream
// in tests and by tools that already hold records in memory.
type SliceProducer struct {
	records []*core.FlowRecord
	pos     int
}

// NewSliceProducer returns a producer over records.
func NewSliceProducer(records ...*core.FlowRecord) *SliceProducer {
	return &SliceProducer{records: records}
}

// Next implements Producer.
func (s *SliceProducer) Next() (*core.FlowRecord, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

// Pulled returns how many records have been handed out so far.
func (s *SliceProducer) Pulled() int {
	return s.pos
}

// Limit returns a producer that ends after max records of p. A max of 0
// or less returns p unchanged.
func Limit(p Producer, max int) Producer {
	if max <= 0 {
		return p
	}
	return &limitProducer{upstream: p, left: max}
}

type limitProducer struct {
	upstream Producer
	left     int
}

func (l *limitProducer) Next() (*core.FlowRecord, error) {
	if l.left <= 0 {
		return nil, io.EOF
	}
	rec, err := l.upstream.Next()
	if err != nil {
		return nil, err
	}
	l.left--
	return rec, nil
}
