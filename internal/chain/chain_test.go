package chain

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/chains/internal/core"
)

// tagStage annotates every record it passes on.
type tagStage struct {
	Base
	tag string
}

func newTagStage(tag string) *tagStage {
	return &tagStage{Base: NewBase("tag-" + tag), tag: tag}
}

func (s *tagStage) Next() (*core.FlowRecord, error) {
	rec, err := s.Pull()
	if err != nil {
		return nil, err
	}
	rec.Annotate(s.tag, true)
	return rec, nil
}

// failingProducer returns err after n records.
type failingProducer struct {
	n   int
	err error
}

func (f *failingProducer) Next() (*core.FlowRecord, error) {
	if f.n == 0 {
		return nil, f.err
	}
	f.n--
	return &core.FlowRecord{}, nil
}

func records(n int) []*core.FlowRecord {
	out := make([]*core.FlowRecord, n)
	for i := range out {
		out[i] = &core.FlowRecord{ID: string(rune('a' + i))}
	}
	return out
}

func TestUnlinkedStage(t *testing.T) {
	s := newTagStage("x")

	_, err := s.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotLinked)

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "tag-x", cfgErr.Stage)
	assert.False(t, s.Linked())
}

func TestLink(t *testing.T) {
	t.Run("nil upstream", func(t *testing.T) {
		s := newTagStage("x")
		err := s.Link(nil)
		assert.ErrorIs(t, err, core.ErrNotLinked)
	})

	t.Run("relink rejected", func(t *testing.T) {
		s := newTagStage("x")
		require.NoError(t, s.Link(NewSliceProducer()))
		err := s.Link(NewSliceProducer())
		assert.ErrorIs(t, err, core.ErrAlreadyLinked)
	})
}

func TestConnectPreservesOrder(t *testing.T) {
	in := records(3)
	a, b := newTagStage("a"), newTagStage("b")

	tail, err := Connect(NewSliceProducer(in...), a, b)
	require.NoError(t, err)

	out, err := Collect(tail)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, rec := range out {
		assert.Same(t, in[i], rec)
		assert.Equal(t, true, rec.Annotations["a"])
		assert.Equal(t, true, rec.Annotations["b"])
	}
}

func TestConnectNilHead(t *testing.T) {
	_, err := Connect(nil, newTagStage("a"))
	assert.ErrorIs(t, err, core.ErrNotLinked)
}

func TestAllIsLazy(t *testing.T) {
	src := NewSliceProducer(records(5)...)
	s := newTagStage("x")
	require.NoError(t, s.Link(src))

	seen := 0
	for rec, err := range All(s) {
		require.NoError(t, err)
		require.NotNil(t, rec)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
	assert.Equal(t, 2, src.Pulled(), "upstream must not be pulled ahead of demand")
}

func TestAllYieldsTerminalError(t *testing.T) {
	boom := errors.New("boom")
	var errs []error
	n := 0
	for rec, err := range All(&failingProducer{n: 2, err: boom}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		assert.NotNil(t, rec)
		n++
	}
	assert.Equal(t, 2, n)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestDrive(t *testing.T) {
	tests := []struct {
		name     string
		records  int
		max      int
		expected int
	}{
		{"unlimited", 4, 0, 4},
		{"budget below size", 4, 2, 2},
		{"budget above size", 2, 10, 2},
		{"empty", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSliceProducer(records(tt.records)...)
			var got []*core.FlowRecord
			n, err := Drive(context.Background(), src, tt.max, func(rec *core.FlowRecord) error {
				got = append(got, rec)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
			assert.Len(t, got, tt.expected)
			assert.Equal(t, tt.expected, src.Pulled())
		})
	}
}

func TestDriveStops(t *testing.T) {
	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		src := NewSliceProducer(records(5)...)
		n, err := Drive(ctx, src, 0, func(*core.FlowRecord) error {
			cancel()
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, n)
	})

	t.Run("callback error", func(t *testing.T) {
		stop := errors.New("stop")
		n, err := Drive(context.Background(), NewSliceProducer(records(5)...), 0, func(*core.FlowRecord) error {
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, n)
	})

	t.Run("upstream error", func(t *testing.T) {
		boom := errors.New("boom")
		n, err := Drive(context.Background(), &failingProducer{n: 3, err: boom}, 0, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, n)
	})

	t.Run("unlinked stage", func(t *testing.T) {
		_, err := Drive(context.Background(), newTagStage("x"), 0, nil)
		assert.ErrorIs(t, err, core.ErrNotLinked)
	})
}

func TestSliceProducerEOF(t *testing.T) {
	p := NewSliceProducer()
	_, err := p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLimit(t *testing.T) {
	recs := []*core.FlowRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	up := NewSliceProducer(recs...)
	out, err := Collect(Limit(up, 2))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[1].ID)
	assert.Equal(t, 2, up.Pulled(), "limit must not pull past its budget")

	unlimited := NewSliceProducer(recs...)
	assert.Same(t, Producer(unlimited), Limit(unlimited, 0))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry[Stage]("stage")

	require.NoError(t, r.Register("tag", func(opts map[string]any) (Stage, error) {
		var o struct {
			Tag string `mapstructure:"tag"`
		}
		if err := DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return newTagStage(o.Tag), nil
	}))
	require.NoError(t, r.Register("other", func(map[string]any) (Stage, error) {
		return newTagStage("other"), nil
	}))

	t.Run("duplicate", func(t *testing.T) {
		err := r.Register("tag", func(map[string]any) (Stage, error) { return nil, nil })
		assert.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		assert.ErrorIs(t, r.Register("", nil), core.ErrConfigInvalid)
	})

	t.Run("build", func(t *testing.T) {
		s, err := r.Build("tag", map[string]any{"tag": "web"})
		require.NoError(t, err)
		assert.Equal(t, "tag-web", s.Name())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := r.Build("missing", nil)
		assert.ErrorIs(t, err, core.ErrStageNotFound)
	})

	t.Run("names sorted", func(t *testing.T) {
		assert.Equal(t, []string{"other", "tag"}, r.Names())
	})

	t.Run("mustregister panics on duplicate", func(t *testing.T) {
		assert.Panics(t, func() {
			r.MustRegister("tag", func(map[string]any) (Stage, error) { return nil, nil })
		})
	})
}

func TestDecodeOptions(t *testing.T) {
	type opts struct {
		Timeout time.Duration `mapstructure:"timeout"`
		Max     int           `mapstructure:"max"`
		Ports   []string      `mapstructure:"ports"`
	}

	t.Run("weak types and durations", func(t *testing.T) {
		var o opts
		err := DecodeOptions(map[string]any{"timeout": "30s", "max": "12", "ports": "80,443"}, &o)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, o.Timeout)
		assert.Equal(t, 12, o.Max)
		assert.Equal(t, []string{"80", "443"}, o.Ports)
	})

	t.Run("unknown key ignored", func(t *testing.T) {
		var o opts
		require.NoError(t, DecodeOptions(map[string]any{"bogus": 1, "max": 3}, &o))
		assert.Equal(t, 3, o.Max)
	})

	t.Run("bad value", func(t *testing.T) {
		var o opts
		err := DecodeOptions(map[string]any{"max": "many"}, &o)
		assert.ErrorIs(t, err, core.ErrConfigInvalid)
	})

	t.Run("nil options", func(t *testing.T) {
		var o opts
		require.NoError(t, DecodeOptions(nil, &o))
		assert.Zero(t, o.Max)
	})
}
