package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
)

func rec(proto core.Protocol, payload string, c core.Classification) *core.FlowRecord {
	r := &core.FlowRecord{
		Protocol: proto,
		Dst:      core.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 80},
		Payload:  []byte(payload),
	}
	if c != nil {
		r.Annotate(core.AnnotationHTTP, c)
	}
	return r
}

func request(method, host string) core.HTTPRequest {
	req := core.HTTPRequest{Method: method, URI: "/"}
	if host != "" {
		req.Headers = core.Headers{{Name: "host", Value: host}}
	}
	return req
}

func sample() []*core.FlowRecord {
	return []*core.FlowRecord{
		rec(core.ProtocolTCP, "aaaa", request("GET", "a.example")),
		rec(core.ProtocolTCP, "bb", request("GET", "b.example")),
		rec(core.ProtocolTCP, "cc", request("POST", "a.example")),
		rec(core.ProtocolTCP, "dd", request("GET", "")),
		rec(core.ProtocolTCP, "e", core.HTTPResponse{Status: 200}),
		rec(core.ProtocolTCP, "f", core.TLSRecords{}),
		rec(core.ProtocolTCP, "", core.Unclassified{Reason: "empty payload"}),
		rec(core.ProtocolUDP, "query", nil),
	}
}

func TestReport(t *testing.T) {
	s, err := New(Options{TopN: 2}, &bytes.Buffer{}, nil)
	require.NoError(t, err)
	for _, r := range sample() {
		require.NoError(t, s.Add(r))
	}

	r := s.Report()
	assert.Equal(t, 8, r.Records)
	assert.Equal(t, 17, r.Bytes)
	assert.Equal(t, []Count{{"TCP", 7}, {"UDP", 1}}, r.Protocols)
	assert.Equal(t, []Count{
		{"HTTP_REQUEST", 4},
		{"HTTPS_REQUEST", 1},
		{"HTTP_RESPONSE", 1},
		{"UNCLASSIFIED", 1},
	}, r.Kinds)
	assert.Equal(t, []Count{{"GET", 3}, {"POST", 1}}, r.Methods)
	assert.Equal(t, []Count{{"200", 1}}, r.Statuses)
	assert.Equal(t, []Count{{"a.example", 2}, {"10.0.0.2:80", 1}}, r.Hosts)
}

func TestPullText(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(Options{}, &buf, nil)
	require.NoError(t, err)
	require.NoError(t, s.Link(chain.NewSliceProducer(sample()...)))
	require.NoError(t, s.Pull(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "records")
	assert.Contains(t, out, "CLASSIFICATION")
	assert.Contains(t, out, "HTTP_REQUEST")
	assert.Contains(t, out, "a.example")
	assert.True(t, strings.HasPrefix(out, "records"))
}

func TestPullStructured(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		s, err := New(Options{Format: "json"}, &buf, nil)
		require.NoError(t, err)
		require.NoError(t, s.Link(chain.NewSliceProducer(sample()...)))
		require.NoError(t, s.Pull(context.Background()))

		var r Report
		require.NoError(t, json.Unmarshal(buf.Bytes(), &r))
		assert.Equal(t, 8, r.Records)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		s, err := New(Options{Format: "yaml"}, &buf, nil)
		require.NoError(t, err)
		require.NoError(t, s.Link(chain.NewSliceProducer(sample()...)))
		require.NoError(t, s.Pull(context.Background()))

		var r Report
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &r))
		assert.Equal(t, 8, r.Records)
		assert.Len(t, r.Kinds, 4)
	})
}

func TestReportOnCancel(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(Options{Format: "json"}, &buf, nil)
	require.NoError(t, err)
	require.NoError(t, s.Link(chain.NewSliceProducer(sample()...)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Pull(ctx), context.Canceled)

	var r Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &r))
	assert.Equal(t, 0, r.Records)
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    map[string]any
		wantErr bool
	}{
		{name: "defaults", opts: map[string]any{}},
		{name: "yaml", opts: map[string]any{"format": "yaml", "top_n": 3}},
		{name: "bad format", opts: map[string]any{"format": "html"}, wantErr: true},
		{name: "negative top", opts: map[string]any{"top_n": -1}, wantErr: true},
	}

	f := NewFactory(&bytes.Buffer{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := f(tt.opts)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Name, s.Name())
		})
	}

	s, err := New(Options{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, s.topN)
}
