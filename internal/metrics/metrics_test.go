package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
)

func TestObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())

	rec := &core.FlowRecord{Protocol: core.ProtocolTCP, Payload: []byte("GET / HTTP/1.1\r\n\r\n")}
	m.Classified(rec, core.HTTPRequest{Method: "GET"})
	m.Classified(rec, core.HTTPRequest{Method: "POST"})
	m.Classified(rec, core.Unclassified{})

	m.DecodeFailed("http-request", fmt.Errorf("%w: no request line", core.ErrDecodeIncomplete))
	m.DecodeFailed("tls", fmt.Errorf("%w: bad type", core.ErrDecodeMalformed))
	m.DecodeFailed("tls", io.ErrUnexpectedEOF)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClassificationsTotal.WithLabelValues("HTTP_REQUEST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClassificationsTotal.WithLabelValues("UNCLASSIFIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailuresTotal.WithLabelValues("http-request", ReasonIncomplete)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailuresTotal.WithLabelValues("tls", ReasonMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailuresTotal.WithLabelValues("tls", ReasonOther)))
}

func TestInstrument(t *testing.T) {
	m := New(prometheus.NewRegistry())
	p := m.Instrument("source", chain.NewSliceProducer(&core.FlowRecord{}, &core.FlowRecord{}, &core.FlowRecord{}))

	n, err := chain.Drive(context.Background(), p, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("source")))
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Classified(&core.FlowRecord{}, core.TLSRecords{})

	s := NewServer("127.0.0.1:0", "/custom", reg, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/custom")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `chains_classifications_total{kind="HTTPS_REQUEST"} 1`)
}

func TestServerBindError(t *testing.T) {
	s := NewServer("256.0.0.1:bad", "", nil, nil)
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}
