package tls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/pkg/plugin"
)

// record builds a TLS record with the given body.
func record(typ uint8, version uint16, body []byte) []byte {
	b := []byte{typ, byte(version >> 8), byte(version), byte(len(body) >> 8), byte(len(body))}
	return append(b, body...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
		want    core.TLSRecordHeader
	}{
		{
			name:  "handshake tls1.0",
			input: []byte{22, 0x03, 0x01, 0x00, 0x2a},
			want:  core.TLSRecordHeader{Type: 22, Version: 0x0301, Length: 42},
		},
		{
			name:  "application data tls1.2",
			input: []byte{23, 0x03, 0x03, 0x01, 0x00},
			want:  core.TLSRecordHeader{Type: 23, Version: 0x0303, Length: 256},
		},
		{
			name:  "ssl3 alert",
			input: []byte{21, 0x03, 0x00, 0x00, 0x02},
			want:  core.TLSRecordHeader{Type: 21, Version: 0x0300, Length: 2},
		},
		{name: "short", input: []byte{22, 0x03, 0x01}, wantErr: core.ErrDecodeIncomplete},
		{name: "unknown type", input: []byte{0x47, 0x03, 0x01, 0x00, 0x01}, wantErr: core.ErrDecodeMalformed},
		{name: "bad major version", input: []byte{22, 0x02, 0x00, 0x00, 0x01}, wantErr: core.ErrDecodeMalformed},
		{name: "future version", input: []byte{22, 0x03, 0x04, 0x00, 0x01}, wantErr: core.ErrDecodeMalformed},
		{name: "oversized length", input: []byte{23, 0x03, 0x03, 0xff, 0xff}, wantErr: core.ErrDecodeMalformed},
		{name: "http text", input: []byte("GET / HTTP/1.1"), wantErr: core.ErrDecodeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr, err := ParseHeader(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, hdr)
		})
	}
}

func TestDecodeRecords(t *testing.T) {
	hello := record(core.TLSHandshake, 0x0301, make([]byte, 40))
	ccs := record(core.TLSChangeCipherSpec, 0x0303, []byte{1})
	appData := record(core.TLSApplicationData, 0x0303, make([]byte, 100))

	t.Run("single complete record", func(t *testing.T) {
		got, err := DecodeRecords(hello, 0)
		require.NoError(t, err)
		require.Len(t, got.Records, 1)
		assert.Equal(t, core.TLSRecordHeader{Type: 22, Version: 0x0301, Length: 40, Complete: true}, got.Records[0])
		assert.Equal(t, len(hello), got.Consumed)
	})

	t.Run("multiple records", func(t *testing.T) {
		payload := concat(hello, ccs, appData)
		got, err := DecodeRecords(payload, 0)
		require.NoError(t, err)
		require.Len(t, got.Records, 3)
		assert.Equal(t, []uint8{22, 20, 23}, []uint8{got.Records[0].Type, got.Records[1].Type, got.Records[2].Type})
		assert.Equal(t, len(payload), got.Consumed)
	})

	t.Run("truncated body kept as partial", func(t *testing.T) {
		payload := concat(ccs, appData[:50])
		got, err := DecodeRecords(payload, 0)
		require.NoError(t, err)
		require.Len(t, got.Records, 2)
		assert.True(t, got.Records[0].Complete)
		assert.False(t, got.Records[1].Complete)
		assert.Equal(t, uint16(100), got.Records[1].Length)
		assert.Equal(t, len(ccs), got.Consumed)
	})

	t.Run("header only", func(t *testing.T) {
		got, err := DecodeRecords(hello[:HeaderLen], 0)
		require.NoError(t, err)
		require.Len(t, got.Records, 1)
		assert.False(t, got.Records[0].Complete)
		assert.Zero(t, got.Consumed)
	})

	t.Run("garbage after records rejects the payload", func(t *testing.T) {
		_, err := DecodeRecords(concat(hello, []byte("garbage!")), 0)
		assert.ErrorIs(t, err, core.ErrDecodeMalformed)
	})

	t.Run("bad version after good record rejects the payload", func(t *testing.T) {
		payload := []byte{0x16, 0x03, 0x01, 0x00, 0x02, 0x01, 0x00, 0x16, 0x09, 0x09, 0x00, 0x00}
		_, err := DecodeRecords(payload, 0)
		assert.ErrorIs(t, err, core.ErrDecodeMalformed)
	})

	t.Run("trailing partial header ignored", func(t *testing.T) {
		payload := concat(hello, []byte{22, 0x03})
		got, err := DecodeRecords(payload, 0)
		require.NoError(t, err)
		require.Len(t, got.Records, 1)
	})

	t.Run("max records", func(t *testing.T) {
		got, err := DecodeRecords(concat(hello, ccs, appData), 2)
		require.NoError(t, err)
		assert.Len(t, got.Records, 2)
		assert.Equal(t, len(hello)+len(ccs), got.Consumed)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := DecodeRecords(nil, 0)
		assert.ErrorIs(t, err, core.ErrDecodeIncomplete)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := DecodeRecords([]byte{22, 3, 1}, 0)
		assert.ErrorIs(t, err, core.ErrDecodeIncomplete)
	})

	t.Run("not tls", func(t *testing.T) {
		_, err := DecodeRecords([]byte("SSH-2.0-OpenSSH_9.6\r\n"), 0)
		assert.ErrorIs(t, err, core.ErrDecodeMalformed)
	})
}

// A ClientHello split over two segments: the first half is recognized,
// the second half starts mid-record and cannot be.
func TestSplitClientHello(t *testing.T) {
	hello := record(core.TLSHandshake, 0x0301, make([]byte, 300))
	first, second := hello[:150], hello[150:]

	got, err := DecodeRecords(first, 0)
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.False(t, got.Records[0].Complete)

	_, err = DecodeRecords(second, 0)
	assert.Error(t, err)
}

func TestParserPlugin(t *testing.T) {
	p, err := plugin.NewParser(ParserName, map[string]any{"max_records": 1})
	require.NoError(t, err)
	assert.Equal(t, ParserName, p.Name())

	payload := concat(
		record(core.TLSHandshake, 0x0303, []byte{1, 2, 3}),
		record(core.TLSApplicationData, 0x0303, []byte{4}),
	)
	assert.True(t, p.CanHandle(payload))
	assert.False(t, p.CanHandle([]byte("HTTP/1.1 200 OK")))

	c, err := p.Handle(payload)
	require.NoError(t, err)
	recs, ok := c.(core.TLSRecords)
	require.True(t, ok)
	assert.Len(t, recs.Records, 1)
	assert.Equal(t, core.KindTLSRecords, c.Kind())

	_, err = p.Handle([]byte{0, 0, 0, 0, 0})
	assert.True(t, errors.Is(err, core.ErrDecodeMalformed))
}

func TestParserInit(t *testing.T) {
	p := NewParser()
	assert.NoError(t, p.Init(nil))
	assert.ErrorIs(t, p.Init(map[string]any{"max_records": -2}), core.ErrConfigInvalid)
	assert.ErrorIs(t, p.Init(map[string]any{"max_records": "x"}), core.ErrConfigInvalid)
}
