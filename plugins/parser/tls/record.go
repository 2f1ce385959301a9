package tls

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/chains/internal/core"
)

const (
	// HeaderLen is the size of a TLS record header: type(1) version(2) length(2).
	HeaderLen = 5

	// MaxRecordLen is the largest ciphertext length a record may declare.
	MaxRecordLen = 1<<14 + 2048

	minVersion = 0x0300 // SSL 3.0
	maxVersion = 0x0303 // TLS 1.2, also the legacy version of TLS 1.3 records
)

// ParseHeader validates and decodes the record header at the start of b.
func ParseHeader(b []byte) (core.TLSRecordHeader, error) {
	if len(b) < HeaderLen {
		return core.TLSRecordHeader{}, fmt.Errorf("%w: need %d header bytes, have %d",
			core.ErrDecodeIncomplete, HeaderLen, len(b))
	}
	hdr := core.TLSRecordHeader{
		Type:    b[0],
		Version: binary.BigEndian.Uint16(b[1:3]),
		Length:  binary.BigEndian.Uint16(b[3:5]),
	}
	switch hdr.Type {
	case core.TLSChangeCipherSpec, core.TLSAlert, core.TLSHandshake, core.TLSApplicationData, core.TLSHeartbeat:
	default:
		return core.TLSRecordHeader{}, fmt.Errorf("%w: unknown record type %d", core.ErrDecodeMalformed, hdr.Type)
	}
	if hdr.Version < minVersion || hdr.Version > maxVersion {
		return core.TLSRecordHeader{}, fmt.Errorf("%w: bad record version 0x%04x", core.ErrDecodeMalformed, hdr.Version)
	}
	if int(hdr.Length) > MaxRecordLen {
		return core.TLSRecordHeader{}, fmt.Errorf("%w: record length %d exceeds %d",
			core.ErrDecodeMalformed, hdr.Length, MaxRecordLen)
	}
	return hdr, nil
}

// DecodeRecords walks the records laid end to end in payload.
//
// Walking stops at the end of the payload, at a record whose body is cut
// short (kept with Complete=false) or at a trailing fragment shorter than a
// header. A full header that fails validation at any offset rejects the
// whole payload. maxRecords limits the walk; 0 means no limit. Consumed
// covers complete records only.
func DecodeRecords(payload []byte, maxRecords int) (core.TLSRecords, error) {
	var out core.TLSRecords
	i := 0
	for i+HeaderLen <= len(payload) {
		if maxRecords > 0 && len(out.Records) >= maxRecords {
			break
		}
		hdr, err := ParseHeader(payload[i:])
		if err != nil {
			return core.TLSRecords{}, fmt.Errorf("record %d at offset %d: %w", len(out.Records), i, err)
		}
		end := i + HeaderLen + int(hdr.Length)
		if end > len(payload) {
			out.Records = append(out.Records, hdr)
			break
		}
		hdr.Complete = true
		out.Records = append(out.Records, hdr)
		i = end
		out.Consumed = i
	}

	if len(out.Records) == 0 {
		return core.TLSRecords{}, fmt.Errorf("%w: need %d header bytes, have %d",
			core.ErrDecodeIncomplete, HeaderLen, len(payload))
	}
	return out, nil
}
