package core

import (
	"strings"
)

// ClassificationKind names the variant held by a Classification.
type ClassificationKind uint8

const (
	KindUnclassified ClassificationKind = iota
	KindHTTPRequest
	KindHTTPResponse
	KindTLSRecords
)

func (k ClassificationKind) String() string {
	switch k {
	case KindHTTPRequest:
		return "HTTP_REQUEST"
	case KindHTTPResponse:
		return "HTTP_RESPONSE"
	case KindTLSRecords:
		return "HTTPS_REQUEST"
	default:
		return "UNCLASSIFIED"
	}
}

// Classification is the result the classifier attaches to a TCP record.
// The set of implementations is closed: HTTPRequest, HTTPResponse,
// TLSRecords and Unclassified.
type Classification interface {
	Kind() ClassificationKind
	classification()
}

// Header is a single HTTP header line. Name is lower-cased.
type Header struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Headers keeps header lines in wire order, duplicates included.
type Headers []Header

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	name = strings.ToLower(name)
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value
		}
	}
	return ""
}

// Values returns every value for name in wire order.
func (h Headers) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, hdr := range h {
		if hdr.Name == name {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Has reports whether at least one header named name exists.
func (h Headers) Has(name string) bool {
	name = strings.ToLower(name)
	for _, hdr := range h {
		if hdr.Name == name {
			return true
		}
	}
	return false
}

// HTTPRequest is a decoded client request.
type HTTPRequest struct {
	Method  string  `json:"method" yaml:"method"`
	URI     string  `json:"uri" yaml:"uri"`         // percent-decoded, '+' replaced by space
	RawURI  string  `json:"raw_uri" yaml:"raw_uri"` // as seen on the wire
	Version string  `json:"version" yaml:"version"` // e.g. "1.1"
	Headers Headers `json:"headers" yaml:"headers"`
	Body    []byte  `json:"body,omitempty" yaml:"body,omitempty"`
}

// HTTPResponse is a decoded server response.
type HTTPResponse struct {
	Version string  `json:"version" yaml:"version"`
	Status  int     `json:"status" yaml:"status"`
	Reason  string  `json:"reason" yaml:"reason"`
	Headers Headers `json:"headers" yaml:"headers"`
	Body    []byte  `json:"body,omitempty" yaml:"body,omitempty"`
}

// TLS record content types.
const (
	TLSChangeCipherSpec uint8 = 20
	TLSAlert            uint8 = 21
	TLSHandshake        uint8 = 22
	TLSApplicationData  uint8 = 23
	TLSHeartbeat        uint8 = 24
)

// TLSRecordHeader is one TLS record header found in a payload.
// Complete is false for a trailing record whose body was cut short.
type TLSRecordHeader struct {
	Type     uint8  `json:"type" yaml:"type"`
	Version  uint16 `json:"version" yaml:"version"`
	Length   uint16 `json:"length" yaml:"length"`
	Complete bool   `json:"complete" yaml:"complete"`
}

// TypeName returns the content type as a string.
func (r TLSRecordHeader) TypeName() string {
	switch r.Type {
	case TLSChangeCipherSpec:
		return "change_cipher_spec"
	case TLSAlert:
		return "alert"
	case TLSHandshake:
		return "handshake"
	case TLSApplicationData:
		return "application_data"
	case TLSHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// TLSRecords is a sequence of TLS record headers. Consumed counts the bytes
// covered by complete records.
type TLSRecords struct {
	Records  []TLSRecordHeader `json:"records" yaml:"records"`
	Consumed int               `json:"consumed" yaml:"consumed"`
}

// Unclassified means no decoder accepted the payload.
type Unclassified struct {
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (HTTPRequest) Kind() ClassificationKind  { return KindHTTPRequest }
func (HTTPResponse) Kind() ClassificationKind { return KindHTTPResponse }
func (TLSRecords) Kind() ClassificationKind   { return KindTLSRecords }
func (Unclassified) Kind() ClassificationKind { return KindUnclassified }

func (HTTPRequest) classification()  {}
func (HTTPResponse) classification() {}
func (TLSRecords) classification()   {}
func (Unclassified) classification() {}
