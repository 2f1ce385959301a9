package http

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/chains/internal/core"
)

const protoPrefix = "HTTP/"

// methods is the set of request methods accepted on a request line.
var methods = map[string]struct{}{
	"GET": {}, "PUT": {}, "ICY": {}, "COPY": {}, "HEAD": {}, "LOCK": {}, "MOVE": {},
	"POLL": {}, "POST": {}, "BCOPY": {}, "BMOVE": {}, "MKCOL": {}, "TRACE": {},
	"LABEL": {}, "MERGE": {}, "PATCH": {}, "DELETE": {}, "SEARCH": {}, "UNLOCK": {},
	"REPORT": {}, "UPDATE": {}, "NOTIFY": {}, "BDELETE": {}, "CONNECT": {},
	"OPTIONS": {}, "CHECKIN": {}, "PROPFIND": {}, "CHECKOUT": {}, "CCM_POST": {},
	"SUBSCRIBE": {}, "PROPPATCH": {}, "BPROPFIND": {}, "BPROPPATCH": {},
	"UNCHECKOUT": {}, "MKACTIVITY": {}, "MKWORKSPACE": {}, "UNSUBSCRIBE": {},
	"RPC_CONNECT": {}, "VERSION-CONTROL": {}, "BASELINE-CONTROL": {},
}

// probeLen bounds how much of a payload CanHandle looks at.
const probeLen = 64

// IsMethod reports whether m is a known request method.
func IsMethod(m string) bool {
	_, ok := methods[m]
	return ok
}

// lineReader hands out lines of buf. Lines end in LF with an optional CR.
type lineReader struct {
	buf []byte
	pos int
}

// line returns the next line without its terminator. ok is false when the
// remaining bytes hold no line terminator; rest is then what is left.
func (r *lineReader) line() (line []byte, ok bool) {
	rest := r.buf[r.pos:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		return rest, false
	}
	r.pos += i + 1
	return bytes.TrimSuffix(rest[:i], []byte("\r")), true
}

func (r *lineReader) read(n int) []byte {
	rest := r.buf[r.pos:]
	if n > len(rest) {
		n = len(rest)
	}
	r.pos += n
	return rest[:n]
}

func (r *lineReader) rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

func incomplete(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrDecodeIncomplete, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrDecodeMalformed, fmt.Sprintf(format, args...))
}

// startFields splits a start line on ASCII whitespace. Bytes outside ASCII
// are kept as they are.
func startFields(line []byte) []string {
	raw := bytes.FieldsFunc(line, isSpace)
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = string(f)
	}
	return fields
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\v' || r == '\f' || r == '\r'
}

// DecodeRequest decodes an HTTP/1.x request. The returned URI is already
// cleaned with CleanURI; RawURI keeps the wire form.
func DecodeRequest(payload []byte) (core.HTTPRequest, error) {
	r := &lineReader{buf: payload}

	line, ok := r.line()
	fields := startFields(line)
	if len(fields) == 0 {
		if !ok {
			return core.HTTPRequest{}, incomplete("no request line")
		}
		return core.HTTPRequest{}, malformed("empty request line")
	}
	if !IsMethod(fields[0]) {
		return core.HTTPRequest{}, malformed("invalid http method %q", truncate(fields[0]))
	}
	if !ok {
		return core.HTTPRequest{}, incomplete("request line not terminated")
	}
	if len(fields) != 3 {
		return core.HTTPRequest{}, malformed("invalid request line %q", truncate(string(line)))
	}
	if !strings.HasPrefix(fields[2], protoPrefix) || !isASCII(fields[2]) {
		return core.HTTPRequest{}, malformed("invalid http version %q", truncate(fields[2]))
	}

	headers, err := parseHeaders(r)
	if err != nil {
		return core.HTTPRequest{}, err
	}
	body, err := parseBody(r, headers, true)
	if err != nil {
		return core.HTTPRequest{}, err
	}

	return core.HTTPRequest{
		Method:  fields[0],
		URI:     CleanURI(fields[1]),
		RawURI:  fields[1],
		Version: fields[2][len(protoPrefix):],
		Headers: headers,
		Body:    body,
	}, nil
}

// DecodeResponse decodes an HTTP/1.x response.
func DecodeResponse(payload []byte) (core.HTTPResponse, error) {
	r := &lineReader{buf: payload}

	line, ok := r.line()
	if !bytes.HasPrefix(line, []byte("HTTP")) {
		if !ok && len(line) < len(protoPrefix) && bytes.HasPrefix([]byte(protoPrefix), line) {
			return core.HTTPResponse{}, incomplete("status line too short")
		}
		return core.HTTPResponse{}, malformed("invalid status line")
	}
	if !ok {
		return core.HTTPResponse{}, incomplete("status line not terminated")
	}

	parts := splitFieldsN(string(line), 3)
	if len(parts) < 2 || !isASCII(parts[0]) || !isDigits(parts[1]) {
		return core.HTTPResponse{}, malformed("invalid status line %q", truncate(string(line)))
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return core.HTTPResponse{}, malformed("invalid status %q", parts[1])
	}
	reason := ""
	if len(parts) > 2 {
		reason = parts[2]
	}
	version := strings.TrimPrefix(parts[0], "HTTP")
	version = strings.TrimPrefix(version, "/")

	headers, err := parseHeaders(r)
	if err != nil {
		return core.HTTPResponse{}, err
	}
	bodyAllowed := status >= 200 && status != 204 && status != 304
	body, err := parseBody(r, headers, bodyAllowed)
	if err != nil {
		return core.HTTPResponse{}, err
	}

	return core.HTTPResponse{
		Version: version,
		Status:  status,
		Reason:  reason,
		Headers: headers,
		Body:    body,
	}, nil
}

// parseHeaders reads header lines up to and including the empty line that
// ends the header block.
func parseHeaders(r *lineReader) (core.Headers, error) {
	var headers core.Headers
	for {
		raw, ok := r.line()
		if !ok {
			return nil, incomplete("header block not terminated")
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return headers, nil
		}
		// obs-fold continuation of the previous header
		if (raw[0] == ' ' || raw[0] == '\t') && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(string(raw)))
			continue
		}

		line := strings.TrimSpace(string(raw))
		name, value, _ := strings.Cut(line, ":")
		token := strings.Fields(name)
		if len(token) != 1 {
			return nil, malformed("invalid header %q", truncate(line))
		}
		headers = append(headers, core.Header{
			Name:  strings.ToLower(token[0]),
			Value: strings.TrimLeft(value, " \t"),
		})
	}
}

// parseBody reads the message body as framed by the headers.
func parseBody(r *lineReader, headers core.Headers, allowed bool) ([]byte, error) {
	if !allowed {
		return nil, nil
	}
	switch {
	case strings.EqualFold(strings.TrimSpace(headers.Get("transfer-encoding")), "chunked"):
		return parseChunked(r)
	case headers.Has("content-length"):
		n, err := strconv.Atoi(strings.TrimSpace(headers.Get("content-length")))
		if err != nil || n < 0 {
			return nil, malformed("invalid content-length %q", headers.Get("content-length"))
		}
		body := r.read(n)
		if len(body) != n {
			return nil, incomplete("short body (missing %d bytes)", n-len(body))
		}
		return body, nil
	case headers.Has("content-type"):
		return r.rest(), nil
	default:
		return nil, nil
	}
}

// parseChunked reads a chunked body up to the zero-size chunk. Trailers
// after the last chunk are ignored.
func parseChunked(r *lineReader) ([]byte, error) {
	var body []byte
	for {
		line, ok := r.line()
		if !ok {
			return nil, incomplete("premature end of chunked body")
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(string(line)), ";")
		sizeField = strings.TrimSpace(sizeField)
		if sizeField == "" {
			return nil, malformed("missing chunk size")
		}
		size, err := strconv.ParseUint(sizeField, 16, 31)
		if err != nil {
			return nil, malformed("invalid chunk size %q", truncate(sizeField))
		}
		if size == 0 {
			return body, nil
		}
		chunk := r.read(int(size))
		if len(chunk) != int(size) {
			return nil, incomplete("premature end of chunked body")
		}
		body = append(body, chunk...)
		trailer, ok := r.line()
		if !ok {
			return nil, incomplete("premature end of chunked body")
		}
		if len(bytes.TrimSpace(trailer)) != 0 {
			return nil, malformed("chunk not followed by CRLF")
		}
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// splitFieldsN splits s around runs of whitespace into at most n fields.
// The last field keeps its inner spacing.
func splitFieldsN(s string, n int) []string {
	var out []string
	s = strings.TrimSpace(s)
	for s != "" && len(out) < n-1 {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			break
		}
		out = append(out, s[:i])
		s = strings.TrimLeft(s[i:], " \t")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	const max = 64
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
