package http

import "strings"

// CleanURI percent-decodes uri and then turns every '+' into a space.
//
// Decoding is lenient: a '%' that is not followed by two hex digits is kept
// as is. The '+' rule is the form-encoding convention; it is applied to the
// whole URI so both form submissions and over-encoded paths read naturally.
func CleanURI(uri string) string {
	return strings.ReplaceAll(unescape(uri), "+", " ")
}

func unescape(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
