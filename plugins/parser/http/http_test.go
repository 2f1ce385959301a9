package http

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/pkg/plugin"
)

func TestRequestParserCanHandle(t *testing.T) {
	parser := NewRequestParser()

	tests := []struct {
		name     string
		payload  string
		expected bool
	}{
		{"GET", "GET / HTTP/1.1\r\n", true},
		{"POST", "POST /form HTTP/1.1\r\n", true},
		{"leading space", "  OPTIONS * HTTP/1.1\r\n", true},
		{"method only", "DELETE", true},
		{"response", "HTTP/1.1 200 OK\r\n", false},
		{"unknown method", "BREW /pot HTCPCP/1.0\r\n", false},
		{"tls", "\x16\x03\x01\x00\x2a\x01", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parser.CanHandle([]byte(tt.payload)); got != tt.expected {
				t.Errorf("CanHandle(%q) = %v, expected %v", tt.payload, got, tt.expected)
			}
		})
	}
}

func TestResponseParserCanHandle(t *testing.T) {
	parser := NewResponseParser()

	if !parser.CanHandle([]byte("HTTP/1.1 200 OK\r\n")) {
		t.Error("expected status line to be handled")
	}
	if parser.CanHandle([]byte("GET / HTTP/1.1\r\n")) {
		t.Error("request must not be handled by the response parser")
	}
}

func TestRequestParserHandle(t *testing.T) {
	payload := []byte("POST /a+b HTTP/1.1\r\nContent-Length: 3\r\n\r\nxyz")

	t.Run("body dropped by default", func(t *testing.T) {
		parser := NewRequestParser()
		if err := parser.Init(nil); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		c, err := parser.Handle(payload)
		if err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
		req, ok := c.(core.HTTPRequest)
		if !ok {
			t.Fatalf("expected HTTPRequest, got %T", c)
		}
		if req.URI != "/a b" {
			t.Errorf("expected cleaned uri, got %q", req.URI)
		}
		if req.Body != nil {
			t.Errorf("expected body to be dropped, got %q", req.Body)
		}
	})

	t.Run("keep body", func(t *testing.T) {
		parser := NewRequestParser()
		if err := parser.Init(map[string]any{"keep_body": true}); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		c, err := parser.Handle(payload)
		if err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
		if string(c.(core.HTTPRequest).Body) != "xyz" {
			t.Errorf("expected body xyz, got %q", c.(core.HTTPRequest).Body)
		}
	})

	t.Run("max payload", func(t *testing.T) {
		parser := NewRequestParser()
		if err := parser.Init(map[string]any{"max_payload": 10}); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		_, err := parser.Handle(payload)
		if !errors.Is(err, core.ErrDecodeMalformed) {
			t.Errorf("expected ErrDecodeMalformed, got %v", err)
		}
	})
}

func TestResponseParserHandle(t *testing.T) {
	parser := NewResponseParser()
	if err := parser.Init(map[string]any{"keep_body": true}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	c, err := parser.Handle([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	resp, ok := c.(core.HTTPResponse)
	if !ok {
		t.Fatalf("expected HTTPResponse, got %T", c)
	}
	if resp.Status != 200 || string(resp.Body) != "ok" {
		t.Errorf("unexpected response %#v", resp)
	}

	if _, err := parser.Handle([]byte(strings.Repeat("\x00", 8))); !errors.Is(err, core.ErrDecodeMalformed) {
		t.Errorf("expected ErrDecodeMalformed, got %v", err)
	}
}

func TestHandleKeptBodyIsCopied(t *testing.T) {
	tests := []struct {
		name    string
		parser  plugin.Parser
		payload string
	}{
		{"request", NewRequestParser(), "POST /form HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"},
		{"response", NewResponseParser(), "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nhello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.parser.Init(map[string]any{"keep_body": true}); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			payload := []byte(tt.payload)
			c, err := tt.parser.Handle(payload)
			if err != nil {
				t.Fatalf("Handle failed: %v", err)
			}

			var body []byte
			switch m := c.(type) {
			case core.HTTPRequest:
				body = m.Body
			case core.HTTPResponse:
				body = m.Body
			}
			if string(body) != "hello" {
				t.Fatalf("body: expected %q, got %q", "hello", body)
			}
			body[0] = 'J'
			if string(payload) != tt.payload {
				t.Errorf("payload changed through body: %q", payload)
			}
		})
	}
}

func TestParserInitErrors(t *testing.T) {
	tests := []map[string]any{
		{"max_payload": -1},
		{"max_payload": "lots"},
	}
	for _, cfg := range tests {
		if err := NewRequestParser().Init(cfg); !errors.Is(err, core.ErrConfigInvalid) {
			t.Errorf("Init(%v): expected ErrConfigInvalid, got %v", cfg, err)
		}
	}
}

func TestParsersRegistered(t *testing.T) {
	names := plugin.ParserNames()
	for _, want := range []string{RequestParserName, ResponseParserName} {
		if !slices.Contains(names, want) {
			t.Errorf("parser %s not registered", want)
		}
	}

	p, err := plugin.NewParser(RequestParserName, nil)
	if err != nil {
		t.Fatalf("NewParser failed: %v", err)
	}
	if p.Name() != RequestParserName {
		t.Errorf("expected %s, got %s", RequestParserName, p.Name())
	}
}
