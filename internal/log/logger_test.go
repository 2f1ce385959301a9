package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"firestige.xyz/chains/internal/config"
)

func TestNewWithWriterLevels(t *testing.T) {
	tests := []struct {
		level     string
		wantTrace bool
		wantDebug bool
		wantInfo  bool
	}{
		{"trace", true, true, true},
		{"DEBUG", false, true, true},
		{"info", false, false, true},
		{"warn", false, false, false},
		{"error", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := NewWithWriter(config.LogConfig{Level: tt.level}, &bytes.Buffer{})
			if err != nil {
				t.Fatalf("NewWithWriter(%q) returned error: %v", tt.level, err)
			}
			if l.IsTraceEnabled() != tt.wantTrace {
				t.Errorf("IsTraceEnabled = %v, expected %v", l.IsTraceEnabled(), tt.wantTrace)
			}
			if l.IsDebugEnabled() != tt.wantDebug {
				t.Errorf("IsDebugEnabled = %v, expected %v", l.IsDebugEnabled(), tt.wantDebug)
			}
			if l.IsInfoEnabled() != tt.wantInfo {
				t.Errorf("IsInfoEnabled = %v, expected %v", l.IsInfoEnabled(), tt.wantInfo)
			}
		})
	}
}

func TestNewWithWriterInvalid(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		errPart string
	}{
		{"level", config.LogConfig{Level: "loud"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWithWriter(tt.cfg, &bytes.Buffer{})
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Expected error containing %q, got %v", tt.errPart, err)
			}
		})
	}
}

func TestPatternFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(config.LogConfig{
		Level:   "info",
		Format:  "text",
		Pattern: "[%level] %field | %msg\n",
	}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}

	l.WithFields(map[string]interface{}{"stage": "classifier", "count": 3}).Info("pulled")
	l.Debug("hidden")

	got := buf.String()
	want := "[INFO] count=3,stage=classifier | pulled\n"
	if got != want {
		t.Errorf("Format = %q, expected %q", got, want)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}

	l.WithError(errors.New("boom")).Warn("decode failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Output is not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "decode failed" || line["level"] != "warning" || line["error"] != "boom" {
		t.Errorf("Unexpected JSON entry %v", line)
	}
}

func TestFormatterCallerAndFunc(t *testing.T) {
	f := &formatter{pattern: "%caller %func", time: defaultTime}
	entry := &logrus.Entry{
		Logger: logrus.New(),
		Time:   time.Now(),
		Caller: &runtime.Frame{
			Function: "firestige.xyz/chains/internal/classifier.(*Classifier).Next",
			File:     "/src/chains/internal/classifier/classifier.go",
			Line:     42,
		},
	}
	entry.Logger.SetReportCaller(true)

	out, err := f.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if string(out) != "classifier/classifier.go:42 Next" {
		t.Errorf("Format = %q", out)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "chains.log")
	defer SetLogger(nil)

	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
				},
			},
		},
	}

	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	GetLogger().Info("file message")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created: %v", err)
	}
	if !strings.Contains(string(data), "file message") {
		t.Errorf("Log file missing message: %q", data)
	}
}

func TestInitWithMissingFilePath(t *testing.T) {
	cfg := config.LogConfig{
		Level: "info",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{Enabled: true},
		},
	}
	if err := Init(cfg); err == nil {
		t.Error("Expected error for missing file path, got nil")
	}
}

func TestDiscardAndDefault(t *testing.T) {
	l := Discard()
	l.Error("dropped")
	if l.IsInfoEnabled() {
		t.Error("Discard logger should have info disabled")
	}

	SetLogger(nil)
	if GetLogger() == nil {
		t.Error("GetLogger should never return nil")
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer
	w := NewMultiWriter().Add(&a).Add(failingWriter{}).Add(&b)

	n, err := w.Write([]byte("line"))
	if n != 4 {
		t.Errorf("Write returned %d, expected 4", n)
	}
	if err == nil {
		t.Error("Expected error from failing appender")
	}
	if a.String() != "line" || b.String() != "line" {
		t.Errorf("Appenders got %q and %q", a.String(), b.String())
	}
}
