// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `chains:` root key in YAML.
type GlobalConfig struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	Flow       FlowConfig       `mapstructure:"flow" yaml:"flow"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Filter     FilterConfig     `mapstructure:"filter" yaml:"filter"`
	Sink       SinkConfig       `mapstructure:"sink" yaml:"sink"`
	MaxRecords int              `mapstructure:"max_records" yaml:"max_records"` // 0 = unlimited
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`     // trace / debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"`   // text / json
	Pattern string           `mapstructure:"pattern" yaml:"pattern"` // text format only
	Time    string           `mapstructure:"time" yaml:"time"`       // Go time layout
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stderr.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Chain ───

// SourceConfig selects and configures the packet source.
type SourceConfig struct {
	Type         string        `mapstructure:"type" yaml:"type"`                     // pcapfile | live | afpacket
	Path         string        `mapstructure:"path" yaml:"path"`                     // pcapfile
	Interface    string        `mapstructure:"interface" yaml:"interface"`           // live, afpacket
	Snaplen      int           `mapstructure:"snaplen" yaml:"snaplen"`               // live, afpacket
	Promiscuous  bool          `mapstructure:"promiscuous" yaml:"promiscuous"`       // live
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`               // read / poll timeout
	BufferSizeMB int           `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"` // afpacket ring size
	FanoutID     uint16        `mapstructure:"fanout_id" yaml:"fanout_id"`           // afpacket, 0 = none
	BPF          string        `mapstructure:"bpf" yaml:"bpf"`                       // capture filter
	MaxPackets   int           `mapstructure:"max_packets" yaml:"max_packets"`       // 0 = unlimited
}

// FlowConfig configures TCP flow assembly.
type FlowConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"` // idle flush, 0 = only at end
}

// ClassifierConfig configures the protocol classifier.
type ClassifierConfig struct {
	ClientParsers []string                  `mapstructure:"client_parsers" yaml:"client_parsers"`
	ServerParsers []string                  `mapstructure:"server_parsers" yaml:"server_parsers"`
	Parsers       map[string]map[string]any `mapstructure:"parsers" yaml:"parsers,omitempty"`
}

// FilterConfig configures the optional record filter.
type FilterConfig struct {
	Expression string `mapstructure:"expression" yaml:"expression"` // CEL, empty = disabled
}

// SinkConfig selects and configures the chain's sink.
type SinkConfig struct {
	Type           string        `mapstructure:"type" yaml:"type"`                       // print | summary | kafka
	Format         string        `mapstructure:"format" yaml:"format"`                   // text | json | yaml
	OnlyClassified bool          `mapstructure:"only_classified" yaml:"only_classified"` // print, kafka
	TopN           int           `mapstructure:"top_n" yaml:"top_n"`                     // summary
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers,omitempty"`       // kafka
	Topic          string        `mapstructure:"topic" yaml:"topic,omitempty"`           // kafka
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size,omitempty"` // kafka
	BatchTimeout   time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout,omitempty"`
	Compression    string        `mapstructure:"compression" yaml:"compression,omitempty"` // kafka
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `chains: ...`.
type configRoot struct {
	Chains GlobalConfig `mapstructure:"chains"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to environment overrides.
// The YAML file uses `chains:` as root key; env vars use CHAINS_ prefix (e.g., CHAINS_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `chains.` key prefix maps to `CHAINS_` in env vars via the key
	// replacer (e.g., key "chains.log.level" → env "CHAINS_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Chains

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	cfg, err := Load("")
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use "chains." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("chains.log.level", "info")
	v.SetDefault("chains.log.format", "text")
	v.SetDefault("chains.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("chains.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("chains.log.outputs.file.enabled", false)
	v.SetDefault("chains.log.outputs.file.path", "/var/log/chains/chains.log")
	v.SetDefault("chains.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("chains.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("chains.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("chains.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("chains.metrics.enabled", false)
	v.SetDefault("chains.metrics.listen", ":9091")
	v.SetDefault("chains.metrics.path", "/metrics")

	// Source defaults
	v.SetDefault("chains.source.type", "live")
	v.SetDefault("chains.source.snaplen", 65535)
	v.SetDefault("chains.source.promiscuous", true)
	v.SetDefault("chains.source.timeout", "1s")
	v.SetDefault("chains.source.max_packets", 50)

	// Flow defaults
	v.SetDefault("chains.flow.timeout", "2m")

	// Classifier defaults
	v.SetDefault("chains.classifier.client_parsers", []string{"http-request", "tls"})
	v.SetDefault("chains.classifier.server_parsers", []string{"http-response"})

	// Sink defaults
	v.SetDefault("chains.sink.type", "print")
	v.SetDefault("chains.sink.format", "text")
	v.SetDefault("chains.sink.top_n", 10)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when log.outputs.file.enabled=true")
	}

	// ── Metrics validation ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// ── Source validation ──
	switch cfg.Source.Type {
	case "pcapfile":
		if cfg.Source.Path == "" {
			return fmt.Errorf("source.path is required for source.type=pcapfile")
		}
	case "live":
		// empty interface selects the first active one at open time
	case "afpacket":
		if cfg.Source.Interface == "" {
			return fmt.Errorf("source.interface is required for source.type=afpacket")
		}
	default:
		return fmt.Errorf("unsupported source.type: %s (must be pcapfile/live/afpacket)", cfg.Source.Type)
	}
	if cfg.Source.MaxPackets < 0 {
		return fmt.Errorf("source.max_packets must not be negative")
	}
	if cfg.Source.Snaplen <= 0 {
		cfg.Source.Snaplen = 65535
	}

	// ── Flow validation ──
	if cfg.Flow.Timeout < 0 {
		return fmt.Errorf("flow.timeout must not be negative")
	}

	// ── Classifier validation ──
	if len(cfg.Classifier.ClientParsers) == 0 && len(cfg.Classifier.ServerParsers) == 0 {
		return fmt.Errorf("classifier needs at least one parser")
	}

	// ── Sink validation ──
	switch cfg.Sink.Type {
	case "print", "summary":
	case "kafka":
		if len(cfg.Sink.Brokers) == 0 || cfg.Sink.Topic == "" {
			return fmt.Errorf("sink.brokers and sink.topic are required for sink.type=kafka")
		}
	default:
		return fmt.Errorf("unsupported sink.type: %s (must be print/summary/kafka)", cfg.Sink.Type)
	}
	switch cfg.Sink.Format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported sink.format: %s (must be text/json/yaml)", cfg.Sink.Format)
	}

	if cfg.MaxRecords < 0 {
		return fmt.Errorf("max_records must not be negative")
	}
	return nil
}
