package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Dump renders cfg as YAML under the `chains:` root key, the same layout
// Load reads.
func Dump(cfg *GlobalConfig) ([]byte, error) {
	out, err := yaml.Marshal(map[string]*GlobalConfig{"chains": cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

// ToOptions flattens a config section into the loosely typed option map
// the stage factories decode. Keys are the section's mapstructure tags.
func ToOptions(section any) (map[string]any, error) {
	opts := make(map[string]any)
	if err := mapstructure.Decode(section, &opts); err != nil {
		return nil, fmt.Errorf("failed to convert config section: %w", err)
	}
	return opts, nil
}
