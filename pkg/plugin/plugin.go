// Package plugin defines the plugin lifecycle interface.
package plugin

// Plugin is the base interface for all plugins.
type Plugin interface {
	Name() string
	Init(cfg map[string]any) error
}
