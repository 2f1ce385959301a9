package chain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/chains/internal/core"
)

// Factory builds a chain element from loosely typed options, usually a
// section of the configuration file.
type Factory[T any] func(opts map[string]any) (T, error)

// Registry maps element names to factories.
type Registry[T any] struct {
	mu        sync.RWMutex
	kind      string
	factories map[string]Factory[T]
}

// NewRegistry creates an empty registry. kind is used in error messages.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:      kind,
		factories: make(map[string]Factory[T]),
	}
}

// Register adds a factory under name. Names are unique per registry.
func (r *Registry[T]) Register(name string, f Factory[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || f == nil {
		return fmt.Errorf("%w: %s registration needs a name and a factory", core.ErrConfigInvalid, r.kind)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%s '%s' already registered", r.kind, name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for package-level wiring; it panics on error.
func (r *Registry[T]) MustRegister(name string, f Factory[T]) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Build creates the element registered under name.
func (r *Registry[T]) Build(name string, opts map[string]any) (T, error) {
	r.mu.RLock()
	f, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		var zero T
		return zero, fmt.Errorf("%w: %s '%s'", core.ErrStageNotFound, r.kind, name)
	}
	return f(opts)
}

// Names lists registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions decodes opts into the struct pointed to by out using
// `mapstructure` tags. Strings such as "30s" decode into time.Duration
// fields. Keys without a matching field are ignored so one config section
// can feed several stages.
func DecodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}
