package plugin

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/chains/internal/core"
)

// ParserFactory creates a fresh parser instance.
type ParserFactory func() Parser

type parserRegistry struct {
	mu        sync.RWMutex
	factories map[string]ParserFactory
}

var parserReg = &parserRegistry{factories: make(map[string]ParserFactory)}

// RegisterParser makes a parser available by name. Parsers register
// themselves from init functions; a duplicate name panics.
func RegisterParser(name string, factory ParserFactory) {
	parserReg.mu.Lock()
	defer parserReg.mu.Unlock()

	if _, exists := parserReg.factories[name]; exists {
		panic(fmt.Sprintf("parser '%s' already registered", name))
	}
	parserReg.factories[name] = factory
}

// NewParser creates and initializes the parser registered under name.
func NewParser(name string, cfg map[string]any) (Parser, error) {
	parserReg.mu.RLock()
	factory, exists := parserReg.factories[name]
	parserReg.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: parser '%s'", core.ErrStageNotFound, name)
	}
	p := factory()
	if err := p.Init(cfg); err != nil {
		return nil, fmt.Errorf("parser '%s' init: %w", name, err)
	}
	return p, nil
}

// ParserNames lists registered parsers in sorted order.
func ParserNames() []string {
	parserReg.mu.RLock()
	defer parserReg.mu.RUnlock()

	names := make([]string, 0, len(parserReg.factories))
	for name := range parserReg.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unregisterParser is used by tests to keep the global registry clean.
func unregisterParser(name string) {
	parserReg.mu.Lock()
	defer parserReg.mu.Unlock()
	delete(parserReg.factories, name)
}
