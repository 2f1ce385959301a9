// Package core defines sentinel errors.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every stage of a chain.
var (
	// Decoding errors, recovered inside the classifier
	ErrDecodeIncomplete = errors.New("chains: payload incomplete")
	ErrDecodeMalformed  = errors.New("chains: payload malformed")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("chains: packet too short")
	ErrUnsupportedProto = errors.New("chains: unsupported protocol")

	// Chain wiring errors
	ErrNotLinked     = errors.New("chains: stage has no upstream")
	ErrAlreadyLinked = errors.New("chains: stage already linked")
	ErrStageNotFound = errors.New("chains: stage not found")

	// Configuration errors
	ErrConfigInvalid = errors.New("chains: invalid configuration")
)

// ConfigError reports a stage that was wired or configured incorrectly.
// It is raised on first use and never swallowed by the chain.
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("stage %s: configuration error: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError wraps err for the named stage.
func NewConfigError(stage string, err error) *ConfigError {
	return &ConfigError{Stage: stage, Err: err}
}
