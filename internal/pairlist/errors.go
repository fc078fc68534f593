package pairlist

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound means no pairlist file exists within the lookback window.
	ErrConfigNotFound = errors.New("pairlist config not found")
	// ErrMalformedConfig means the file was found but has no usable pair whitelist.
	ErrMalformedConfig = errors.New("malformed pairlist config")
)

// LookupError carries the file involved in a failed resolution.
type LookupError struct {
	Kind  error    // ErrConfigNotFound or ErrMalformedConfig
	Path  string   // last path examined
	Tried []string // every path examined, newest first
	Msg   string
}

func (e *LookupError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Msg)
}

func (e *LookupError) Unwrap() error { return e.Kind }

func malformedf(path, format string, args ...any) error {
	return &LookupError{Kind: ErrMalformedConfig, Path: path, Msg: fmt.Sprintf(format, args...)}
}
