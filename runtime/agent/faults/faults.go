// Package faults provides the error taxonomy recorded on run state. A Fault
// pairs a coarse kind with a human-readable message and implements the
// standard error interface so call sites can wrap and match with errors.Is/As
// while the runtime persists the pair verbatim in audit records.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal run error. The runtime itself only produces
// Config and Unknown; the remaining kinds are diagnostic labels passed
// through from verify-style tools and never synthesized by the core.
type Kind string

const (
	// Config marks input validation failures, policy rejections, denied plan
	// changes, exhausted replan budgets, rejected patch reviews, and invalid
	// review decisions.
	Config Kind = "Config"
	// Unknown marks tool runtime failures and unmapped internal invariants.
	Unknown Kind = "Unknown"
	// Deps is a dependency diagnostic label surfaced by verify tools.
	Deps Kind = "Deps"
	// TS is a TypeScript diagnostic label surfaced by verify tools.
	TS Kind = "TS"
	// Rust is a Rust diagnostic label surfaced by verify tools.
	Rust Kind = "Rust"
	// Tauri is a Tauri diagnostic label surfaced by verify tools.
	Tauri Kind = "Tauri"
)

// Fault is a classified run error. The zero value is not meaningful; use New
// or the kind-specific constructors.
type Fault struct {
	// Kind is the coarse classification.
	Kind Kind `json:"kind"`
	// Message is the human-readable summary surfaced to the user.
	Message string `json:"message"`
}

// New constructs a Fault with the given kind and message.
func New(kind Kind, message string) *Fault {
	if message == "" {
		message = "unspecified failure"
	}
	return &Fault{Kind: kind, Message: message}
}

// Configf constructs a Config fault from a format string.
func Configf(format string, args ...any) *Fault {
	return New(Config, fmt.Sprintf(format, args...))
}

// Unknownf constructs an Unknown fault from a format string.
func Unknownf(format string, args ...any) *Fault {
	return New(Unknown, fmt.Sprintf(format, args...))
}

// FromError converts an arbitrary error into a Fault. Errors already carrying
// a Fault anywhere in their chain keep their classification; everything else
// becomes Unknown.
func FromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return New(Unknown, err.Error())
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// Is reports whether target is a Fault of the same kind, enabling
// errors.Is(err, &faults.Fault{Kind: faults.Config}) style checks.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok || f == nil || t == nil {
		return false
	}
	return f.Kind == t.Kind && (t.Message == "" || t.Message == f.Message)
}

// Truncate shortens a detail string to at most n runes, appending an ellipsis
// marker when cut. Used when embedding tool output in fault messages.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
