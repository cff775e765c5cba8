// Package instrument - Located diagnostics for instrumentation.
//
// Instrumentation never fails on a single instruction. Problems are
// collected as warnings that point at the IR position they concern.
//
// Example output:
//
//	race.c:0:0: worker: load in block entry has no source position
//
//	Suggestion: Regenerate the module with debug positions enabled
package instrument

import (
	"fmt"

	"github.com/kolkov/probekit/internal/ir"
)

// InstrumentationError is a diagnostic with a source position.
//
// Fields:
//   - File: Source file of the function being instrumented
//   - Line: Line number (1-indexed, 0 when unknown)
//   - Column: Column number (1-indexed, 0 when unknown)
//   - Message: Human-readable description
//   - Suggestion: Optional hint for fixing the input
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type InstrumentationError struct {
	File       string
	Line       int
	Column     int
	Message    string
	Suggestion string
}

// Error implements the error interface.
//
// Format: file:line:column: message, followed by the suggestion on its
// own paragraph when there is one.
func (e *InstrumentationError) Error() string {
	result := fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// NewInstrumentationError creates an error at an IR position.
func NewInstrumentationError(file string, pos ir.Pos, msg string) *InstrumentationError {
	return &InstrumentationError{
		File:    file,
		Line:    pos.Line,
		Column:  pos.Col,
		Message: msg,
	}
}

// NewInstrumentationErrorWithSuggestion creates an error with a hint
// for resolving it.
func NewInstrumentationErrorWithSuggestion(file string, pos ir.Pos, msg, suggestion string) *InstrumentationError {
	err := NewInstrumentationError(file, pos, msg)
	err.Suggestion = suggestion
	return err
}
