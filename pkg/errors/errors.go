// Package errors defines the error taxonomy used across the fabric.
// Every error that crosses a component boundary is a *FabricError with a
// Kind from the closed set below, so callers can branch on classification
// without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a fabric error.
type Kind string

const (
	KindConfiguration    Kind = "CONFIGURATION"
	KindUnavailable      Kind = "BACKEND_UNAVAILABLE"
	KindPoolExhausted    Kind = "POOL_EXHAUSTED"
	KindValidation       Kind = "VALIDATION"
	KindNotFound         Kind = "NOT_FOUND"
	KindDuplicate        Kind = "DUPLICATE_ID"
	KindSchemaConflict   Kind = "SCHEMA_CONFLICT"
	KindQuery            Kind = "QUERY"
	KindBackpressure     Kind = "BACKPRESSURE_EXCEEDED"
	KindProcessorStopped Kind = "PROCESSOR_STOPPED"
	KindCancelled        Kind = "CANCELLED"
	KindTimeout          Kind = "TIMEOUT"
)

// FabricError carries a Kind, a human-readable message and an optional cause.
type FabricError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *FabricError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FabricError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may reasonably retry the operation.
func (e *FabricError) Retryable() bool {
	switch e.Kind {
	case KindUnavailable, KindPoolExhausted, KindBackpressure, KindTimeout:
		return true
	}
	return false
}

// New builds a FabricError of the given kind.
func New(kind Kind, message string) *FabricError {
	return &FabricError{Kind: kind, Message: message}
}

// Newf builds a FabricError with a formatted message.
func Newf(kind Kind, format string, args ...any) *FabricError {
	return &FabricError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. If err is already
// a FabricError its kind is preserved and only context is added.
func Wrap(err error, kind Kind, message string) *FabricError {
	if err == nil {
		return nil
	}
	var fe *FabricError
	if errors.As(err, &fe) {
		kind = fe.Kind
	}
	return &FabricError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of err, or the empty string for foreign errors.
func KindOf(err error) Kind {
	var fe *FabricError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsConfiguration(err error) bool    { return IsKind(err, KindConfiguration) }
func IsUnavailable(err error) bool      { return IsKind(err, KindUnavailable) }
func IsPoolExhausted(err error) bool    { return IsKind(err, KindPoolExhausted) }
func IsValidation(err error) bool       { return IsKind(err, KindValidation) }
func IsNotFound(err error) bool         { return IsKind(err, KindNotFound) }
func IsDuplicate(err error) bool        { return IsKind(err, KindDuplicate) }
func IsSchemaConflict(err error) bool   { return IsKind(err, KindSchemaConflict) }
func IsQuery(err error) bool            { return IsKind(err, KindQuery) }
func IsBackpressure(err error) bool     { return IsKind(err, KindBackpressure) }
func IsProcessorStopped(err error) bool { return IsKind(err, KindProcessorStopped) }
func IsCancelled(err error) bool        { return IsKind(err, KindCancelled) }
func IsTimeout(err error) bool          { return IsKind(err, KindTimeout) }

// Convenience constructors for the most common kinds.

func NewValidation(message string) *FabricError {
	return New(KindValidation, message)
}

func NewNotFound(what, id string) *FabricError {
	return Newf(KindNotFound, "%s %q not found", what, id)
}

func NewDuplicate(what, id string) *FabricError {
	return Newf(KindDuplicate, "%s %q already exists", what, id)
}

func NewConfiguration(message string) *FabricError {
	return New(KindConfiguration, message)
}

func NewUnavailable(message string, cause error) *FabricError {
	return &FabricError{Kind: KindUnavailable, Message: message, Err: cause}
}
