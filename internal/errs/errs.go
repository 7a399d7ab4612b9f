// Package errs defines the error taxonomy shared across the runtime and
// the retry/circuit-breaker policy that decides how each kind is handled.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error classes from the runtime's error taxonomy.
// Kinds are classifications, not wrapped types: callers compare with
// OfKind, or with errors.Is against another *Error of the same Kind.
type Kind string

const (
	KindUnknownAgent         Kind = "unknown_agent"
	KindAgentAlreadyExists   Kind = "agent_already_registered"
	KindInvalidInput         Kind = "invalid_input"
	KindOverloaded           Kind = "overloaded"
	KindTimedOut             Kind = "timed_out"
	KindCancelled            Kind = "cancelled"
	KindGrammarTerminated    Kind = "grammar_terminated"
	KindEmbeddingFailed      Kind = "embedding_failed"
	KindModelFailed          Kind = "model_failed"
	KindStoreFailed          Kind = "store_failed"
	KindCorruptEmbedding     Kind = "corrupt_embedding"
	KindSchemaIncompatible   Kind = "schema_incompatible"
)

// Error is the single typed error surfaced to callers of the public API.
// It carries a stable machine-readable Kind plus a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a typed Error of the given kind around a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is lets errors.Is(err, errs.KindX) style checks work by comparing Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// OfKind reports whether err (or something it wraps) is an *Error of kind k.
func OfKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Retryable reports whether the ErrorHandler should retry an operation
// that failed with this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindEmbeddingFailed, KindModelFailed:
		return true
	case KindStoreFailed:
		return true // every StoreFailed is retryable; busy/deadlock causes are not told apart
	default:
		return false
	}
}

// Fatal reports whether the kind should never be retried and must surface
// immediately.
func (k Kind) Fatal() bool {
	switch k {
	case KindCorruptEmbedding, KindSchemaIncompatible:
		return true
	default:
		return false
	}
}
