package core

import (
	"context"
	"errors"
	"fmt"
)

// The error taxonomy is deliberately flat: one struct per semantic kind so
// callers can branch with errors.As without inspecting strings. Every type
// wraps its cause and implements Unwrap.

// ConfigError reports an invalid or missing configuration value. It is fatal
// at startup only; nothing constructs it after initialization.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Option, e.Reason)
}

// StoreErrorKind distinguishes retriable dependency failures from permanent
// constraint violations.
type StoreErrorKind int

const (
	// StoreUnavailable marks transient connection/availability problems;
	// callers retry with backoff.
	StoreUnavailable StoreErrorKind = iota
	// StoreConflict marks uniqueness or foreign-key violations; never retried.
	StoreConflict
)

func (k StoreErrorKind) String() string {
	if k == StoreConflict {
		return "conflict"
	}
	return "unavailable"
}

// StoreError wraps failures surfaced by the store adapter.
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// EmbeddingErrorKind splits embedding failures into retriable and permanent.
type EmbeddingErrorKind int

const (
	// EmbeddingTransient covers timeouts and rate limits; retried by callers.
	EmbeddingTransient EmbeddingErrorKind = iota
	// EmbeddingPermanent covers invalid input or auth failures; surfaced.
	EmbeddingPermanent
)

func (k EmbeddingErrorKind) String() string {
	if k == EmbeddingPermanent {
		return "permanent"
	}
	return "transient"
}

// EmbeddingError reports a failed embedding request. TextLen is carried
// instead of the text itself so the error is safe to log.
type EmbeddingError struct {
	Kind    EmbeddingErrorKind
	Model   string
	TextLen int
	Err     error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding (%s, model=%s, text_len=%d): %v", e.Kind, e.Model, e.TextLen, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// LLMErrorKind classifies chat-completion failures.
type LLMErrorKind int

const (
	LLMTransient LLMErrorKind = iota
	LLMPermanent
	LLMCancelled
)

func (k LLMErrorKind) String() string {
	switch k {
	case LLMPermanent:
		return "permanent"
	case LLMCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// LLMError reports a failed or interrupted model call.
type LLMError struct {
	Kind     LLMErrorKind
	Provider string
	Model    string
	Err      error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm %s/%s (%s): %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// MemoryError wraps memory-tier failures with the tier and, when known, the
// entity key or id involved.
type MemoryError struct {
	Tier string // core, recall, archival
	Key  string
	Err  error
}

func (e *MemoryError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("memory (%s, key=%s): %v", e.Tier, e.Key, e.Err)
	}
	return fmt.Sprintf("memory (%s): %v", e.Tier, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// GraphError wraps knowledge-graph failures.
type GraphError struct {
	Op       string
	EntityID string
	Err      error
}

func (e *GraphError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("graph %s (id=%s): %v", e.Op, e.EntityID, e.Err)
	}
	return fmt.Sprintf("graph %s: %v", e.Op, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

// ContextError reports a context-engine invariant violation, e.g. a session
// that exceeds the absolute token cap even after full reduction.
type ContextError struct {
	SessionID string
	Reason    string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("context (session=%s): %s", e.SessionID, e.Reason)
}

// AuthorizationError reports a cross-user access attempt. Always surfaced,
// never retried.
type AuthorizationError struct {
	UserID   string
	EntityID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization: user %s does not own entity %s", e.UserID, e.EntityID)
}

// IsRetryable reports whether err should be retried with backoff: transient
// store, embedding and LLM failures qualify; everything else does not.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == StoreUnavailable
	}
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Kind == EmbeddingTransient
	}
	var le *LLMError
	if errors.As(err, &le) {
		return le.Kind == LLMTransient
	}
	return false
}

// IsCancelled reports whether err represents cooperative cancellation. Such
// errors are not logged as failures.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var le *LLMError
	return errors.As(err, &le) && le.Kind == LLMCancelled
}
