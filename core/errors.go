package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Credential and signing errors
	ErrCredentialFetchFailed = errors.New("credential fetch failed")
	ErrSigningFailed         = errors.New("request signing failed")

	// Delivery errors
	ErrTransport            = errors.New("transport error")
	ErrNonRetryableStatus   = errors.New("non-retryable HTTP status")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrClientShutdown       = errors.New("export client is shut down")

	// Crash recovery errors
	ErrCrashMetadataCorrupt = errors.New("crash metadata missing or corrupt")
	ErrReportNotFound       = errors.New("crash report not found")

	// Persistence errors
	ErrStorageWriteFailed = errors.New("storage write failed")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrShutdown       = errors.New("agent is shut down")
)

// AgentError provides structured error information with context
// It implements the error interface and supports error wrapping
type AgentError struct {
	Op      string // Operation that failed (e.g., "exporter.Send")
	Kind    string // Error kind (e.g., "auth", "export", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *AgentError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a new AgentError
func NewAgentError(op, kind string, err error) *AgentError {
	return &AgentError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// CredentialError wraps a provider failure as ErrCredentialFetchFailed while
// keeping the cause reachable through errors.Is/As.
type CredentialError struct {
	Cause error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCredentialFetchFailed, e.Cause)
}

// Is reports ErrCredentialFetchFailed as a match.
func (e *CredentialError) Is(target error) bool {
	return target == ErrCredentialFetchFailed
}

func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// IsRetryable checks if an error is retryable
// Only transport-level failures are retried by the export client.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrCredentialFetchFailed)
}

// IsDeliveryFailure reports whether err means a batch never reached the
// collector. Rejected-but-delivered outcomes are not failures.
func IsDeliveryFailure(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrClientShutdown)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrShutdown)
}
