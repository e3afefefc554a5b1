package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test IsRetryable function
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrTransport is retryable",
			err:      ErrTransport,
			expected: true,
		},
		{
			name:     "wrapped transport error is retryable",
			err:      fmt.Errorf("dial tcp: %w", ErrTransport),
			expected: true,
		},
		{
			name:     "credential error is retryable by the caller",
			err:      &CredentialError{Cause: errors.New("sts unavailable")},
			expected: true,
		},
		{
			name:     "ErrNonRetryableStatus is not retryable",
			err:      ErrNonRetryableStatus,
			expected: false,
		},
		{
			name:     "ErrInvalidConfiguration is not retryable",
			err:      ErrInvalidConfiguration,
			expected: false,
		},
		{
			name:     "custom error is not retryable",
			err:      errors.New("custom error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsDeliveryFailure(t *testing.T) {
	assert.True(t, IsDeliveryFailure(ErrTransport))
	assert.True(t, IsDeliveryFailure(fmt.Errorf("send: %w", ErrClientShutdown)))
	assert.False(t, IsDeliveryFailure(ErrRetryBudgetExhausted))
	assert.False(t, IsDeliveryFailure(ErrNonRetryableStatus))
	assert.False(t, IsDeliveryFailure(nil))
}

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(ErrInvalidConfiguration))
	assert.True(t, IsConfigurationError(&AgentError{Op: "Config.Validate", Err: ErrMissingConfiguration}))
	assert.False(t, IsConfigurationError(ErrTransport))
}

func TestIsStateError(t *testing.T) {
	assert.True(t, IsStateError(ErrAlreadyStarted))
	assert.True(t, IsStateError(ErrShutdown))
	assert.False(t, IsStateError(ErrSigningFailed))
}

func TestAgentError(t *testing.T) {
	tests := []struct {
		name     string
		err      *AgentError
		expected string
	}{
		{
			name:     "op with wrapped error",
			err:      &AgentError{Op: "exporter.Send", Err: ErrTransport},
			expected: "exporter.Send: transport error",
		},
		{
			name:     "op with id",
			err:      &AgentError{Op: "crash.Report", ID: "r-1", Err: ErrReportNotFound},
			expected: "crash.Report [r-1]: crash report not found",
		},
		{
			name:     "message only",
			err:      &AgentError{Message: "region is required"},
			expected: "region is required",
		},
		{
			name:     "kind only",
			err:      &AgentError{Kind: "auth"},
			expected: "auth error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAgentError_Unwrap(t *testing.T) {
	err := NewAgentError("auth.Retrieve", "auth", ErrCredentialFetchFailed)
	assert.True(t, errors.Is(err, ErrCredentialFetchFailed))

	var ae *AgentError
	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.As(wrapped, &ae))
	assert.Equal(t, "auth.Retrieve", ae.Op)
}

func TestCredentialError(t *testing.T) {
	cause := errors.New("token expired")
	err := &CredentialError{Cause: cause}

	assert.True(t, errors.Is(err, ErrCredentialFetchFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "credential fetch failed")
	assert.Contains(t, err.Error(), "token expired")
}
