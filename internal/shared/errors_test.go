package shared

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_WithDetails(t *testing.T) {
	err := NewAPIError("code", "message").WithDetails(map[string]string{"phase": "ready"})

	d, ok := err.Details.(map[string]string)
	if !ok {
		t.Fatal("expected details to be map[string]string")
	}
	if d["phase"] != "ready" {
		t.Errorf("expected phase 'ready', got '%s'", d["phase"])
	}
}

func TestServiceUnavailable(t *testing.T) {
	httpErr := ServiceUnavailable("not_ready", "session not ready")
	if httpErr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, httpErr.Code)
	}
	msg, ok := httpErr.Message.(*APIError)
	if !ok {
		t.Fatal("expected message to be *APIError")
	}
	if msg.Code != "not_ready" {
		t.Errorf("expected code 'not_ready', got '%s'", msg.Code)
	}
}

func TestUpstreamError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *UpstreamError
		expected string
	}{
		{
			name:     "with code",
			err:      &UpstreamError{Code: "invalid_value", Message: "bad audio"},
			expected: "upstream error (invalid_value): bad audio",
		},
		{
			name:     "without code",
			err:      &UpstreamError{Message: "bad audio"},
			expected: "upstream error: bad audio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestUpstreamError_As(t *testing.T) {
	wrapped := fmt.Errorf("handling message: %w", &UpstreamError{Message: "boom"})

	var upErr *UpstreamError
	if !errors.As(wrapped, &upErr) {
		t.Fatal("expected errors.As to find UpstreamError")
	}
	if upErr.Message != "boom" {
		t.Errorf("expected message 'boom', got %q", upErr.Message)
	}
}

func TestIsTransientConnectivity(t *testing.T) {
	tests := []struct {
		message  string
		expected bool
	}{
		{"Upstream connection lost", true},
		{"Not connected to upstream", true},
		{"websocket: close 1006 (abnormal closure): unexpected EOF", true},
		{"Request timed out", true},
		{"Invalid value for 'audio': expected base64", false},
		{"Conversation already has an active response", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := IsTransientConnectivity(tt.message); got != tt.expected {
				t.Errorf("IsTransientConnectivity(%q) = %v, want %v", tt.message, got, tt.expected)
			}
		})
	}
}
