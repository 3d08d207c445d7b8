package shared

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransport     = errors.New("transport error")
	ErrProtocol      = errors.New("protocol error")
	ErrNotConnected  = errors.New("transport not connected")
	ErrEmptyCommit   = errors.New("commit with no transmitted audio")
	ErrClosed        = errors.New("session closed")
)

// UpstreamError is an explicit error reported by the remote speech service.
type UpstreamError struct {
	Type    string
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return "upstream error (" + e.Code + "): " + e.Message
	}
	return "upstream error: " + e.Message
}

var transientMarkers = []string{
	"connection",
	"disconnect",
	"not connected",
	"reconnect",
	"socket",
	"network",
	"timeout",
	"timed out",
	"upstream unavailable",
	"eof",
}

// IsTransientConnectivity reports whether an upstream error message reads like
// relay/upstream connectivity noise rather than a user-facing failure.
func IsTransientConnectivity(message string) bool {
	msg := strings.ToLower(message)
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func ServiceUnavailable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusServiceUnavailable)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}
