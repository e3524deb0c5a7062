// Package apierror defines the Anthropic-shaped wire error envelope and the
// config-time error taxonomy used outside the request path.
package apierror

import "fmt"

// Type is one of the wire-level error categories mirrored from the
// Anthropic API.
type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeOverloaded      Type = "overloaded_error"
	TypeAPIError        Type = "api_error"
	TypeAuthentication  Type = "authentication_error"
)

// Error is a wire-facing API error. It never carries a stack trace, an
// API key, or a secret file path in Message.
type Error struct {
	Type       Type
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Envelope is the JSON shape returned to the client on any error.
type Envelope struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the nested error object inside Envelope.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToEnvelope renders e as the wire envelope.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{
		Type: "error",
		Error: ErrorDetail{
			Type:    string(e.Type),
			Message: e.Message,
		},
	}
}

func New(t Type, status int, message string) *Error {
	return &Error{Type: t, Message: message, StatusCode: status}
}

func InvalidRequest(message string) *Error {
	return New(TypeInvalidRequest, 400, message)
}

func Overloaded(message string) *Error {
	return New(TypeOverloaded, 503, message)
}

func Internal(message string) *Error {
	return New(TypeAPIError, 500, message)
}

func Authentication(message string) *Error {
	return New(TypeAuthentication, 401, message)
}

// ConfigCode enumerates config-time (non-wire) error codes.
type ConfigCode string

const (
	CodeFileNotFound    ConfigCode = "FILE_NOT_FOUND"
	CodeParseError      ConfigCode = "PARSE_ERROR"
	CodeInvalidConfig   ConfigCode = "INVALID_CONFIG"
	CodeMissingNodes    ConfigCode = "MISSING_NODES"
	CodeInvalidURL      ConfigCode = "INVALID_URL"
	CodeInvalidStrategy ConfigCode = "INVALID_STRATEGY"
)

// ConfigError is raised while loading or validating a ClusterConfig.
// Context carries a field path (e.g. "routing.strategy") for operator
// diagnostics.
type ConfigError struct {
	Code    ConfigCode
	Message string
	Context string
}

func (e *ConfigError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewConfigError(code ConfigCode, context, message string) *ConfigError {
	return &ConfigError{Code: code, Message: message, Context: context}
}
