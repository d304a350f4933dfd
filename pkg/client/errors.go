package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// UnrecognisedErrorMessage is used when an error body is not valid JSON
const UnrecognisedErrorMessage = "Unexpected response from Shortcut. The error format was not recognised."

// GenericErrorMessage is shown when an error carries no structured message
const GenericErrorMessage = "Shortcut API request failed"

// ClientError represents errors that occur before or around a tracker request
type ClientError struct {
	Type    string // Type of error (validation_error, connection_error, decode_error, ...)
	Message string // Human-readable error message
	Err     error  // Underlying error
	Context string // Additional context (story id, endpoint, ...)
}

func (e *ClientError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("story tracker client error (%s) for %s: %s", e.Type, e.Context, e.Message)
	}
	return fmt.Sprintf("story tracker client error (%s): %s", e.Type, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// APIError is returned for every response with a status outside 200-399.
// Data holds the decoded JSON body, or a message envelope carrying the raw
// text when the body was not JSON.
type APIError struct {
	StatusCode int
	Method     string
	Endpoint   string
	Data       any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: Response Status [%d]: %s", e.Method, e.Endpoint, e.StatusCode, e.Message())
}

// Message returns the structured message of the error body when present
func (e *APIError) Message() string {
	if m, ok := e.Data.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return GenericErrorMessage
}

// FieldErrors returns the per-field validation errors reported by the tracker
func (e *APIError) FieldErrors() map[string]string {
	m, ok := e.Data.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["errors"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// newAPIError parses an error body, falling back to a message envelope
func newAPIError(method, endpoint string, status int, body []byte) *APIError {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		data = map[string]any{
			"message": UnrecognisedErrorMessage,
			"raw":     string(body),
		}
	}
	return &APIError{StatusCode: status, Method: method, Endpoint: endpoint, Data: data}
}

// AsAPIError extracts an APIError from an error chain
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFoundError checks if the error is a 404 from the tracker
func IsNotFoundError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// IsAuthenticationError checks if the error is related to authentication
func IsAuthenticationError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusUnauthorized
}

// IsAuthorizationError checks if the error is related to insufficient permissions
func IsAuthorizationError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusForbidden
}

// IsValidationError checks if the error is a local request validation failure
func IsValidationError(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == "validation_error"
}

// UserMessage returns the message to show for any error raised by the client
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Message()
	}
	return err.Error()
}
