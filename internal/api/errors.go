package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorPayload is the error body the backend returns with non-2xx responses.
type ErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Payload ErrorPayload
}

func (e *APIError) Error() string {
	if e.Payload.Code != "" {
		return fmt.Sprintf("api: HTTP %d %s: %s", e.Status, e.Payload.Code, e.Payload.Message)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Payload.Message)
}

// newAPIError builds an APIError from a response body. Bodies that are not
// the structured payload are kept as the message, truncated.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if err := json.Unmarshal(body, &e.Payload); err != nil || e.Payload.Message == "" {
		// FastAPI validation errors come back as {"detail": ...}
		var detail struct {
			Detail any `json:"detail"`
		}
		if json.Unmarshal(body, &detail) == nil && detail.Detail != nil {
			if s, ok := detail.Detail.(string); ok {
				e.Payload.Message = s
			} else {
				e.Payload.Message = truncate(string(body), 200)
			}
		} else {
			e.Payload.Message = truncate(string(body), 200)
		}
	}
	if e.Payload.Message == "" {
		e.Payload.Message = http.StatusText(status)
	}
	return e
}

func statusIs(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func IsNotFound(err error) bool           { return statusIs(err, http.StatusNotFound) }
func IsForbidden(err error) bool          { return statusIs(err, http.StatusForbidden) }
func IsUnauthorized(err error) bool       { return statusIs(err, http.StatusUnauthorized) }
func IsServiceUnavailable(err error) bool { return statusIs(err, http.StatusServiceUnavailable) }
func IsBadRequest(err error) bool         { return statusIs(err, http.StatusBadRequest) }
func IsValidationError(err error) bool    { return statusIs(err, http.StatusUnprocessableEntity) }

// ErrorCode returns the backend error code carried by err, if any.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Payload.Code
	}
	return ""
}

// HandoffError is a 2xx hand-off response with success=false.
type HandoffError struct {
	ConversationID  string
	Message         string
	CurrentOperator string
}

func (e *HandoffError) Error() string {
	if e.CurrentOperator != "" {
		return fmt.Sprintf("handoff %s: %s (current operator %s)", e.ConversationID, e.Message, e.CurrentOperator)
	}
	return fmt.Sprintf("handoff %s: %s", e.ConversationID, e.Message)
}

// StreamError is an error event received on a chat stream.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return "chat stream: " + e.Code + ": " + e.Message
	}
	return "chat stream: " + e.Message
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
