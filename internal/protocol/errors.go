package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a server-side error classification carried by system.error.
type ErrorCode string

const (
	CodeAuthRequired         ErrorCode = "AUTH_REQUIRED"
	CodeAuthFailed           ErrorCode = "AUTH_FAILED"
	CodeAuthExpired          ErrorCode = "AUTH_EXPIRED"
	CodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	CodeNotInHumanMode       ErrorCode = "NOT_IN_HUMAN_MODE"
	CodeInvalidAction        ErrorCode = "INVALID_ACTION"
	CodeInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	CodeMissingField         ErrorCode = "MISSING_FIELD"
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeMessageSendFailed    ErrorCode = "MESSAGE_SEND_FAILED"
	CodeHandoffFailed        ErrorCode = "HANDOFF_FAILED"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeConnectionClosed     ErrorCode = "CONNECTION_CLOSED"
)

// IsAuth reports whether the code means the connection credentials were refused.
func (c ErrorCode) IsAuth() bool {
	switch c {
	case CodeAuthRequired, CodeAuthFailed, CodeAuthExpired, CodePermissionDenied:
		return true
	}
	return false
}

// ErrUnknownAction is returned by Dispatch for actions this client does not know.
// Callers should log and drop the frame.
var ErrUnknownAction = errors.New("unknown action")

// DecodeError reports a frame that could not be parsed into an Envelope.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PayloadError reports a known action whose payload is missing a required
// field or has the wrong shape.
type PayloadError struct {
	Action Action
	Field  string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s payload: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("invalid %s payload: missing %s", e.Action, e.Field)
}

func (e *PayloadError) Unwrap() error { return e.Err }
