package connection

import (
	"fmt"
	"net/url"

	"github.com/kubilitics/handoff/internal/protocol"
)

// State is the lifecycle state of a Manager.
type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateOpen       State = "OPEN"
	StateClosed     State = "CLOSED"
)

// Target identifies the one logical connection a Manager owns.
type Target struct {
	Role           protocol.Role
	ConversationID string
	ViewerID       string
}

// Valid reports whether the target names a role, a conversation and a viewer.
func (t Target) Valid() bool {
	return t.Role.Valid() && t.ConversationID != "" && t.ViewerID != ""
}

// TokenProvider returns the credential sent in the connection URL.
type TokenProvider func(role protocol.Role, viewerID string) string

// PrefixedToken is the backend's default scheme: "<role>_<viewer id>".
func PrefixedToken(role protocol.Role, viewerID string) string {
	return string(role) + "_" + viewerID
}

// BuildURL returns <base>/ws/<role>/<conversation>?token=<token>.
func BuildURL(base string, t Target, tokens TokenProvider) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse websocket base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if tokens == nil {
		tokens = PrefixedToken
	}

	u = u.JoinPath("ws", string(t.Role), url.PathEscape(t.ConversationID))
	q := u.Query()
	q.Set("token", tokens(t.Role, t.ViewerID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
