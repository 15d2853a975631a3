// Package api is the REST client for the support backend.
//
// All hand-off endpoints, the conversation history, support statistics and
// the AI chat stream go through one Client. Non-2xx responses are returned
// as *APIError.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/logging"
	"github.com/kubilitics/handoff/internal/metrics"
	"github.com/kubilitics/handoff/internal/protocol"
	"github.com/kubilitics/handoff/internal/tracing"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; chat streams are bounded by ctx.
	streamClient *http.Client
	logger       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for regular requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the per-request timeout of non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8000".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	transport := tracing.Transport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	})
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: defaultTimeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("api")
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ListSupportConversations returns one page of the support inbox.
func (c *Client) ListSupportConversations(ctx context.Context, opts ListOptions) (*SupportConversationList, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.SortBy != "" {
		q.Set("sort_by", opts.SortBy)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(max(opts.Offset, 0)))

	var out SupportConversationList
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/api/v1/support/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHandoffState fetches the hand-off record of a conversation.
func (c *Client) GetHandoffState(ctx context.Context, conversationID string) (*ConversationState, error) {
	var out ConversationState
	if err := c.do(ctx, "get_handoff", http.MethodGet, "/api/v1/support/handoff/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartHandoff asks the backend to give the conversation to operator.
// A response with success=false is returned as *HandoffError.
func (c *Client) StartHandoff(ctx context.Context, conversationID, operator, reason string) (*HandoffResponse, error) {
	var out HandoffResponse
	body := startHandoffRequest{Operator: operator, Reason: reason}
	if err := c.do(ctx, "start_handoff", http.MethodPost, "/api/v1/support/handoff/"+url.PathEscape(conversationID), body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, handoffFailure(conversationID, &out)
	}
	return &out, nil
}

// EndHandoff returns the conversation to the AI.
func (c *Client) EndHandoff(ctx context.Context, conversationID, operator, summary string) (*HandoffResponse, error) {
	var out HandoffResponse
	body := endHandoffRequest{Operator: operator, Summary: summary}
	path := "/api/v1/support/handoff/" + url.PathEscape(conversationID) + "/close"
	if err := c.do(ctx, "end_handoff", http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, handoffFailure(conversationID, &out)
	}
	return &out, nil
}

func handoffFailure(conversationID string, resp *HandoffResponse) *HandoffError {
	msg := resp.Error
	if msg == "" {
		msg = "rejected by server"
	}
	return &HandoffError{ConversationID: conversationID, Message: msg, CurrentOperator: resp.CurrentOperator}
}

// GetConversation fetches a conversation with its history.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error) {
	var out ConversationDetail
	if err := c.do(ctx, "get_conversation", http.MethodGet, "/api/v1/conversations/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendHumanMessage is the REST fallback for an operator message.
func (c *Client) SendHumanMessage(ctx context.Context, conversationID, content, operator string, images ...protocol.Image) (*HumanMessageResponse, error) {
	var out HumanMessageResponse
	body := humanMessageRequest{Content: content, Operator: operator, Images: images}
	if err := c.do(ctx, "send_message", http.MethodPost, "/api/v1/support/message/"+url.PathEscape(conversationID), body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "message rejected"
		}
		return nil, &HandoffError{ConversationID: conversationID, Message: msg}
	}
	return &out, nil
}

// GetSupportStats returns the counters behind the support badge.
func (c *Client) GetSupportStats(ctx context.Context) (*SupportStats, error) {
	var out SupportStats
	if err := c.do(ctx, "stats", http.MethodGet, "/api/v1/support/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateUser registers an anonymous end user.
func (c *Client) CreateUser(ctx context.Context) (*User, error) {
	var out User
	if err := c.do(ctx, "create_user", http.MethodPost, "/api/v1/users", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation opens a new conversation for userID.
func (c *Client) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, "create_conversation", http.MethodPost, "/api/v1/conversations", createConversationRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do performs a JSON request. endpoint is the metrics label.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	metrics.APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := newAPIError(resp.StatusCode, raw)
		c.logger.Debug("request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Payload.Code),
		)
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s %s: decode: %w", method, endpoint, err)
	}
	return nil
}
