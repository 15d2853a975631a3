package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/metrics"
)

const maxEventSize = 1 << 20

// StreamChat posts a chat turn and calls fn for every event of the SSE
// response, in order. It returns when the stream ends, when fn returns an
// error, or when the server sends an error event (as *StreamError).
//
// Cancelling ctx is a silent abort: StreamChat returns nil and fn is not
// called again.
func (c *Client) StreamChat(ctx context.Context, chat ChatRequest, fn func(ChatEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat", chat)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			metrics.StreamsAborted.Inc()
			return nil
		}
		metrics.APIRequestsTotal.WithLabelValues("chat", "error").Inc()
		return fmt.Errorf("POST chat: %w", err)
	}
	defer resp.Body.Close()
	metrics.APIRequestsTotal.WithLabelValues("chat", strconv.Itoa(resp.StatusCode)).Inc()
	defer func() {
		metrics.APIRequestDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newAPIError(resp.StatusCode, raw)
	}

	err = c.readEvents(ctx, resp.Body, fn)
	if ctx.Err() != nil {
		metrics.StreamsAborted.Inc()
		c.logger.Debug("chat stream aborted", zap.String("conversation_id", chat.ConversationID))
		return nil
	}
	return err
}

// readEvents treats every data line as one event; the backend never splits
// an event over several lines.
func (c *Client) readEvents(ctx context.Context, body io.Reader, fn func(ChatEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" || raw == "[DONE]" {
			continue
		}

		var ev ChatEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			c.logger.Warn("dropping malformed chat event", zap.Error(err), zap.String("data", truncate(raw, 200)))
			continue
		}
		if ev.Type == ChatError {
			var p streamErrorPayload
			_ = ev.Decode(&p)
			if p.Message == "" {
				p.Message = "chat failed"
			}
			return &StreamError{Code: p.Code, Message: p.Message}
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("read chat stream: %w", err)
	}
	return nil
}
