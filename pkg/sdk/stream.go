package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Stream is an open chat SSE stream. Recv until io.EOF, then Close. Close
// is safe to defer immediately after ChatStream returns.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// ChatStream opens a streaming chat turn. A non-2xx answer surfaces as
// *APIError before any event is read; failures mid-stream arrive as an
// EventError frame followed by io.EOF.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	resp, err := c.postJSON(ctx, "/api/chat", req)
	if err != nil {
		return nil, fmt.Errorf("sdk: chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Recv returns the next event. io.EOF ends the stream; any other error is
// a transport failure.
func (s *Stream) Recv() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return StreamEvent{}, fmt.Errorf("sdk: malformed stream frame: %w", err)
		}
		if ev.Type == EventDone {
			s.done = true
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return StreamEvent{}, fmt.Errorf("sdk: stream read failed: %w", err)
	}
	s.done = true
	return StreamEvent{}, io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Collect drains the stream into the concatenated token text plus every
// event seen. It stops at the done frame or stream end; an in-stream error
// frame is returned as *APIError with status 0.
func (s *Stream) Collect() (string, []StreamEvent, error) {
	var text strings.Builder
	var events []StreamEvent
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return text.String(), events, nil
		}
		if err != nil {
			return text.String(), events, err
		}
		events = append(events, ev)
		if tok, ok := ev.Token(); ok {
			text.WriteString(tok)
		}
		if ev.Type == EventError {
			apiErr := &APIError{Code: "stream_error"}
			var body struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(ev.Data, &body) == nil && body.Code != "" {
				apiErr.Code = body.Code
				apiErr.Message = body.Message
			}
			return text.String(), events, apiErr
		}
	}
}
