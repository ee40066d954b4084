package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// SSEOptions configures an SSEClient.
type SSEOptions struct {
	BaseURL        string
	APIKey         string
	StallThreshold time.Duration
	// SessionToken supplies the wallet session header, if any.
	SessionToken func() string
	HTTPClient   *http.Client
}

// SSEClient streams turns from the chat backend over server-sent events.
type SSEClient struct {
	baseURL        string
	apiKey         string
	stallThreshold time.Duration
	sessionToken   func() string
	httpClient     *http.Client
}

// NewSSEClient creates a backend client.
func NewSSEClient(opts SSEOptions) *SSEClient {
	client := opts.HTTPClient
	if client == nil {
		// No overall timeout: streams run until completion or abort.
		client = &http.Client{}
	}
	return &SSEClient{
		baseURL:        strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		stallThreshold: opts.StallThreshold,
		sessionToken:   opts.SessionToken,
		httpClient:     client,
	}
}

type chatRequest struct {
	ConversationID string          `json:"conversationId"`
	Messages       []types.Message `json:"messages"`
}

// Open posts the turn to /api/chat and returns once the backend has accepted
// it and the event stream has started.
func (c *SSEClient) Open(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(chatRequest{ConversationID: req.ConversationID, Messages: req.Messages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.sessionToken != nil {
		if tok := c.sessionToken(); tok != "" {
			httpReq.Header.Set("X-Wallet-Session", tok)
		}
	}

	logging.TransportDebug("HTTP POST %s/api/chat (conversation: %s, messages: %d)", c.baseURL, req.ConversationID, len(req.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		logging.Get(logging.CategoryTransport).Error("HTTP request failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		logging.Get(logging.CategoryTransport).Error("API error %d: %s", resp.StatusCode, string(msg))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{
		conversationID: req.ConversationID,
		ctx:            ctx,
		cancel:         cancel,
		body:           resp.Body,
		scanner:        scanner,
		stall:          newStallObserver(c.stallThreshold),
	}, nil
}

type sseStream struct {
	conversationID string
	ctx            context.Context
	cancel         context.CancelFunc
	body           io.ReadCloser
	scanner        *bufio.Scanner
	stall          *stallObserver

	finished  bool  // finish event seen
	err       error // terminal result, repeated by later Recv calls
	closeOnce sync.Once
}

// Recv returns the next event. Malformed frames are skipped.
func (s *sseStream) Recv() (types.StreamEvent, error) {
	if s.err != nil {
		return types.StreamEvent{}, s.err
	}
	for s.scanner.Scan() {
		if s.ctx.Err() != nil {
			return s.fail(ErrAborted)
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		s.stall.observe(s.conversationID)

		if data == "[DONE]" {
			logging.TransportDebug("SSE stream for %s received [DONE]", s.conversationID)
			return s.fail(io.EOF)
		}

		var ev types.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logging.TransportDebug("Skipping malformed SSE frame: %v", err)
			continue
		}

		switch ev.Type {
		case types.EventError:
			return s.fail(fmt.Errorf("%w: %s", ErrStreamError, ev.Error))
		case types.EventFinish:
			s.finished = true
			return ev, nil
		case types.EventTextDelta, types.EventReasoning, types.EventToolCall, types.EventToolResult:
			return ev, nil
		default:
			// start/step markers and other frames carry nothing to render
			continue
		}
	}

	if s.ctx.Err() != nil {
		return s.fail(ErrAborted)
	}
	if err := s.scanner.Err(); err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrStreamError, err))
	}
	if s.finished {
		return s.fail(io.EOF)
	}
	return s.fail(fmt.Errorf("%w: stream ended before completion", ErrStreamError))
}

// Abort cancels the request and closes the body, unblocking Recv.
func (s *sseStream) Abort() {
	s.close()
}

// fail ends the stream with err; io.EOF is normal completion.
func (s *sseStream) fail(err error) (types.StreamEvent, error) {
	s.close()
	s.err = err
	if s.stall.stalls > 0 {
		logging.Transport("Stream for %s had %d stalls (max gap %s)", s.conversationID, s.stall.stalls, s.stall.maxGap)
	}
	return types.StreamEvent{}, err
}

func (s *sseStream) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
}
