package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// =============================================================================
// GOOGLE GENAI STREAMING TRANSPORT
// =============================================================================

// GeminiOptions configures a GeminiClient.
type GeminiOptions struct {
	APIKey          string
	Model           string
	SystemPrompt    string
	IncludeThoughts bool
	StallThreshold  time.Duration
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// GeminiClient streams turns directly from the Gemini API. Thought parts are
// reported as reasoning events.
type GeminiClient struct {
	client *genai.Client
	opts   GeminiOptions
}

// NewGeminiClient creates a Gemini transport.
func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash"
	}

	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, opts: opts}, nil
}

// Open starts a streaming generation and waits for the first chunk, so that
// API rejections (auth, quota, unknown model) are returned here as
// ErrRequestFailed instead of from the first Recv.
func (g *GeminiClient) Open(ctx context.Context, req Request) (Stream, error) {
	contents := toContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("%w: no messages to send", ErrRequestFailed)
	}

	config := &genai.GenerateContentConfig{}
	if g.opts.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(g.opts.SystemPrompt, genai.RoleUser)
	}
	if g.opts.IncludeThoughts {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	logging.TransportDebug("GenAI stream %s (conversation: %s, contents: %d)", g.opts.Model, req.ConversationID, len(contents))

	ctx, cancel := context.WithCancel(ctx)
	seq := g.client.Models.GenerateContentStream(ctx, g.opts.Model, contents, config)
	next, stop := iter.Pull2(seq)
	s := &geminiStream{
		conversationID: req.ConversationID,
		ctx:            ctx,
		cancel:         cancel,
		next:           next,
		stop:           stop,
		stall:          newStallObserver(g.opts.StallThreshold),
	}

	timer := logging.StartTimer(logging.CategoryTransport, "gemini first chunk")
	resp, err, ok := next()
	timer.StopWithThreshold(firstChunkWarn)
	switch {
	case ctx.Err() != nil:
		s.finish(ErrAborted)
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, ctx.Err())
	case err != nil:
		s.finish(err)
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	case !ok:
		s.finish(io.EOF)
	default:
		s.started = true
		s.stall.observe(s.conversationID)
		s.pending = eventsFromResponse(resp)
	}
	return s, nil
}

// firstChunkWarn is how long the first chunk may take before Open logs a warning.
const firstChunkWarn = 10 * time.Second

type geminiStream struct {
	conversationID string
	ctx            context.Context
	cancel         context.CancelFunc
	next           func() (*genai.GenerateContentResponse, error, bool)
	stop           func()
	stall          *stallObserver

	pending  []types.StreamEvent
	started  bool
	err      error
	stopOnce sync.Once
}

func (s *geminiStream) Recv() (types.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.err != nil {
			return types.StreamEvent{}, s.err
		}

		resp, err, ok := s.next()
		switch {
		case s.ctx.Err() != nil:
			s.finish(ErrAborted)
		case !ok:
			s.finish(io.EOF)
		case err != nil:
			if !s.started {
				s.finish(fmt.Errorf("%w: %v", ErrRequestFailed, err))
			} else {
				s.finish(fmt.Errorf("%w: %v", ErrStreamError, err))
			}
		default:
			s.started = true
			s.stall.observe(s.conversationID)
			s.pending = append(s.pending, eventsFromResponse(resp)...)
		}
	}
}

// Abort cancels the generation. The iterator itself is released by the
// goroutine calling Recv.
func (s *geminiStream) Abort() {
	s.cancel()
}

func (s *geminiStream) finish(err error) {
	s.err = err
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// toContents maps chat history to GenAI contents. Reasoning parts are not
// replayed.
func toContents(msgs []types.Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == types.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		var results []*genai.Part
		for _, p := range m.Parts {
			switch p.Kind {
			case types.PartText:
				if p.Text != "" {
					parts = append(parts, genai.NewPartFromText(p.Text))
				}
			case types.PartToolInvocation:
				args := map[string]any{}
				_ = json.Unmarshal(p.Input, &args)
				part := genai.NewPartFromFunctionCall(p.ToolName, args)
				part.FunctionCall.ID = p.ToolCallID
				parts = append(parts, part)
			case types.PartToolResult:
				resp := map[string]any{}
				if err := json.Unmarshal(p.Output, &resp); err != nil {
					resp = map[string]any{"output": string(p.Output)}
				}
				part := genai.NewPartFromFunctionResponse(p.ToolName, resp)
				part.FunctionResponse.ID = p.ToolCallID
				results = append(results, part)
			}
		}
		if len(parts) > 0 {
			out = append(out, genai.NewContentFromParts(parts, role))
		}
		if len(results) > 0 {
			out = append(out, genai.NewContentFromParts(results, genai.RoleUser))
		}
	}
	return out
}

// eventsFromResponse translates one streamed chunk into events.
func eventsFromResponse(resp *genai.GenerateContentResponse) []types.StreamEvent {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]
	var events []types.StreamEvent
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				id := p.FunctionCall.ID
				if id == "" {
					id = uuid.NewString()
				}
				input, _ := json.Marshal(p.FunctionCall.Args)
				events = append(events, types.StreamEvent{
					Type:       types.EventToolCall,
					ToolCallID: id,
					ToolName:   p.FunctionCall.Name,
					Input:      input,
				})
			case p.Text == "":
			case p.Thought:
				events = append(events, types.StreamEvent{Type: types.EventReasoning, Delta: p.Text})
			default:
				events = append(events, types.StreamEvent{Type: types.EventTextDelta, Delta: p.Text})
			}
		}
	}
	if cand.FinishReason != "" {
		events = append(events, types.StreamEvent{Type: types.EventFinish, FinishReason: string(cand.FinishReason)})
	}
	return events
}
