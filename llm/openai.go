package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/internal/tlsutil"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions provider.
// Any endpoint speaking the same wire format works by overriding BaseURL.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Pricing      Pricing
}

// OpenAIProvider talks to an OpenAI-compatible /v1/chat/completions
// endpoint, with SSE streaming.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Pricing.Unit == 0 {
		cfg.Pricing = Pricing{Input: 0.15, Output: 0.6, Unit: 0.000001}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", "openai")),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Features() FeatureSet {
	return NewFeatureSet(FeatureToolCall, FeatureAgentThought)
}

func (p *OpenAIProvider) Pricing() Pricing { return p.cfg.Pricing }

// --- wire format ---

type oaToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	Name       string       `json:"name,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float32     `json:"temperature,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
	Tools       []oaTool    `json:"tools,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaChoice struct {
	Index        int       `json:"index"`
	FinishReason string    `json:"finish_reason"`
	Message      oaMessage `json:"message"`
	Delta        oaMessage `json:"delta"`
}

type oaResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Created int64      `json:"created"`
	Choices []oaChoice `json:"choices"`
	Usage   *oaUsage   `json:"usage,omitempty"`
}

func toWireMessages(messages []Message) []oaMessage {
	out := make([]oaMessage, 0, len(messages))
	for _, m := range messages {
		wm := oaMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wtc := oaToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []ToolSchema) []oaTool {
	out := make([]oaTool, 0, len(tools))
	for _, t := range tools {
		wt := oaTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}

func fromWireMessage(m oaMessage) Message {
	msg := Message{
		Role:       Role(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for i, tc := range m.ToolCalls {
		// Streamed deltas carry an explicit index; buffered responses
		// imply it positionally.
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Index:     idx,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg
}

func (p *OpenAIProvider) buildRequest(req *ChatRequest, stream bool) oaRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	return oaRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Tools:       toWireTools(req.Tools),
		Stream:      stream,
	}
}

func (p *OpenAIProvider) post(ctx context.Context, body oaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	msg := ""
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8192)).Decode(&payload); err == nil {
		msg = payload.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("openai api error: status %d: %s", resp.StatusCode, msg)
}

func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	out := &ChatResponse{
		ID:       wire.ID,
		Provider: p.Name(),
		Model:    wire.Model,
	}
	if wire.Created != 0 {
		out.CreatedAt = time.Unix(wire.Created, 0)
	}
	for _, c := range wire.Choices {
		out.Choices = append(out.Choices, ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      fromWireMessage(c.Message),
		})
	}
	if wire.Usage != nil {
		out.Usage = ChatUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
			Cost:             p.cfg.Pricing.InputCost(wire.Usage.PromptTokens) + p.cfg.Pricing.OutputCost(wire.Usage.CompletionTokens),
		}
	}
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					return
				}
				continue
			}

			var wire oaResponse
			if err := json.Unmarshal([]byte(data), &wire); err != nil {
				p.logger.Warn("skipping malformed stream event", zap.Error(err))
				continue
			}

			chunk := StreamChunk{ID: wire.ID, Model: wire.Model}
			if len(wire.Choices) > 0 {
				chunk.Delta = fromWireMessage(wire.Choices[0].Delta)
				chunk.FinishReason = wire.Choices[0].FinishReason
			}
			if wire.Usage != nil {
				chunk.Usage = &ChatUsage{
					PromptTokens:     wire.Usage.PromptTokens,
					CompletionTokens: wire.Usage.CompletionTokens,
					TotalTokens:      wire.Usage.TotalTokens,
					Cost:             p.cfg.Pricing.InputCost(wire.Usage.PromptTokens) + p.cfg.Pricing.OutputCost(wire.Usage.CompletionTokens),
				}
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Err: fmt.Errorf("read stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
