package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured tool invocation request emitted by a model.
// In a streamed response one call arrives fragmented across deltas sharing
// an Index; ToolCallAccumulator reassembles them.
type ToolCall struct {
	Index     int             `json:"index,omitempty"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallAccumulator merges streamed tool-call fragments into whole calls.
// Providers split a call across deltas keyed by Index: the first fragment
// carries the id and name, later fragments append argument text. The zero
// value is ready to use.
type ToolCallAccumulator struct {
	order []int
	parts map[int]*ToolCall
}

func (a *ToolCallAccumulator) Add(deltas []ToolCall) {
	if a.parts == nil {
		a.parts = make(map[int]*ToolCall)
	}
	for _, d := range deltas {
		c, ok := a.parts[d.Index]
		if !ok {
			c = &ToolCall{Index: d.Index}
			a.parts[d.Index] = c
			a.order = append(a.order, d.Index)
		}
		if d.ID != "" {
			c.ID = d.ID
		}
		c.Name += d.Name
		c.Arguments = append(c.Arguments, d.Arguments...)
	}
}

func (a *ToolCallAccumulator) Len() int { return len(a.order) }

// Calls returns the assembled calls in first-seen order.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.parts[idx])
	}
	return out
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema describes a callable tool exposed to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"` // USD
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk is one increment of a streaming chat response. The final chunk
// may carry Usage; a failed stream carries Err on its last chunk.
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Err          error      `json:"-"`
}

// Feature flags gate which reasoning dialect and behaviors a model supports.
type Feature string

const (
	FeatureToolCall     Feature = "tool_call"
	FeatureAgentThought Feature = "agent_thought"
	FeatureImageInput   Feature = "image_input"
)

// FeatureSet is the set of features a model advertises.
type FeatureSet map[Feature]struct{}

func NewFeatureSet(features ...Feature) FeatureSet {
	fs := make(FeatureSet, len(features))
	for _, f := range features {
		fs[f] = struct{}{}
	}
	return fs
}

func (fs FeatureSet) Has(f Feature) bool {
	_, ok := fs[f]
	return ok
}

// Pricing is the per-unit token pricing for a model.
type Pricing struct {
	Input  float64 `json:"input"  yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
	Unit   float64 `json:"unit"   yaml:"unit"` // e.g. 0.001 for per-1K-token prices
}

// InputCost returns the cost of n prompt tokens.
func (p Pricing) InputCost(n int) float64 {
	return float64(n) * p.Input * p.Unit
}

// OutputCost returns the cost of n completion tokens.
func (p Pricing) OutputCost(n int) float64 {
	return float64(n) * p.Output * p.Unit
}

// Provider is the unified LLM adapter interface consumed by the workflow
// engine and the agent runner. Tool execution is not the provider's concern;
// the model only requests calls via ToolCalls in its response.
type Provider interface {
	// Completion issues a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request and returns a channel of
	// incremental chunks. The channel is closed when the stream ends.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the provider's unique identifier.
	Name() string

	// Features reports the capability flags of the underlying model.
	Features() FeatureSet

	// Pricing returns the token pricing of the underlying model.
	Pricing() Pricing
}
