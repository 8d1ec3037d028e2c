package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomstack/loom/llm"
	"github.com/loomstack/loom/tool"
)

// scriptedProvider replays one chunk script per Stream call.
type scriptedProvider struct {
	scripts  [][]llm.StreamChunk
	calls    int
	features llm.FeatureSet
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	chunks, err := p.next()
	if err != nil {
		return nil, err
	}
	var content string
	for _, c := range chunks {
		content += c.Delta.Content
	}
	return &llm.ChatResponse{
		Model:   "scripted",
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: content}}},
	}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	chunks, err := p.next()
	if err != nil {
		return nil, err
	}
	out := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) next() ([]llm.StreamChunk, error) {
	if p.calls >= len(p.scripts) {
		return nil, assert.AnError
	}
	chunks := p.scripts[p.calls]
	p.calls++
	return chunks, nil
}

func (p *scriptedProvider) Name() string             { return "scripted" }
func (p *scriptedProvider) Features() llm.FeatureSet { return p.features }
func (p *scriptedProvider) Pricing() llm.Pricing {
	return llm.Pricing{Input: 1, Output: 2, Unit: 0.001}
}

func textChunk(s string) llm.StreamChunk {
	return llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: s}}
}

func runAndDrain(t *testing.T, r *Runner, query string, history []llm.Message) []*AgentThought {
	t.Helper()
	q, err := NewQueue(context.Background(), "task", "user", InvokeFromDebugger, nil, zap.NewNop())
	require.NoError(t, err)

	go func() { _ = r.Run(context.Background(), q, query, history) }()
	return drainQueue(t, q, 5*time.Second)
}

func eventKinds(thoughts []*AgentThought) []QueueEvent {
	kinds := make([]QueueEvent, 0, len(thoughts))
	for _, th := range thoughts {
		kinds = append(kinds, th.Event)
	}
	return kinds
}

func TestRunnerFuncallToolLoop(t *testing.T) {
	provider := &scriptedProvider{
		features: llm.NewFeatureSet(llm.FeatureToolCall, llm.FeatureAgentThought),
		scripts: [][]llm.StreamChunk{
			{{Delta: llm.Message{ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      "echo",
				Arguments: json.RawMessage(`{"text":"hi"}`),
			}}}}},
			{textChunk("The answer"), textChunk(" is 42.")},
		},
	}

	invoked := 0
	echo := &tool.Func{
		ToolName: "echo",
		Desc:     "echoes its input",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			invoked++
			return "echo: " + args["text"].(string), nil
		},
	}

	r, err := NewRunner(Config{Tools: []tool.Tool{echo}}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	thoughts := runAndDrain(t, r, "what is the answer?", nil)
	kinds := eventKinds(thoughts)
	require.Equal(t, []QueueEvent{
		EventAgentThought,
		EventAgentAction,
		EventAgentMessage,
		EventAgentMessage,
		EventAgentMessage, // usage-bearing final chunk of the same message
		EventAgentEnd,
	}, kinds)
	assert.Equal(t, 1, invoked)

	action := thoughts[1]
	assert.Equal(t, "echo", action.Tool)
	assert.Equal(t, "echo: hi", action.Observation)

	acc := NewAccumulator()
	for _, th := range thoughts {
		acc.Add(th)
	}
	var answer string
	for _, th := range acc.Thoughts() {
		if th.Event == EventAgentMessage {
			answer = th.Answer
		}
	}
	assert.Equal(t, "The answer is 42.", answer)

	end := thoughts[len(thoughts)-1]
	assert.Greater(t, end.TotalTokens, 0)
	assert.Greater(t, end.TotalPrice, 0.0)
}

func TestRunnerFuncallReassemblesFragmentedToolCall(t *testing.T) {
	// One call split over three deltas sharing index 0: id and name first,
	// then the argument text in pieces.
	provider := &scriptedProvider{
		features: llm.NewFeatureSet(llm.FeatureToolCall, llm.FeatureAgentThought),
		scripts: [][]llm.StreamChunk{
			{
				{Delta: llm.Message{ToolCalls: []llm.ToolCall{{
					Index: 0,
					ID:    "call-1",
					Name:  "lookup",
				}}}},
				{Delta: llm.Message{ToolCalls: []llm.ToolCall{{
					Index:     0,
					Arguments: json.RawMessage(`{"q":`),
				}}}},
				{Delta: llm.Message{ToolCalls: []llm.ToolCall{{
					Index:     0,
					Arguments: json.RawMessage(`"weather"}`),
				}}}},
			},
			{textChunk("Sunny.")},
		},
	}

	invoked := 0
	lookup := &tool.Func{
		ToolName: "lookup",
		Desc:     "looks things up",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			invoked++
			return "found: " + args["q"].(string), nil
		},
	}

	r, err := NewRunner(Config{Tools: []tool.Tool{lookup}}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	thoughts := runAndDrain(t, r, "weather?", nil)
	require.Equal(t, 1, invoked, "fragments must merge into a single invocation")

	var action *AgentThought
	for _, th := range thoughts {
		if th.Event == EventAgentAction {
			require.Nil(t, action, "expected exactly one action")
			action = th
		}
	}
	require.NotNil(t, action)
	assert.Equal(t, "lookup", action.Tool)
	assert.JSONEq(t, `{"q":"weather"}`, action.ToolInput)
	assert.Equal(t, "found: weather", action.Observation)
}

func TestRunnerReactToolLoop(t *testing.T) {
	provider := &scriptedProvider{
		features: llm.NewFeatureSet(), // no native tool calling
		scripts: [][]llm.StreamChunk{
			{textChunk("```json\n{\"name\": \"lookup\", \"args\": {\"q\": \"go\"}}\n```")},
			{textChunk("Go is a programming language.")},
		},
	}

	lookup := &tool.Func{
		ToolName: "lookup",
		Desc:     "looks things up",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "go: a language", nil
		},
	}

	r, err := NewRunner(Config{Tools: []tool.Tool{lookup}}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	thoughts := runAndDrain(t, r, "what is go?", nil)
	kinds := eventKinds(thoughts)
	require.Equal(t, []QueueEvent{
		EventAgentThought,
		EventAgentAction,
		EventAgentMessage,
		EventAgentMessage,
		EventAgentEnd,
	}, kinds)

	assert.Equal(t, "lookup", thoughts[0].Tool)
	assert.JSONEq(t, `{"q":"go"}`, thoughts[0].ToolInput)
}

func TestRunnerReactFenceParseFailureFallsBackToText(t *testing.T) {
	provider := &scriptedProvider{
		features: llm.NewFeatureSet(),
		scripts: [][]llm.StreamChunk{
			{textChunk("```json\nnot actually json\n```")},
		},
	}

	r, err := NewRunner(Config{Tools: []tool.Tool{&tool.Func{
		ToolName: "noop",
		Fn:       func(ctx context.Context, args map[string]any) (string, error) { return "", nil },
	}}}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	thoughts := runAndDrain(t, r, "hello", nil)
	kinds := eventKinds(thoughts)
	require.Equal(t, []QueueEvent{EventAgentMessage, EventAgentEnd}, kinds)
	assert.Contains(t, thoughts[0].Answer, "not actually json")
}

func TestRunnerPresetCheckShortCircuits(t *testing.T) {
	provider := &scriptedProvider{features: llm.NewFeatureSet(llm.FeatureToolCall)}
	r, err := NewRunner(Config{
		Review: &ReviewConfig{
			Keywords: []string{"forbidden"},
			Inputs:   ReviewInputs{Enabled: true, PresetResponse: "I cannot help with that."},
		},
	}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	thoughts := runAndDrain(t, r, "tell me something FORBIDDEN", nil)
	require.Equal(t, []QueueEvent{EventAgentMessage, EventAgentEnd}, eventKinds(thoughts))
	assert.Equal(t, "I cannot help with that.", thoughts[0].Answer)
	assert.Zero(t, provider.calls, "model must not be reached")
}

func TestRunnerRejectsOddHistory(t *testing.T) {
	provider := &scriptedProvider{features: llm.NewFeatureSet(llm.FeatureToolCall)}
	r, err := NewRunner(Config{}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	q, err := NewQueue(context.Background(), "task", "user", InvokeFromDebugger, nil, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), q, "hi", []llm.Message{
			{Role: llm.RoleUser, Content: "dangling human turn"},
		})
	}()

	thoughts := drainQueue(t, q, 3*time.Second)
	require.Equal(t, []QueueEvent{EventError}, eventKinds(thoughts))
	assert.ErrorIs(t, <-done, ErrUnevenHistory)
}

func TestRunnerLLMErrorPublishesErrorEvent(t *testing.T) {
	provider := &scriptedProvider{features: llm.NewFeatureSet(llm.FeatureToolCall)} // no scripts: first call fails
	r, err := NewRunner(Config{}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	q, err := NewQueue(context.Background(), "task", "user", InvokeFromDebugger, nil, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), q, "hi", nil) }()

	thoughts := drainQueue(t, q, 3*time.Second)
	require.Equal(t, []QueueEvent{EventError}, eventKinds(thoughts))
	assert.Error(t, <-done)
}

func TestRunnerMemoryRecallEvent(t *testing.T) {
	provider := &scriptedProvider{
		features: llm.NewFeatureSet(llm.FeatureToolCall),
		scripts:  [][]llm.StreamChunk{{textChunk("hello again")}},
	}
	r, err := NewRunner(Config{
		Memory: LongTermMemory{Enabled: true, Summary: "the user likes Go"},
	}, provider, nil, zap.NewNop())
	require.NoError(t, err)

	thoughts := runAndDrain(t, r, "hi", nil)
	require.NotEmpty(t, thoughts)
	assert.Equal(t, EventLongTermMemoryRecall, thoughts[0].Event)
	assert.Equal(t, "the user likes Go", thoughts[0].Observation)
}
