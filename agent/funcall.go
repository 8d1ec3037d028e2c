package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/llm"
)

// permissiveSchema is the parameter schema advertised for tools that do not
// declare one.
var permissiveSchema = json.RawMessage(`{"type":"object","additionalProperties":true}`)

func (r *Runner) toolSchemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(r.config.Tools))
	for _, t := range r.config.Tools {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  permissiveSchema,
		})
	}
	return schemas
}

// funcallStep runs one llm turn in the native tool-calling dialect. The
// stream classifies itself: any tool_calls delta makes the turn a tool
// request (one agent_thought event with the serialized calls); otherwise
// text deltas stream out as incremental agent_message chunks sharing one
// id. Tool-call deltas arrive fragmented and are reassembled per index
// before any call is acted on.
func (r *Runner) funcallStep(ctx context.Context, q *Queue, run *runState, withTools bool) (*stepResult, error) {
	req := &llm.ChatRequest{Messages: run.messages}
	if withTools {
		req.Tools = r.toolSchemas()
	}

	started := time.Now()
	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm stream: %w", err)
	}

	msgID := uuid.NewString()
	model := ""
	var sb strings.Builder
	var callAcc llm.ToolCallAccumulator
	streamOut := !r.outputModerated()

	for chunk := range stream {
		if chunk.Err != nil {
			return nil, fmt.Errorf("llm stream: %w", chunk.Err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Delta.ToolCalls) > 0 {
			callAcc.Add(chunk.Delta.ToolCalls)
			continue
		}
		if chunk.Delta.Content == "" {
			continue
		}
		sb.WriteString(chunk.Delta.Content)
		if streamOut && callAcc.Len() == 0 {
			q.Publish(&AgentThought{ID: msgID, Event: EventAgentMessage, Answer: chunk.Delta.Content})
		}
	}
	text := sb.String()

	if calls := callAcc.Calls(); len(calls) > 0 {
		serialized, _ := json.Marshal(calls)
		thought := &AgentThought{Event: EventAgentThought, Thought: string(serialized)}
		r.account(run, thought, model, text, started)
		q.Publish(thought)

		run.messages = append(run.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		return &stepResult{calls: calls}, nil
	}

	text = r.maskAnswer(text)
	final := &AgentThought{ID: msgID, Event: EventAgentMessage}
	if !streamOut {
		// Moderated output was buffered; deliver the full masked answer now.
		final.Answer = text
	}
	r.account(run, final, model, text, started)
	q.Publish(final)

	run.messages = append(run.messages, llm.Message{Role: llm.RoleAssistant, Content: text})
	return &stepResult{done: true, text: text}, nil
}
