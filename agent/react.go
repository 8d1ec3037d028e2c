package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/llm"
)

// reactFence opens the fenced block a ReACT model emits as the very start
// of its output to request a tool call.
const reactFence = "```json"

const reactToolInstructions = `

You may call one tool per turn. To call a tool, reply with ONLY a fenced json block and nothing before it:
` + "```json\n{\"name\": \"<tool name>\", \"args\": {<arguments>}}\n```" + `
Available tools:
%s
Otherwise reply with your final answer as plain text.`

func (r *Runner) reactToolSection() string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, r.tools[name].Description())
	}
	return fmt.Sprintf(reactToolInstructions, sb.String())
}

// reactStep runs one llm turn in the ReACT dialect for models without
// native tool calling. The stream is classified by its opening characters:
// an output beginning with the json fence is a tool request (at most one
// per turn), anything else is a plain text answer streamed out as
// agent_message chunks. A fence that fails to parse falls back to a text
// answer.
func (r *Runner) reactStep(ctx context.Context, q *Queue, run *runState, withTools bool) (*stepResult, error) {
	started := time.Now()
	stream, err := r.provider.Stream(ctx, &llm.ChatRequest{Messages: run.messages})
	if err != nil {
		return nil, fmt.Errorf("llm stream: %w", err)
	}

	msgID := uuid.NewString()
	model := ""
	var sb strings.Builder
	classified := false
	fenced := false
	delivered := false
	streamOut := !r.outputModerated()

	for chunk := range stream {
		if chunk.Err != nil {
			return nil, fmt.Errorf("llm stream: %w", chunk.Err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Delta.Content == "" {
			continue
		}

		before := sb.Len()
		sb.WriteString(chunk.Delta.Content)

		if !classified {
			if len(strings.TrimLeft(sb.String(), " \t\r\n")) < len(reactFence) {
				continue // not enough characters to classify yet
			}
			classified = true
			fenced = strings.HasPrefix(strings.TrimLeft(sb.String(), " \t\r\n"), reactFence)
			if !fenced && streamOut {
				delivered = true
				q.Publish(&AgentThought{ID: msgID, Event: EventAgentMessage, Answer: sb.String()})
			}
			continue
		}
		if !fenced && streamOut {
			delivered = true
			q.Publish(&AgentThought{ID: msgID, Event: EventAgentMessage, Answer: sb.String()[before:]})
		}
	}
	output := sb.String()
	if !classified {
		fenced = strings.HasPrefix(strings.TrimLeft(output, " \t\r\n"), reactFence)
	}

	run.messages = append(run.messages, llm.Message{Role: llm.RoleAssistant, Content: output})

	if fenced && withTools {
		if name, args, ok := parseReactCall(output); ok {
			thought := &AgentThought{
				Event:     EventAgentThought,
				Thought:   output,
				Tool:      name,
				ToolInput: string(args),
			}
			r.account(run, thought, model, output, started)
			q.Publish(thought)

			call := llm.ToolCall{ID: uuid.NewString(), Name: name, Arguments: args}
			return &stepResult{calls: []llm.ToolCall{call}}, nil
		}
		r.logger.Warn("unparseable tool fence, treating output as answer")
	}

	// Text answer. Anything not already streamed (buffered moderation,
	// failed fence parse, fence with tools withheld) goes out whole.
	answer := r.maskAnswer(output)
	final := &AgentThought{ID: msgID, Event: EventAgentMessage}
	if !delivered {
		final.Answer = answer
	}
	r.account(run, final, model, answer, started)
	q.Publish(final)

	return &stepResult{done: true, text: answer}, nil
}

// parseReactCall extracts {name, args} from a fenced json block.
func parseReactCall(output string) (string, json.RawMessage, bool) {
	trimmed := strings.TrimLeft(output, " \t\r\n")
	if !strings.HasPrefix(trimmed, reactFence) {
		return "", nil, false
	}
	body := trimmed[len(reactFence):]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}

	var call struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &call); err != nil || call.Name == "" {
		return "", nil, false
	}
	if len(call.Args) == 0 {
		call.Args = json.RawMessage(`{}`)
	}
	return call.Name, call.Args, true
}
