package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/internal/metrics"
	"github.com/loomstack/loom/llm"
	"github.com/loomstack/loom/tool"
)

// DatasetRetrievalTool is the reserved tool name whose invocations are
// streamed as dataset_retrieval events instead of agent_action.
const DatasetRetrievalTool = "dataset_retrieval"

const memoryPromptSection = "\n\nHere is a summary of your earlier conversation with the user:\n%s"

const iterationLimitMessage = "Sorry, I have reached the reasoning step limit for this request and cannot continue. Please try rephrasing your question."

// Runner drives one agent invocation through the reasoning loop:
// preset-check, long-term-memory recall, then llm/tools iterations until a
// final answer or the iteration budget runs out. It is the producer side of
// the task queue; callers run it on its own goroutine while draining
// Queue.Listen.
type Runner struct {
	config   Config
	provider llm.Provider
	tools    map[string]tool.Tool
	counter  *llm.TokenCounter
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewRunner(cfg Config, provider llm.Provider, collector *metrics.Collector, logger *zap.Logger) (*Runner, error) {
	if provider == nil {
		return nil, ErrProviderNotSet
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tools := make(map[string]tool.Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t.Name()] = t
	}
	return &Runner{
		config:   cfg,
		provider: provider,
		tools:    tools,
		counter:  llm.NewTokenCounter(provider.Name()),
		metrics:  collector,
		logger:   logger.With(zap.String("component", "agent_runner")),
	}, nil
}

// runState is the mutable conversation threaded through one invocation.
type runState struct {
	messages    []llm.Message
	totalTokens int
	totalPrice  float64
}

// stepResult is the outcome of one llm step: either a final text answer or
// a batch of requested tool calls.
type stepResult struct {
	done  bool
	text  string
	calls []llm.ToolCall
}

// Run executes the reasoning loop to a terminal event. history must be an
// even-length human/assistant alternation; the current user turn is
// appended by the runner.
func (r *Runner) Run(ctx context.Context, q *Queue, query string, history []llm.Message) error {
	// Preset check: a matched moderation keyword bypasses the model
	// entirely and answers with the configured preset response.
	if rc := r.config.Review; rc != nil && rc.Inputs.Enabled {
		if kw, ok := rc.matchKeyword(query); ok {
			r.logger.Info("input moderation matched", zap.String("keyword", kw))
			q.Publish(&AgentThought{Event: EventAgentMessage, Answer: rc.Inputs.PresetResponse})
			q.Publish(&AgentThought{Event: EventAgentEnd})
			return nil
		}
	}

	if len(history)%2 != 0 {
		q.Publish(&AgentThought{Event: EventError, Observation: ErrUnevenHistory.Error()})
		return ErrUnevenHistory
	}

	useFuncall := r.provider.Features().Has(llm.FeatureToolCall)

	system := r.config.PresetPrompt
	if r.config.Memory.Enabled && r.config.Memory.Summary != "" {
		q.Publish(&AgentThought{Event: EventLongTermMemoryRecall, Observation: r.config.Memory.Summary})
		system += fmt.Sprintf(memoryPromptSection, r.config.Memory.Summary)
	}
	if !useFuncall && len(r.tools) > 0 {
		system += r.reactToolSection()
	}

	run := &runState{}
	run.messages = append(run.messages, llm.Message{Role: llm.RoleSystem, Content: system})
	run.messages = append(run.messages, history...)
	run.messages = append(run.messages, llm.Message{Role: llm.RoleUser, Content: query})

	budget := r.config.iterations()
	strategy := "react"
	if useFuncall {
		strategy = "funcall"
	}

	for i := 0; i < budget; i++ {
		// The final iteration withholds tools so the model must answer.
		withTools := i < budget-1

		var step *stepResult
		var err error
		if useFuncall {
			step, err = r.funcallStep(ctx, q, run, withTools)
		} else {
			step, err = r.reactStep(ctx, q, run, withTools)
		}
		if err != nil {
			r.logger.Error("llm step failed", zap.Int("iteration", i), zap.Error(err))
			q.Publish(&AgentThought{Event: EventError, Observation: err.Error()})
			return err
		}
		if r.metrics != nil {
			r.metrics.RecordAgentIteration(strategy)
		}

		if step.done {
			q.Publish(&AgentThought{
				Event:       EventAgentEnd,
				TotalTokens: run.totalTokens,
				TotalPrice:  run.totalPrice,
			})
			return nil
		}
		r.executeTools(ctx, q, run, step.calls, useFuncall)
	}

	// Budget exhausted with the model still requesting tools.
	q.Publish(&AgentThought{Event: EventAgentMessage, Answer: iterationLimitMessage})
	q.Publish(&AgentThought{
		Event:       EventAgentEnd,
		TotalTokens: run.totalTokens,
		TotalPrice:  run.totalPrice,
	})
	return nil
}

// executeTools runs every requested call, substituting an error string as
// the result of a failed call rather than aborting the step. Results feed
// back as tool-role turns for the native dialect, or fold into a synthetic
// human turn for the ReACT dialect.
func (r *Runner) executeTools(ctx context.Context, q *Queue, run *runState, calls []llm.ToolCall, useFuncall bool) {
	var folded []string
	for _, call := range calls {
		result := r.invokeTool(ctx, call)

		kind := EventAgentAction
		if call.Name == DatasetRetrievalTool {
			kind = EventDatasetRetrieval
		}
		q.Publish(&AgentThought{
			Event:       kind,
			Tool:        call.Name,
			ToolInput:   string(call.Arguments),
			Observation: result,
		})
		if r.metrics != nil {
			r.metrics.RecordAgentEvent(string(kind))
		}

		if useFuncall {
			run.messages = append(run.messages, llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Name,
				Content:    result,
				ToolCallID: call.ID,
			})
		} else {
			folded = append(folded, fmt.Sprintf("Tool %s returned: %s", call.Name, result))
		}
	}

	if !useFuncall && len(folded) > 0 {
		run.messages = append(run.messages, llm.Message{
			Role:    llm.RoleUser,
			Content: strings.Join(folded, "\n") + "\nUse this observation to continue answering the original question.",
		})
	}
}

func (r *Runner) invokeTool(ctx context.Context, call llm.ToolCall) string {
	t, ok := r.tools[call.Name]
	if !ok {
		return fmt.Sprintf("tool %q is not available", call.Name)
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return fmt.Sprintf("tool %s failed: invalid arguments: %v", call.Name, err)
		}
	}

	result, err := t.Invoke(ctx, args)
	if err != nil {
		r.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
		return fmt.Sprintf("tool %s failed: %v", call.Name, err)
	}
	return result
}

// account fills a thought's token and price fields for one llm call and
// adds them to the run totals.
func (r *Runner) account(run *runState, t *AgentThought, model, output string, started time.Time) {
	in := r.counter.CountMessages(run.messages)
	out := r.counter.Count(output)
	pricing := r.provider.Pricing()

	t.MessageTokens = in
	t.MessagePrice = pricing.InputCost(in)
	t.AnswerTokens = out
	t.AnswerPrice = pricing.OutputCost(out)
	t.TotalTokens = in + out
	t.TotalPrice = t.MessagePrice + t.AnswerPrice
	t.Latency = time.Since(started).Seconds()

	run.totalTokens += t.TotalTokens
	run.totalPrice += t.TotalPrice

	if r.metrics != nil {
		r.metrics.RecordLLMRequest(r.provider.Name(), model, "ok", in, out, t.TotalPrice)
	}
}

func (r *Runner) outputModerated() bool {
	return r.config.Review != nil && r.config.Review.Outputs.Enabled
}

func (r *Runner) maskAnswer(text string) string {
	if !r.outputModerated() {
		return text
	}
	return r.config.Review.maskOutputs(text)
}
