package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/llm"
)

// LLMNode renders its prompt against resolved inputs, streams the model and
// concatenates the deltas into a single "output" value.
type LLMNode struct {
	data     *NodeData
	provider llm.Provider
	resolver *Resolver
	logger   *zap.Logger
}

func (n *LLMNode) Data() *NodeData { return n.data }

func (n *LLMNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}

	prompt, err := renderTemplate(n.data.LLM.Prompt, inputs)
	if err != nil {
		return nil, fmt.Errorf("llm node %s: %w", n.data.ID, err)
	}

	req := &llm.ChatRequest{
		Model:       n.data.LLM.Model.Model,
		Temperature: n.data.LLM.Model.Temperature,
		MaxTokens:   n.data.LLM.Model.MaxTokens,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}

	stream, err := n.provider.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm node %s: %w", n.data.ID, err)
	}

	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, fmt.Errorf("llm node %s: %w", n.data.ID, chunk.Err)
		}
		sb.WriteString(chunk.Delta.Content)
	}

	content := sb.String()
	n.logger.Debug("llm node completed",
		zap.String("node_id", n.data.ID),
		zap.Int("output_chars", len(content)),
		zap.Duration("duration", time.Since(start)),
	)

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = map[string]any{"output": content}
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}

// TemplateNode renders a template string against resolved inputs. No model
// call is involved.
type TemplateNode struct {
	data     *NodeData
	resolver *Resolver
}

func (n *TemplateNode) Data() *NodeData { return n.data }

func (n *TemplateNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}

	out, err := renderTemplate(n.data.Template.Template, inputs)
	if err != nil {
		return nil, fmt.Errorf("template node %s: %w", n.data.ID, err)
	}

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = map[string]any{"output": out}
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}
