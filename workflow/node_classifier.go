package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/llm"
)

// ClassifierNode is a routing node: it prompts a model to pick one class
// from a closed set and yields the chosen branch identifier instead of a
// plain state update. An answer outside the set deterministically falls
// back to the first declared class.
type ClassifierNode struct {
	data     *NodeData
	provider llm.Provider
	resolver *Resolver
	logger   *zap.Logger
}

func (n *ClassifierNode) Data() *NodeData { return n.data }

func (n *ClassifierNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}
	query, _ := inputs["query"].(string)

	var sb strings.Builder
	sb.WriteString("Classify the user query into exactly one of the following classes. ")
	sb.WriteString("Reply with the class name only.\n\n")
	for _, c := range n.data.Classifier.Classes {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Target, c.Query)
	}
	fmt.Fprintf(&sb, "\nQuery: %s\n", query)

	req := &llm.ChatRequest{
		Model:    n.data.Classifier.Model.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
	}
	resp, err := n.provider.Completion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("classifier node %s: %w", n.data.ID, err)
	}

	answer := ""
	if len(resp.Choices) > 0 {
		answer = strings.TrimSpace(resp.Choices[0].Message.Content)
	}

	chosen := n.matchClass(answer)
	n.logger.Debug("classifier routed",
		zap.String("node_id", n.data.ID),
		zap.String("answer", answer),
		zap.String("target", chosen.Target),
	)

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = map[string]any{"class": chosen.Target}
	res.Latency = time.Since(start).Seconds()
	return &Outcome{
		Update: resultUpdate(res),
		Route:  chosen.Target,
	}, nil
}

// matchClass maps the model's answer onto the closed class set. The first
// declared class is the fallback for anything unrecognized.
func (n *ClassifierNode) matchClass(answer string) ClassifierClass {
	classes := n.data.Classifier.Classes
	lowered := strings.ToLower(answer)
	for _, c := range classes {
		if strings.EqualFold(answer, c.Target) {
			return c
		}
	}
	for _, c := range classes {
		if strings.Contains(lowered, strings.ToLower(c.Target)) {
			return c
		}
	}
	return classes[0]
}
