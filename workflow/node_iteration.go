package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/tool"
)

// nestedRunner executes a nested workflow config against a fresh state.
type nestedRunner func(ctx context.Context, cfg *Config, inputs map[string]any) (*State, error)

// IterationNode fans a list input out over a single nested published
// workflow: one nested run per list item, each item bound to the nested
// workflow's sole declared input, results collected in input order.
//
// Every failure mode (missing or unpublished target workflow, zero or
// multiple declared inputs, a non-list or empty input) fails closed: a
// FAILED result with an empty outputs list, never a propagated error.
type IterationNode struct {
	data     *NodeData
	loader   Loader
	run      nestedRunner
	resolver *Resolver
	logger   *zap.Logger
}

func (n *IterationNode) Data() *NodeData { return n.data }

func (n *IterationNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}

	items := n.listInput(inputs)
	if items == nil {
		return n.failClosed(inputs, start, "iteration input must be a non-empty list"), nil
	}

	workflowID := n.data.Iteration.WorkflowIDs[0]
	cfg, err := n.loader.LoadPublished(ctx, workflowID)
	if err != nil || cfg == nil {
		return n.failClosed(inputs, start, "referenced workflow is missing or unpublished"), nil
	}

	inputName, ok := soleDeclaredInput(cfg)
	if !ok {
		return n.failClosed(inputs, start, "referenced workflow must declare exactly one input"), nil
	}

	outputs := make([]any, 0, len(items))
	for _, item := range items {
		nested, err := n.run(ctx, cfg, map[string]any{inputName: item})
		if err != nil {
			return n.failClosed(inputs, start, "nested workflow execution failed"), nil
		}
		outputs = append(outputs, tool.SerializeResult(nested.Outputs))
	}

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = map[string]any{"outputs": outputs}
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}

// listInput extracts the iteration's list input, nil when absent or empty.
func (n *IterationNode) listInput(inputs map[string]any) []any {
	for _, v := range n.data.Inputs {
		raw, ok := inputs[v.Name]
		if !ok {
			continue
		}
		if items := asList(raw); len(items) > 0 {
			return items
		}
	}
	return nil
}

func asList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	default:
		return nil
	}
}

func (n *IterationNode) failClosed(inputs map[string]any, start time.Time, reason string) *Outcome {
	n.logger.Warn("iteration node failed closed",
		zap.String("node_id", n.data.ID),
		zap.String("reason", reason),
	)
	res := newResult(n.data, inputs, start)
	res.Status = StatusFailed
	res.Outputs = map[string]any{"outputs": []any{}}
	res.Error = reason
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}
}

// soleDeclaredInput returns the name of the nested workflow's single start
// input, or false when the start node declares zero or several.
func soleDeclaredInput(cfg *Config) (string, bool) {
	for _, raw := range cfg.Nodes {
		data, err := buildNodeData(raw)
		if err != nil || data.Type != NodeStart {
			continue
		}
		if len(data.Inputs) != 1 {
			return "", false
		}
		return data.Inputs[0].Name, true
	}
	return "", false
}
