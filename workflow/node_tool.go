package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/loomstack/loom/tool"
)

// ToolNode invokes a builtin or custom API tool with its resolved inputs.
// The tool instance is resolved once at graph-compile time.
type ToolNode struct {
	data     *NodeData
	tool     tool.Tool
	resolver *Resolver
}

func (n *ToolNode) Data() *NodeData { return n.data }

func (n *ToolNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}

	text, err := n.tool.Invoke(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("tool node %s: %w", n.data.ID, err)
	}

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = map[string]any{"text": text}
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}
