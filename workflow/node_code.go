package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// errCodeExecutionFailed is the only error surfaced for a failed code node.
// The underlying detail stays in the logs, never in the caller-visible
// result.
var errCodeExecutionFailed = errors.New("code execution failed")

// CodeNode runs a main(params) snippet in the sandboxed code runner and
// reads each declared output from the returned dict with a type-default
// fallback.
type CodeNode struct {
	data     *NodeData
	runner   *CodeRunner
	resolver *Resolver
	logger   *zap.Logger
}

func (n *CodeNode) Data() *NodeData { return n.data }

func (n *CodeNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}

	dict, err := n.runner.Run(n.data.Code.Code, inputs)
	if err != nil {
		n.logger.Warn("code node failed",
			zap.String("node_id", n.data.ID),
			zap.Error(err),
		)
		return nil, errCodeExecutionFailed
	}

	outputs := make(map[string]any, len(n.data.Outputs))
	for _, v := range n.data.Outputs {
		raw, ok := dict[v.Name]
		if !ok {
			outputs[v.Name] = zeroValue(v.Type)
			continue
		}
		c, err := coerceValue(v.Type, raw)
		if err != nil {
			outputs[v.Name] = zeroValue(v.Type)
			continue
		}
		outputs[v.Name] = c
	}

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = outputs
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}
