package workflow

import (
	"context"
	"fmt"
	"time"
)

// StartNode copies workflow inputs into its outputs per declared input
// variable. A missing required input is fatal; a missing optional input
// falls back to the type's zero value.
type StartNode struct {
	data     *NodeData
	resolver *Resolver
}

func (n *StartNode) Data() *NodeData { return n.data }

func (n *StartNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	outputs := make(map[string]any, len(n.data.Inputs))
	for _, v := range n.data.Inputs {
		raw, ok := st.Inputs[v.Name]
		if !ok {
			if v.Required {
				return nil, fmt.Errorf("missing required workflow input %q", v.Name)
			}
			outputs[v.Name] = zeroValue(v.Type)
			continue
		}
		c, err := coerceValue(v.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("workflow input %q: %w", v.Name, err)
		}
		outputs[v.Name] = c
	}

	res := newResult(n.data, nil, start)
	res.Status = StatusSucceeded
	res.Outputs = outputs
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}

// EndNode copies selected state values into the workflow's final outputs per
// declared output variable.
type EndNode struct {
	data     *NodeData
	resolver *Resolver
}

func (n *EndNode) Data() *NodeData { return n.data }

func (n *EndNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	outputs, err := n.resolver.Resolve(n.data.Outputs, st)
	if err != nil {
		return nil, err
	}

	res := newResult(n.data, nil, start)
	res.Status = StatusSucceeded
	res.Outputs = outputs
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: Update{
		Outputs:     outputs,
		NodeResults: []NodeResult{res},
	}}, nil
}
