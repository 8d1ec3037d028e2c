package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/loomstack/loom/retrieval"
)

// RetrievalNode delegates its single "query" input to a retrieval capability
// and yields the combined document text. The retriever instance is built
// once at graph-compile time.
type RetrievalNode struct {
	data      *NodeData
	retriever retrieval.Retriever
	resolver  *Resolver
}

func (n *RetrievalNode) Data() *NodeData { return n.data }

func (n *RetrievalNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}

	query, _ := inputs["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("retrieval node %s requires a query input", n.data.ID)
	}

	combined, err := n.retriever.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval node %s: %w", n.data.ID, err)
	}

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = map[string]any{"combine_documents": combined}
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}
