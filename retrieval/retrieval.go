// Package retrieval defines the knowledge-base retrieval capability consumed
// by the Dataset-Retrieval workflow node and the agent's reserved retrieval
// tool. Concrete vector-store clients live behind the Retriever interface.
package retrieval

import "context"

// Strategy selects how candidate documents are matched against a query.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyFullText Strategy = "full_text"
	StrategyHybrid   Strategy = "hybrid"
)

// Config parameterizes a retrieval call.
type Config struct {
	DatasetIDs     []string `json:"dataset_ids" yaml:"dataset_ids"`
	Strategy       Strategy `json:"strategy" yaml:"strategy"`
	TopK           int      `json:"top_k" yaml:"top_k"`
	ScoreThreshold float64  `json:"score_threshold" yaml:"score_threshold"`
}

// Retriever returns the combined text of the documents matching query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// Factory builds a Retriever for a config. Injected at startup so the
// workflow compiler can bind one retriever instance per retrieval node.
type Factory func(cfg Config) (Retriever, error)

// Func adapts a function into a Retriever.
type Func func(ctx context.Context, query string) (string, error)

func (f Func) Retrieve(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}
