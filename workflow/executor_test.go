package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstack/loom/llm"
)

// fixedProvider answers every completion with the same content.
type fixedProvider struct {
	answer string
	calls  int
}

func (p *fixedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: p.answer}}},
	}, nil
}

func (p *fixedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: p.answer}}
	close(ch)
	return ch, nil
}

func (p *fixedProvider) Name() string             { return "fixed" }
func (p *fixedProvider) Features() llm.FeatureSet { return llm.NewFeatureSet() }
func (p *fixedProvider) Pricing() llm.Pricing     { return llm.Pricing{Input: 1, Output: 1, Unit: 0.001} }

func fixedModels(p llm.Provider) ModelResolver {
	return func(cfg ModelConfig) (llm.Provider, error) { return p, nil }
}

// stubLoader serves published configs for iteration nodes from a map.
type stubLoader struct {
	cfgs map[string]*Config
}

func (l *stubLoader) LoadPublished(ctx context.Context, workflowID string) (*Config, error) {
	cfg, ok := l.cfgs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not published", workflowID)
	}
	return cfg, nil
}

func findResult(st *State, nodeID string) *NodeResult {
	for i := range st.NodeResults {
		if st.NodeResults[i].NodeID == nodeID {
			return &st.NodeResults[i]
		}
	}
	return nil
}

func TestEngineRunEchoWorkflow(t *testing.T) {
	e := NewEngine(Options{})

	st, err := e.Run(context.Background(), echoConfig(), map[string]any{"query": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output": "Echo: hi"}, st.Outputs)
	require.Len(t, st.NodeResults, 3)
	for _, r := range st.NodeResults {
		assert.Equal(t, StatusSucceeded, r.Status, r.NodeID)
	}
}

func TestEngineRunMissingRequiredInput(t *testing.T) {
	e := NewEngine(Options{})

	_, err := e.Run(context.Background(), echoConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required workflow input "query"`)
}

// classifierWorkflow builds Start → Classifier → {Branch A, Branch B} → End,
// with the end output referencing the given branch's template output.
func classifierWorkflow(answerFrom string) *Config {
	return &Config{
		ID:   "wf_route",
		Name: "routing_flow",
		Nodes: []map[string]any{
			rawNode("s", NodeStart, "Start", map[string]any{
				"inputs": []any{requiredVar("query", TypeString)},
			}),
			rawNode("c", NodeClassifier, "Route", map[string]any{
				"inputs": []any{refVar("query", TypeString, "s", "query")},
				"classifier": map[string]any{
					"model": map[string]any{"provider": "fixed", "model": "m"},
					"classes": []any{
						map[string]any{"query": "greetings", "target": "class_a"},
						map[string]any{"query": "farewells", "target": "class_b"},
					},
				},
			}),
			rawNode("ta", NodeTemplate, "Branch A", map[string]any{
				"template": map[string]any{"template": "A"},
			}),
			rawNode("tb", NodeTemplate, "Branch B", map[string]any{
				"template": map[string]any{"template": "B"},
			}),
			rawNode("e", NodeEnd, "End", map[string]any{
				"outputs": []any{refVar("answer", TypeString, answerFrom, "output")},
			}),
		},
		Edges: []map[string]any{
			rawEdge("e1", "s", NodeStart, "c", NodeClassifier),
			func() map[string]any {
				e := rawEdge("e2", "c", NodeClassifier, "ta", NodeTemplate)
				e["source_handle_id"] = "class_a"
				return e
			}(),
			func() map[string]any {
				e := rawEdge("e3", "c", NodeClassifier, "tb", NodeTemplate)
				e["source_handle_id"] = "class_b"
				return e
			}(),
			rawEdge("e4", "ta", NodeTemplate, "e", NodeEnd),
			rawEdge("e5", "tb", NodeTemplate, "e", NodeEnd),
		},
	}
}

func TestEngineClassifierRoutesChosenBranch(t *testing.T) {
	provider := &fixedProvider{answer: "class_b"}
	e := NewEngine(Options{Models: fixedModels(provider)})

	st, err := e.Run(context.Background(), classifierWorkflow("tb"), map[string]any{"query": "bye"})
	require.NoError(t, err)
	assert.Equal(t, "B", st.Outputs["answer"])
	assert.Nil(t, findResult(st, "ta"), "unchosen branch must not execute")
	require.NotNil(t, findResult(st, "tb"))
	assert.Equal(t, map[string]any{"class": "class_b"}, findResult(st, "c").Outputs)
}

func TestEngineClassifierFallsBackToFirstClass(t *testing.T) {
	provider := &fixedProvider{answer: "I cannot decide."}
	e := NewEngine(Options{Models: fixedModels(provider)})

	st, err := e.Run(context.Background(), classifierWorkflow("ta"), map[string]any{"query": "???"})
	require.NoError(t, err)
	assert.Equal(t, "A", st.Outputs["answer"])
	require.NotNil(t, findResult(st, "ta"))
	assert.Nil(t, findResult(st, "tb"), "fallback activates only the first declared class")
	assert.Equal(t, map[string]any{"class": "class_a"}, findResult(st, "c").Outputs)
}

func TestEngineParallelBranchesMerge(t *testing.T) {
	cfg := &Config{
		ID:   "wf_par",
		Name: "parallel_flow",
		Nodes: []map[string]any{
			rawNode("s", NodeStart, "Start", map[string]any{
				"inputs": []any{requiredVar("query", TypeString)},
			}),
			rawNode("t1", NodeTemplate, "Left", map[string]any{
				"inputs":   []any{refVar("query", TypeString, "s", "query")},
				"template": map[string]any{"template": "L:{{query}}"},
			}),
			rawNode("t2", NodeTemplate, "Right", map[string]any{
				"inputs":   []any{refVar("query", TypeString, "s", "query")},
				"template": map[string]any{"template": "R:{{query}}"},
			}),
			rawNode("e", NodeEnd, "End", map[string]any{
				"outputs": []any{
					refVar("left", TypeString, "t1", "output"),
					refVar("right", TypeString, "t2", "output"),
				},
			}),
		},
		Edges: []map[string]any{
			rawEdge("e1", "s", NodeStart, "t1", NodeTemplate),
			rawEdge("e2", "s", NodeStart, "t2", NodeTemplate),
			rawEdge("e3", "t1", NodeTemplate, "e", NodeEnd),
			rawEdge("e4", "t2", NodeTemplate, "e", NodeEnd),
		},
	}
	e := NewEngine(Options{})

	st, err := e.Run(context.Background(), cfg, map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, "L:x", st.Outputs["left"])
	assert.Equal(t, "R:x", st.Outputs["right"])
	assert.Len(t, st.NodeResults, 4)
}

func nestedEchoConfig() *Config {
	return &Config{
		ID:   "wf_nested",
		Name: "nested_flow",
		Nodes: []map[string]any{
			rawNode("ns", NodeStart, "Start", map[string]any{
				"inputs": []any{requiredVar("item", TypeString)},
			}),
			rawNode("nt", NodeTemplate, "Shout", map[string]any{
				"inputs":   []any{refVar("item", TypeString, "ns", "item")},
				"template": map[string]any{"template": "{{item}}!"},
			}),
			rawNode("ne", NodeEnd, "End", map[string]any{
				"outputs": []any{refVar("out", TypeString, "nt", "output")},
			}),
		},
		Edges: []map[string]any{
			rawEdge("ne1", "ns", NodeStart, "nt", NodeTemplate),
			rawEdge("ne2", "nt", NodeTemplate, "ne", NodeEnd),
		},
	}
}

func iterationWorkflow() *Config {
	return &Config{
		ID:   "wf_iter",
		Name: "iteration_flow",
		Nodes: []map[string]any{
			rawNode("s", NodeStart, "Start", map[string]any{
				"inputs": []any{requiredVar("items", TypeListString)},
			}),
			rawNode("it", NodeIteration, "Fan Out", map[string]any{
				"inputs":    []any{refVar("items", TypeListString, "s", "items")},
				"iteration": map[string]any{"workflow_ids": []any{"wf_nested"}},
			}),
			rawNode("e", NodeEnd, "End", map[string]any{
				"outputs": []any{refVar("results", TypeListString, "it", "outputs")},
			}),
		},
		Edges: []map[string]any{
			rawEdge("e1", "s", NodeStart, "it", NodeIteration),
			rawEdge("e2", "it", NodeIteration, "e", NodeEnd),
		},
	}
}

func TestEngineIterationFanOut(t *testing.T) {
	loader := &stubLoader{cfgs: map[string]*Config{"wf_nested": nestedEchoConfig()}}
	e := NewEngine(Options{Loader: loader})

	st, err := e.Run(context.Background(), iterationWorkflow(), map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.NoError(t, err)

	results, ok := st.Outputs["results"].([]string)
	require.True(t, ok, "iteration outputs coerce to the declared list type")
	require.Len(t, results, 3)
	assert.Equal(t, `{"out":"a!"}`, results[0])
	assert.Equal(t, `{"out":"b!"}`, results[1])
	assert.Equal(t, `{"out":"c!"}`, results[2])

	iter := findResult(st, "it")
	require.NotNil(t, iter)
	assert.Equal(t, StatusSucceeded, iter.Status)
}

func TestEngineIterationFailsClosed(t *testing.T) {
	e := NewEngine(Options{Loader: &stubLoader{cfgs: map[string]*Config{}}})

	st, err := e.Run(context.Background(), iterationWorkflow(), map[string]any{
		"items": []any{"a"},
	})
	require.NoError(t, err, "iteration failures never abort the run")

	iter := findResult(st, "it")
	require.NotNil(t, iter)
	assert.Equal(t, StatusFailed, iter.Status)
	assert.Equal(t, "referenced workflow is missing or unpublished", iter.Error)
	assert.Equal(t, []string{}, st.Outputs["results"])
}

func TestEngineRunStreamEventOrder(t *testing.T) {
	e := NewEngine(Options{})

	events, err := e.RunStream(context.Background(), echoConfig(), map[string]any{"query": "hi"})
	require.NoError(t, err)

	var kinds []EventKind
	var nodeIDs []string
	var final *Event
	for ev := range events {
		ev := ev
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventNodeFinished {
			nodeIDs = append(nodeIDs, ev.Result.NodeID)
		} else {
			final = &ev
		}
	}

	assert.Equal(t, []EventKind{
		EventNodeFinished, EventNodeFinished, EventNodeFinished, EventWorkflowFinished,
	}, kinds)
	assert.Equal(t, []string{"s", "t", "e"}, nodeIDs)
	require.NotNil(t, final)
	require.NotNil(t, final.State)
	assert.Equal(t, "Echo: hi", final.State.Outputs["output"])
}

func TestEngineRunStreamFailedNode(t *testing.T) {
	cfg := echoConfig()
	cfg.Nodes[1] = rawNode("t", NodeCode, "Transform", map[string]any{
		"inputs":  []any{refVar("query", TypeString, "s", "query")},
		"outputs": []any{literalVar("output", TypeString, nil)},
		"code": map[string]any{
			"code": "function main(params) { throw new Error('boom'); }",
		},
	})
	cfg.Edges[0]["target_type"] = string(NodeCode)
	cfg.Edges[1]["source_type"] = string(NodeCode)

	e := NewEngine(Options{CodeTimeout: time.Second})
	events, err := e.RunStream(context.Background(), cfg, map[string]any{"query": "hi"})
	require.NoError(t, err)

	var failedResult *NodeResult
	var final *Event
	for ev := range events {
		ev := ev
		if ev.Kind == EventNodeFinished && ev.Result.Status == StatusFailed {
			failedResult = ev.Result
		}
		if ev.Kind == EventWorkflowFailed || ev.Kind == EventWorkflowFinished {
			final = &ev
		}
	}

	require.NotNil(t, failedResult)
	assert.Equal(t, "t", failedResult.NodeID)
	assert.Equal(t, "code execution failed", failedResult.Error)
	require.NotNil(t, final)
	assert.Equal(t, EventWorkflowFailed, final.Kind)
	require.Error(t, final.Err)
	assert.Contains(t, final.Err.Error(), "node t")
}

func TestEngineRunFailedNodeReturnsError(t *testing.T) {
	cfg := echoConfig()
	cfg.Nodes[1] = rawNode("t", NodeCode, "Transform", map[string]any{
		"code": map[string]any{"code": "function main(params) { return 'nope'; }"},
	})
	cfg.Edges[0]["target_type"] = string(NodeCode)
	cfg.Edges[1]["source_type"] = string(NodeCode)
	cfg.Nodes[2]["outputs"] = nil

	e := NewEngine(Options{CodeTimeout: time.Second})
	_, err := e.Run(context.Background(), cfg, map[string]any{"query": "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code execution failed")
}
