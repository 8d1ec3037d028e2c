package workflow

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/loomstack/loom/llm"
	"github.com/loomstack/loom/retrieval"
	"github.com/loomstack/loom/tool"
)

// ModelResolver binds a node's model config to a live provider, looked up in
// the account's language-model configuration.
type ModelResolver func(cfg ModelConfig) (llm.Provider, error)

// execNode is one vertex of the compiled executable graph. Virtual nodes
// (classifier branch terminals) carry no executable and pass through.
type execNode struct {
	key     string
	node    Node
	virtual bool
}

// ExecGraph is the compiled, executable form of a validated workflow:
// one vertex per node keyed "{type}_{id}", plus one virtual terminal per
// classifier class so every branch has an addressable position for fan-in
// bookkeeping.
type ExecGraph struct {
	nodes map[string]*execNode
	adj   map[string][]string
	preds map[string][]string
	entry string
}

func nodeKey(t NodeType, id string) string {
	return fmt.Sprintf("%s_%s", t, id)
}

func virtualKey(classifierID, target string) string {
	return fmt.Sprintf("virtual_%s_%s", classifierID, target)
}

// compileDeps are the capabilities bound into nodes at compile time.
type compileDeps struct {
	models     ModelResolver
	tools      *tool.Registry
	retrievers retrieval.Factory
	loader     Loader
	runner     *CodeRunner
	httpClient *http.Client
	runNested  nestedRunner
	resolver   *Resolver
	logger     *zap.Logger
}

// compile turns a validated workflow into an executable graph.
func compile(valid *Validated, deps compileDeps) (*ExecGraph, error) {
	g := &ExecGraph{
		nodes: make(map[string]*execNode),
		adj:   make(map[string][]string),
		preds: make(map[string][]string),
	}

	for _, data := range valid.Nodes {
		node, err := buildNode(data, deps)
		if err != nil {
			return nil, err
		}
		key := nodeKey(data.Type, data.ID)
		g.nodes[key] = &execNode{key: key, node: node}
		if data.ID == valid.Topology.StartID {
			g.entry = key
		}
		if data.Type == NodeClassifier {
			for _, c := range data.Classifier.Classes {
				vk := virtualKey(data.ID, c.Target)
				g.nodes[vk] = &execNode{key: vk, virtual: true}
				g.addEdge(key, vk)
			}
		}
	}

	for _, e := range valid.Edges {
		src := valid.NodesByID[e.Source]
		from := nodeKey(src.Type, e.Source)
		if src.Type == NodeClassifier {
			// Downstream edges originate from the branch's virtual node,
			// not the classifier itself, so only the chosen branch fires.
			from = virtualKey(e.Source, e.SourceHandleID)
		}
		to := nodeKey(valid.NodesByID[e.Target].Type, e.Target)
		g.addEdge(from, to)
	}

	return g, nil
}

func (g *ExecGraph) addEdge(from, to string) {
	g.adj[from] = append(g.adj[from], to)
	g.preds[to] = append(g.preds[to], from)
}

// buildNode is the single dispatch point over the closed node-type set.
func buildNode(data *NodeData, deps compileDeps) (Node, error) {
	switch data.Type {
	case NodeStart:
		return &StartNode{data: data, resolver: deps.resolver}, nil
	case NodeEnd:
		return &EndNode{data: data, resolver: deps.resolver}, nil
	case NodeLLM:
		provider, err := deps.models(data.LLM.Model)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", data.ID, err)
		}
		return &LLMNode{data: data, provider: provider, resolver: deps.resolver, logger: deps.logger}, nil
	case NodeTemplate:
		return &TemplateNode{data: data, resolver: deps.resolver}, nil
	case NodeRetrieval:
		retriever, err := deps.retrievers(*data.Retrieval)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", data.ID, err)
		}
		return &RetrievalNode{data: data, retriever: retriever, resolver: deps.resolver}, nil
	case NodeCode:
		return &CodeNode{data: data, runner: deps.runner, resolver: deps.resolver, logger: deps.logger}, nil
	case NodeTool:
		t, err := resolveTool(data, deps.tools)
		if err != nil {
			return nil, err
		}
		return &ToolNode{data: data, tool: t, resolver: deps.resolver}, nil
	case NodeHTTP:
		return &HTTPNode{data: data, client: deps.httpClient, resolver: deps.resolver}, nil
	case NodeClassifier:
		provider, err := deps.models(data.Classifier.Model)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", data.ID, err)
		}
		return &ClassifierNode{data: data, provider: provider, resolver: deps.resolver, logger: deps.logger}, nil
	case NodeIteration:
		return &IterationNode{
			data:     data,
			loader:   deps.loader,
			run:      deps.runNested,
			resolver: deps.resolver,
			logger:   deps.logger,
		}, nil
	default:
		return nil, newValidationError(data.ID, fmt.Sprintf("unknown node type %q", data.Type))
	}
}

func resolveTool(data *NodeData, registry *tool.Registry) (tool.Tool, error) {
	if registry == nil {
		return nil, fmt.Errorf("node %s: no tool registry configured", data.ID)
	}
	switch data.Tool.Kind {
	case ToolBuiltin:
		t, err := registry.Builtin(data.Tool.ProviderID, data.Tool.ToolID, data.Tool.Params)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", data.ID, err)
		}
		return t, nil
	case ToolAPI:
		t, err := registry.APITool(data.Tool.ProviderID, data.Tool.ToolName)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", data.ID, err)
		}
		return t, nil
	default:
		return nil, newValidationError(data.ID, fmt.Sprintf("unknown tool kind %q", data.Tool.Kind))
	}
}
