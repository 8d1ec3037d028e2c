package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomstack/loom/retrieval"
)

// NodeType is the closed set of node kinds a workflow graph may contain.
type NodeType string

const (
	NodeStart      NodeType = "start"
	NodeLLM        NodeType = "llm"
	NodeTemplate   NodeType = "template_transform"
	NodeRetrieval  NodeType = "dataset_retrieval"
	NodeCode       NodeType = "code"
	NodeTool       NodeType = "tool"
	NodeHTTP       NodeType = "http_request"
	NodeClassifier NodeType = "question_classifier"
	NodeIteration  NodeType = "iteration"
	NodeEnd        NodeType = "end"
)

// nodeTypes is the full set, used by the validator's dispatch.
var nodeTypes = map[NodeType]struct{}{
	NodeStart: {}, NodeLLM: {}, NodeTemplate: {}, NodeRetrieval: {},
	NodeCode: {}, NodeTool: {}, NodeHTTP: {}, NodeClassifier: {},
	NodeIteration: {}, NodeEnd: {},
}

// Position is layout-only metadata, never semantic.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ModelConfig selects and parameterizes the language model an LLM-backed
// node uses.
type ModelConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// LLMConfig configures an LLM node.
type LLMConfig struct {
	Prompt string      `json:"prompt"`
	Model  ModelConfig `json:"model"`
}

// TemplateConfig configures a template-transform node.
type TemplateConfig struct {
	Template string `json:"template"`
}

// CodeConfig configures a code node. The snippet must be a single function
// main(params) in JavaScript; see CodeRunner.
type CodeConfig struct {
	Code string `json:"code"`
}

// ToolKind discriminates builtin and custom API tools.
type ToolKind string

const (
	ToolBuiltin ToolKind = "builtin"
	ToolAPI     ToolKind = "api"
)

// ToolConfig configures a tool node.
type ToolConfig struct {
	Kind       ToolKind       `json:"kind"`
	ProviderID string         `json:"provider_id"`
	ToolID     string         `json:"tool_id,omitempty"`   // builtin
	ToolName   string         `json:"tool_name,omitempty"` // api
	Params     map[string]any `json:"params,omitempty"`
}

// HTTPConfig configures an http-request node.
type HTTPConfig struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// ClassifierClass is one routing class of a question-classifier node.
type ClassifierClass struct {
	Query  string `json:"query"`  // description matched against the user query
	Target string `json:"target"` // branch identifier (virtual node name)
}

// ClassifierConfig configures a question-classifier node.
type ClassifierConfig struct {
	Model   ModelConfig       `json:"model"`
	Classes []ClassifierClass `json:"classes"`
}

// IterationConfig configures an iteration node. WorkflowIDs must contain
// exactly one published workflow id.
type IterationConfig struct {
	WorkflowIDs []string `json:"workflow_ids"`
}

// NodeData is the typed, validated form of one node config: the common
// fields plus exactly one variant config matching Type. The variant set is
// closed; buildNodeData is the single dispatch point over it.
type NodeData struct {
	ID          string     `json:"id"`
	Type        NodeType   `json:"node_type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Position    Position   `json:"position"`
	Inputs      []Variable `json:"inputs,omitempty"`
	Outputs     []Variable `json:"outputs,omitempty"`

	LLM        *LLMConfig        `json:"llm,omitempty"`
	Template   *TemplateConfig   `json:"template,omitempty"`
	Retrieval  *retrieval.Config `json:"retrieval,omitempty"`
	Code       *CodeConfig       `json:"code,omitempty"`
	Tool       *ToolConfig       `json:"tool,omitempty"`
	HTTP       *HTTPConfig       `json:"http,omitempty"`
	Classifier *ClassifierConfig `json:"classifier,omitempty"`
	Iteration  *IterationConfig  `json:"iteration,omitempty"`
}

// buildNodeData decodes a raw node config into its typed form and checks the
// variant-specific invariants. Unknown node types are rejected here, before
// any structural graph checks run.
func buildNodeData(raw map[string]any) (*NodeData, error) {
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, newValidationError("", fmt.Sprintf("node config is not serializable: %v", err))
	}
	var data NodeData
	if err := json.Unmarshal(blob, &data); err != nil {
		return nil, newValidationError("", fmt.Sprintf("malformed node config: %v", err))
	}

	if data.ID == "" {
		return nil, newValidationError("", "node id must not be empty")
	}
	if data.Title == "" {
		return nil, newValidationError(data.ID, "node title must not be empty")
	}
	if len(data.Description) > maxDescriptionLen {
		return nil, newValidationError(data.ID, fmt.Sprintf("node description exceeds %d characters", maxDescriptionLen))
	}
	for i := range data.Inputs {
		if err := data.Inputs[i].validate(); err != nil {
			return nil, newValidationError(data.ID, err.Error())
		}
	}
	for i := range data.Outputs {
		if err := data.Outputs[i].validate(); err != nil {
			return nil, newValidationError(data.ID, err.Error())
		}
	}

	switch data.Type {
	case NodeStart, NodeEnd:
		// Common fields only.
	case NodeLLM:
		if data.LLM == nil || data.LLM.Prompt == "" {
			return nil, newValidationError(data.ID, "llm node requires a prompt")
		}
	case NodeTemplate:
		if data.Template == nil || data.Template.Template == "" {
			return nil, newValidationError(data.ID, "template node requires a template")
		}
	case NodeRetrieval:
		if data.Retrieval == nil || len(data.Retrieval.DatasetIDs) == 0 {
			return nil, newValidationError(data.ID, "retrieval node requires dataset ids")
		}
	case NodeCode:
		if data.Code == nil || data.Code.Code == "" {
			return nil, newValidationError(data.ID, "code node requires a code snippet")
		}
	case NodeTool:
		if data.Tool == nil || data.Tool.ProviderID == "" {
			return nil, newValidationError(data.ID, "tool node requires a provider id")
		}
		switch data.Tool.Kind {
		case ToolBuiltin:
			if data.Tool.ToolID == "" {
				return nil, newValidationError(data.ID, "builtin tool node requires a tool id")
			}
		case ToolAPI:
			if data.Tool.ToolName == "" {
				return nil, newValidationError(data.ID, "api tool node requires a tool name")
			}
		default:
			return nil, newValidationError(data.ID, fmt.Sprintf("unknown tool kind %q", data.Tool.Kind))
		}
	case NodeHTTP:
		if data.HTTP == nil || data.HTTP.URL == "" {
			return nil, newValidationError(data.ID, "http node requires a url")
		}
	case NodeClassifier:
		if data.Classifier == nil || len(data.Classifier.Classes) == 0 {
			return nil, newValidationError(data.ID, "classifier node requires at least one class")
		}
		seen := make(map[string]struct{}, len(data.Classifier.Classes))
		for _, c := range data.Classifier.Classes {
			if c.Target == "" {
				return nil, newValidationError(data.ID, "classifier class requires a target")
			}
			if _, dup := seen[c.Target]; dup {
				return nil, newValidationError(data.ID, fmt.Sprintf("duplicate classifier target %q", c.Target))
			}
			seen[c.Target] = struct{}{}
		}
	case NodeIteration:
		if data.Iteration == nil || len(data.Iteration.WorkflowIDs) != 1 {
			return nil, newValidationError(data.ID, "iteration node requires exactly one workflow id")
		}
	default:
		return nil, newValidationError(data.ID, fmt.Sprintf("unknown node type %q", data.Type))
	}

	return &data, nil
}

// Outcome is what one node invocation yields: a state update and, for
// routing nodes only, the chosen branch identifier.
type Outcome struct {
	Update Update
	Route  string
}

// Node is the execution contract every node kind satisfies: a pure function
// of the state and the node's own immutable config.
type Node interface {
	Data() *NodeData
	Execute(ctx context.Context, st *State) (*Outcome, error)
}

// Loader resolves published workflow configs for iteration nodes.
type Loader interface {
	LoadPublished(ctx context.Context, workflowID string) (*Config, error)
}
