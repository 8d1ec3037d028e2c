package workflow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Topology is the adjacency view of a validated graph.
type Topology struct {
	Adj     map[string][]string
	Radj    map[string][]string
	InDeg   map[string]int
	OutDeg  map[string]int
	StartID string
	EndID   string
}

// Validated is the outcome of a successful strict validation pass: typed,
// deduplicated nodes and edges plus the derived topology.
type Validated struct {
	Config   *Config
	Nodes    []*NodeData
	NodesByID map[string]*NodeData
	Edges    []*EdgeData
	Topology Topology
}

// Validator performs the strict pre-execution graph validation. Every check
// fails fast with a descriptive ValidationError; no partially valid graph
// ever reaches the engine.
type Validator struct {
	logger *zap.Logger
}

func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger.With(zap.String("component", "workflow_validator"))}
}

// Validate runs the full validation sequence on cfg.
func (v *Validator) Validate(cfg *Config) (*Validated, error) {
	// 1. Workflow-level name and description format.
	if err := cfg.validateMeta(); err != nil {
		return nil, err
	}

	// 2. Non-empty node and edge sets.
	if len(cfg.Nodes) == 0 {
		return nil, newValidationError("", "workflow has no nodes")
	}
	if len(cfg.Edges) == 0 {
		return nil, newValidationError("", "workflow has no edges")
	}

	// 3. Typed node construction, type counts, id/title uniqueness.
	nodes, nodesByID, err := v.buildNodes(cfg)
	if err != nil {
		return nil, err
	}

	// 4. Typed edge construction, id uniqueness, endpoint consistency,
	// (source, target, handle) uniqueness.
	edges, err := v.buildEdges(cfg, nodesByID)
	if err != nil {
		return nil, err
	}

	// 5. Adjacency, reverse adjacency and degree maps.
	topo := buildTopology(nodes, edges)

	// 6. Structural start/end derivation, stricter than the type count
	// check: it also catches disconnected extra sources and sinks.
	if err := v.checkStructuralEndpoints(nodes, nodesByID, &topo); err != nil {
		return nil, err
	}

	// 7. Reachability from the start node.
	if err := v.checkReachability(nodes, &topo); err != nil {
		return nil, err
	}

	// 8. Acyclicity via Kahn's algorithm.
	if err := v.checkAcyclic(nodes, &topo); err != nil {
		return nil, err
	}

	// 9. Variable reference soundness.
	if err := v.checkReferences(nodes, nodesByID, &topo); err != nil {
		return nil, err
	}

	v.logger.Debug("workflow validated",
		zap.String("workflow", cfg.Name),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
	)

	return &Validated{
		Config:    cfg,
		Nodes:     nodes,
		NodesByID: nodesByID,
		Edges:     edges,
		Topology:  topo,
	}, nil
}

// ValidateDraft is the lenient pass used while editing: malformed nodes and
// edges are dropped rather than failing the whole graph, so an in-progress
// draft never becomes uneditable. No structural invariants are enforced.
func (v *Validator) ValidateDraft(cfg *Config) ([]*NodeData, []*EdgeData) {
	var nodes []*NodeData
	byID := make(map[string]*NodeData)
	for _, raw := range cfg.Nodes {
		data, err := buildNodeData(raw)
		if err != nil {
			v.logger.Debug("dropping malformed draft node", zap.Error(err))
			continue
		}
		if _, dup := byID[data.ID]; dup {
			continue
		}
		byID[data.ID] = data
		nodes = append(nodes, data)
	}

	var edges []*EdgeData
	seenEdge := make(map[string]struct{})
	for _, raw := range cfg.Edges {
		edge, err := buildEdgeData(raw)
		if err != nil {
			v.logger.Debug("dropping malformed draft edge", zap.Error(err))
			continue
		}
		src, okS := byID[edge.Source]
		dst, okT := byID[edge.Target]
		if !okS || !okT || src.Type != edge.SourceType || dst.Type != edge.TargetType {
			continue
		}
		if _, dup := seenEdge[edge.ID]; dup {
			continue
		}
		seenEdge[edge.ID] = struct{}{}
		edges = append(edges, edge)
	}
	return nodes, edges
}

func (v *Validator) buildNodes(cfg *Config) ([]*NodeData, map[string]*NodeData, error) {
	nodes := make([]*NodeData, 0, len(cfg.Nodes))
	byID := make(map[string]*NodeData, len(cfg.Nodes))
	titles := make(map[string]struct{}, len(cfg.Nodes))
	startCount, endCount := 0, 0

	for _, raw := range cfg.Nodes {
		data, err := buildNodeData(raw)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := byID[data.ID]; dup {
			return nil, nil, newValidationError(data.ID, "duplicate node id")
		}
		title := strings.TrimSpace(data.Title)
		if _, dup := titles[title]; dup {
			return nil, nil, newValidationError(data.ID, fmt.Sprintf("duplicate node title %q", title))
		}
		titles[title] = struct{}{}

		switch data.Type {
		case NodeStart:
			startCount++
		case NodeEnd:
			endCount++
		case NodeIteration:
			if data.Iteration.WorkflowIDs[0] == cfg.ID && cfg.ID != "" {
				return nil, nil, newValidationError(data.ID, "iteration node cannot reference its own workflow")
			}
		}

		byID[data.ID] = data
		nodes = append(nodes, data)
	}

	if startCount != 1 {
		return nil, nil, newValidationError("", fmt.Sprintf("workflow requires exactly one start node, found %d", startCount))
	}
	if endCount != 1 {
		return nil, nil, newValidationError("", fmt.Sprintf("workflow requires exactly one end node, found %d", endCount))
	}
	return nodes, byID, nil
}

func buildEdgeData(raw map[string]any) (*EdgeData, error) {
	edge := &EdgeData{}
	get := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	edge.ID = get("id")
	edge.Source = get("source")
	edge.SourceType = NodeType(get("source_type"))
	edge.Target = get("target")
	edge.TargetType = NodeType(get("target_type"))
	edge.SourceHandleID = get("source_handle_id")

	if edge.ID == "" {
		return nil, newValidationError("", "edge id must not be empty")
	}
	if edge.Source == "" || edge.Target == "" {
		return nil, newValidationError("", fmt.Sprintf("edge %s requires source and target", edge.ID))
	}
	if _, ok := nodeTypes[edge.SourceType]; !ok {
		return nil, newValidationError("", fmt.Sprintf("edge %s has unknown source type %q", edge.ID, edge.SourceType))
	}
	if _, ok := nodeTypes[edge.TargetType]; !ok {
		return nil, newValidationError("", fmt.Sprintf("edge %s has unknown target type %q", edge.ID, edge.TargetType))
	}
	return edge, nil
}

func (v *Validator) buildEdges(cfg *Config, nodesByID map[string]*NodeData) ([]*EdgeData, error) {
	edges := make([]*EdgeData, 0, len(cfg.Edges))
	seenID := make(map[string]struct{}, len(cfg.Edges))
	// The dedup key is the (source, target, handle) triple, not just the
	// endpoint pair: classifier nodes fan out several logical edges from
	// one physical node via distinct handles.
	seenTriple := make(map[[3]string]struct{}, len(cfg.Edges))

	for _, raw := range cfg.Edges {
		edge, err := buildEdgeData(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seenID[edge.ID]; dup {
			return nil, newValidationError("", fmt.Sprintf("duplicate edge id %q", edge.ID))
		}
		seenID[edge.ID] = struct{}{}

		src, ok := nodesByID[edge.Source]
		if !ok {
			return nil, newValidationError("", fmt.Sprintf("edge %s references unknown source node %q", edge.ID, edge.Source))
		}
		dst, ok := nodesByID[edge.Target]
		if !ok {
			return nil, newValidationError("", fmt.Sprintf("edge %s references unknown target node %q", edge.ID, edge.Target))
		}
		if src.Type != edge.SourceType {
			return nil, newValidationError("", fmt.Sprintf("edge %s source type %q does not match node type %q", edge.ID, edge.SourceType, src.Type))
		}
		if dst.Type != edge.TargetType {
			return nil, newValidationError("", fmt.Sprintf("edge %s target type %q does not match node type %q", edge.ID, edge.TargetType, dst.Type))
		}

		triple := [3]string{edge.Source, edge.Target, edge.SourceHandleID}
		if _, dup := seenTriple[triple]; dup {
			return nil, newValidationError("", fmt.Sprintf("duplicate edge from %q to %q via handle %q", edge.Source, edge.Target, edge.SourceHandleID))
		}
		seenTriple[triple] = struct{}{}

		if src.Type == NodeClassifier {
			if err := validateClassifierHandle(src, edge); err != nil {
				return nil, err
			}
		}

		edges = append(edges, edge)
	}
	return edges, nil
}

func validateClassifierHandle(src *NodeData, edge *EdgeData) error {
	if edge.SourceHandleID == "" {
		return newValidationError(src.ID, fmt.Sprintf("edge %s from classifier requires a source handle", edge.ID))
	}
	for _, c := range src.Classifier.Classes {
		if c.Target == edge.SourceHandleID {
			return nil
		}
	}
	return newValidationError(src.ID, fmt.Sprintf("edge %s handle %q does not match any classifier class", edge.ID, edge.SourceHandleID))
}

func buildTopology(nodes []*NodeData, edges []*EdgeData) Topology {
	topo := Topology{
		Adj:    make(map[string][]string, len(nodes)),
		Radj:   make(map[string][]string, len(nodes)),
		InDeg:  make(map[string]int, len(nodes)),
		OutDeg: make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		topo.InDeg[n.ID] = 0
		topo.OutDeg[n.ID] = 0
	}
	for _, e := range edges {
		topo.Adj[e.Source] = append(topo.Adj[e.Source], e.Target)
		topo.Radj[e.Target] = append(topo.Radj[e.Target], e.Source)
		topo.OutDeg[e.Source]++
		topo.InDeg[e.Target]++
	}
	return topo
}

func (v *Validator) checkStructuralEndpoints(nodes []*NodeData, nodesByID map[string]*NodeData, topo *Topology) error {
	var sources, sinks []string
	for _, n := range nodes {
		if topo.InDeg[n.ID] == 0 {
			sources = append(sources, n.ID)
		}
		if topo.OutDeg[n.ID] == 0 {
			sinks = append(sinks, n.ID)
		}
	}
	if len(sources) != 1 {
		return newValidationError("", fmt.Sprintf("graph requires exactly one structural start (in-degree 0), found %d", len(sources)))
	}
	if len(sinks) != 1 {
		return newValidationError("", fmt.Sprintf("graph requires exactly one structural end (out-degree 0), found %d", len(sinks)))
	}
	if nodesByID[sources[0]].Type != NodeStart {
		return newValidationError(sources[0], "structural start node is not of type start")
	}
	if nodesByID[sinks[0]].Type != NodeEnd {
		return newValidationError(sinks[0], "structural end node is not of type end")
	}
	topo.StartID = sources[0]
	topo.EndID = sinks[0]
	return nil
}

// checkReachability verifies every node is reachable from the start node via
// breadth-first traversal over the adjacency list.
func (v *Validator) checkReachability(nodes []*NodeData, topo *Topology) error {
	visited := make(map[string]struct{}, len(nodes))
	queue := []string{topo.StartID}
	visited[topo.StartID] = struct{}{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range topo.Adj[cur] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	if len(visited) != len(nodes) {
		var orphans []string
		for _, n := range nodes {
			if _, ok := visited[n.ID]; !ok {
				orphans = append(orphans, n.ID)
			}
		}
		return newValidationError("", fmt.Sprintf("nodes not reachable from start: %v", orphans))
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm: iteratively strip zero-in-degree nodes;
// visiting fewer nodes than exist means a cycle remains.
func (v *Validator) checkAcyclic(nodes []*NodeData, topo *Topology) error {
	inDeg := make(map[string]int, len(nodes))
	for id, d := range topo.InDeg {
		inDeg[id] = d
	}
	var queue []string
	for _, n := range nodes {
		if inDeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range topo.Adj[cur] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(nodes) {
		return newValidationError("", "workflow graph contains a cycle")
	}
	return nil
}

// checkReferences enforces the variable-reference invariant: every ref value
// must point at a graph predecessor's declared output (or a start node's
// declared input). Predecessor sets are computed by DFS over the reverse
// adjacency list, memoized per target node.
func (v *Validator) checkReferences(nodes []*NodeData, nodesByID map[string]*NodeData, topo *Topology) error {
	memo := make(map[string]map[string]struct{}, len(nodes))

	for _, n := range nodes {
		vars := n.Inputs
		if n.Type == NodeEnd {
			vars = n.Outputs
		}
		for _, vr := range vars {
			if vr.Value.Kind != ValueRef {
				continue
			}
			preds := predecessors(n.ID, topo, memo)
			if _, ok := preds[vr.Value.RefNodeID]; !ok {
				return newValidationError(n.ID, fmt.Sprintf("variable %q references node %q which is not a predecessor", vr.Name, vr.Value.RefNodeID))
			}
			ref := nodesByID[vr.Value.RefNodeID]
			if !declaresOutput(ref, vr.Value.RefVarName) {
				return newValidationError(n.ID, fmt.Sprintf("variable %q references %q which node %q does not declare", vr.Name, vr.Value.RefVarName, vr.Value.RefNodeID))
			}
		}
	}
	return nil
}

func predecessors(id string, topo *Topology, memo map[string]map[string]struct{}) map[string]struct{} {
	if cached, ok := memo[id]; ok {
		return cached
	}
	result := make(map[string]struct{})
	var dfs func(cur string)
	dfs = func(cur string) {
		for _, p := range topo.Radj[cur] {
			if _, seen := result[p]; seen {
				continue
			}
			result[p] = struct{}{}
			dfs(p)
		}
	}
	dfs(id)
	memo[id] = result
	return result
}

// declaresOutput reports whether node n declares the variable name among its
// outputs, its fixed per-type outputs, or (for start nodes) its inputs.
func declaresOutput(n *NodeData, name string) bool {
	if n == nil {
		return false
	}
	if n.Type == NodeStart {
		for _, in := range n.Inputs {
			if in.Name == name {
				return true
			}
		}
	}
	for _, out := range n.Outputs {
		if out.Name == name {
			return true
		}
	}
	for _, fixed := range fixedOutputs(n.Type) {
		if fixed == name {
			return true
		}
	}
	return false
}

// fixedOutputs lists the outputs a node kind always produces regardless of
// its declared output variables.
func fixedOutputs(t NodeType) []string {
	switch t {
	case NodeLLM, NodeTemplate:
		return []string{"output"}
	case NodeRetrieval:
		return []string{"combine_documents"}
	case NodeTool:
		return []string{"text"}
	case NodeHTTP:
		return []string{"status_code", "text"}
	case NodeIteration:
		return []string{"outputs"}
	default:
		return nil
	}
}
