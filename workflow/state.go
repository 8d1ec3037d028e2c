package workflow

import "time"

// NodeStatus is the lifecycle status of one node invocation.
type NodeStatus string

const (
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
)

// NodeResult records one node invocation. It is created once and never
// mutated after being appended to a State.
type NodeResult struct {
	NodeID   string         `json:"node_id"`
	NodeType NodeType       `json:"node_type"`
	Title    string         `json:"title"`
	Status   NodeStatus     `json:"status"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Latency  float64        `json:"latency"` // seconds
	Error    string         `json:"error,omitempty"`
}

// State is the shared record threaded through one workflow execution:
// Inputs and Outputs merge by key (later writes win), NodeResults appends.
type State struct {
	Inputs      map[string]any `json:"inputs"`
	Outputs     map[string]any `json:"outputs"`
	NodeResults []NodeResult   `json:"node_results"`
}

func NewState(inputs map[string]any) *State {
	st := &State{
		Inputs:  make(map[string]any, len(inputs)),
		Outputs: make(map[string]any),
	}
	for k, v := range inputs {
		st.Inputs[k] = v
	}
	return st
}

// Update is a partial state produced by one node invocation.
type Update struct {
	Inputs      map[string]any
	Outputs     map[string]any
	NodeResults []NodeResult
}

// apply merges an update into the state. Callers serialize access; the
// engine holds its own mutex around fan-in merges.
func (s *State) apply(u Update) {
	for k, v := range u.Inputs {
		s.Inputs[k] = v
	}
	for k, v := range u.Outputs {
		s.Outputs[k] = v
	}
	s.NodeResults = append(s.NodeResults, u.NodeResults...)
}

// lookupOutput scans node results for the output variable name of the node
// with the given id. The most recent result wins when a node ran repeatedly.
func (s *State) lookupOutput(nodeID, varName string) (any, bool) {
	for i := len(s.NodeResults) - 1; i >= 0; i-- {
		r := &s.NodeResults[i]
		if r.NodeID != nodeID {
			continue
		}
		if v, ok := r.Outputs[varName]; ok {
			return v, true
		}
		return nil, false
	}
	return nil, false
}

// resultUpdate wraps a single node result as an Update.
func resultUpdate(r NodeResult) Update {
	return Update{NodeResults: []NodeResult{r}}
}

// newResult starts a result record for a node invocation.
func newResult(data *NodeData, inputs map[string]any, start time.Time) NodeResult {
	return NodeResult{
		NodeID:   data.ID,
		NodeType: data.Type,
		Title:    data.Title,
		Status:   StatusRunning,
		Inputs:   inputs,
		Latency:  time.Since(start).Seconds(),
	}
}
