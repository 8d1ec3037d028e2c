package agent

// QueueEvent is the kind of one streamed reasoning event.
type QueueEvent string

const (
	EventPing                 QueueEvent = "ping"
	EventAgentMessage         QueueEvent = "agent_message"
	EventAgentThought         QueueEvent = "agent_thought"
	EventAgentAction          QueueEvent = "agent_action"
	EventDatasetRetrieval     QueueEvent = "dataset_retrieval"
	EventLongTermMemoryRecall QueueEvent = "long_term_memory_recall"

	// Terminal kinds. Publishing any of these closes the task queue.
	EventStop     QueueEvent = "stop"
	EventError    QueueEvent = "error"
	EventTimeout  QueueEvent = "timeout"
	EventAgentEnd QueueEvent = "agent_end"
)

// Terminal reports whether the event kind ends the task stream.
func (e QueueEvent) Terminal() bool {
	switch e {
	case EventStop, EventError, EventTimeout, EventAgentEnd:
		return true
	}
	return false
}

// AgentThought is one unit of the streamed reasoning trace: a thought, a
// tool action, a message chunk or a control event. Persisted reasoning
// steps keep exactly this field shape.
type AgentThought struct {
	ID       string     `json:"id"`
	TaskID   string     `json:"task_id,omitempty"`
	Position int        `json:"position"`
	Event    QueueEvent `json:"event"`

	Thought     string `json:"thought,omitempty"`
	Observation string `json:"observation,omitempty"`
	Tool        string `json:"tool,omitempty"`
	ToolInput   string `json:"tool_input,omitempty"`
	Answer      string `json:"answer,omitempty"`

	MessageTokens int     `json:"message_tokens,omitempty"`
	MessagePrice  float64 `json:"message_price,omitempty"`
	AnswerTokens  int     `json:"answer_tokens,omitempty"`
	AnswerPrice   float64 `json:"answer_price,omitempty"`
	TotalTokens   int     `json:"total_tokens,omitempty"`
	TotalPrice    float64 `json:"total_price,omitempty"`
	Latency       float64 `json:"latency,omitempty"` // seconds
}

// Accumulator reconstructs logical thoughts from a stream of event chunks.
// Events are keyed by id: agent_message chunks concatenate their thought and
// answer text onto the existing slot while numeric fields take the latest
// value; every other kind overwrites the slot for its id.
type Accumulator struct {
	order []string
	slots map[string]*AgentThought
}

func NewAccumulator() *Accumulator {
	return &Accumulator{slots: make(map[string]*AgentThought)}
}

// Add merges one event chunk into the accumulated view.
func (a *Accumulator) Add(t *AgentThought) {
	existing, ok := a.slots[t.ID]
	if !ok {
		cp := *t
		a.slots[t.ID] = &cp
		a.order = append(a.order, t.ID)
		return
	}

	if t.Event != EventAgentMessage {
		cp := *t
		a.slots[t.ID] = &cp
		return
	}

	existing.Event = t.Event
	existing.Thought += t.Thought
	existing.Answer += t.Answer
	if t.Observation != "" {
		existing.Observation = t.Observation
	}
	if t.Tool != "" {
		existing.Tool = t.Tool
	}
	if t.ToolInput != "" {
		existing.ToolInput = t.ToolInput
	}
	existing.MessageTokens = t.MessageTokens
	existing.MessagePrice = t.MessagePrice
	existing.AnswerTokens = t.AnswerTokens
	existing.AnswerPrice = t.AnswerPrice
	existing.TotalTokens = t.TotalTokens
	existing.TotalPrice = t.TotalPrice
	existing.Latency = t.Latency
}

// Thoughts returns the accumulated thoughts in first-seen order.
func (a *Accumulator) Thoughts() []*AgentThought {
	out := make([]*AgentThought, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.slots[id])
	}
	return out
}
