package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEventTerminal(t *testing.T) {
	terminal := []QueueEvent{EventStop, EventError, EventTimeout, EventAgentEnd}
	for _, e := range terminal {
		assert.True(t, e.Terminal(), string(e))
	}

	open := []QueueEvent{EventPing, EventAgentMessage, EventAgentThought, EventAgentAction, EventDatasetRetrieval, EventLongTermMemoryRecall}
	for _, e := range open {
		assert.False(t, e.Terminal(), string(e))
	}
}

func TestAccumulatorMessageChunksConcatenate(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(&AgentThought{
		ID:           "m1",
		Event:        EventAgentMessage,
		Thought:      "thinking ",
		Answer:       "Hello",
		AnswerTokens: 2,
		Latency:      0.5,
	})
	acc.Add(&AgentThought{
		ID:           "m1",
		Event:        EventAgentMessage,
		Thought:      "more",
		Answer:       ", world",
		AnswerTokens: 4,
		Latency:      1.2,
	})

	thoughts := acc.Thoughts()
	require.Len(t, thoughts, 1)
	got := thoughts[0]
	assert.Equal(t, "thinking more", got.Thought)
	assert.Equal(t, "Hello, world", got.Answer)
	// Numeric fields take the latest chunk's value, not a sum.
	assert.Equal(t, 4, got.AnswerTokens)
	assert.Equal(t, 1.2, got.Latency)
}

func TestAccumulatorNonMessageOverwrites(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(&AgentThought{ID: "t1", Event: EventAgentThought, Thought: "first"})
	acc.Add(&AgentThought{ID: "t1", Event: EventAgentThought, Thought: "second"})

	thoughts := acc.Thoughts()
	require.Len(t, thoughts, 1)
	assert.Equal(t, "second", thoughts[0].Thought)
}

func TestAccumulatorPreservesFirstSeenOrder(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(&AgentThought{ID: "a", Event: EventAgentThought})
	acc.Add(&AgentThought{ID: "b", Event: EventAgentAction})
	acc.Add(&AgentThought{ID: "a", Event: EventAgentMessage, Answer: "x"})

	thoughts := acc.Thoughts()
	require.Len(t, thoughts, 2)
	assert.Equal(t, "a", thoughts[0].ID)
	assert.Equal(t, "b", thoughts[1].ID)
}
