package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomstack/loom/agent"
	"github.com/loomstack/loom/internal/cache"
	"github.com/loomstack/loom/llm"
	"github.com/loomstack/loom/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "loom_test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startEndConfig(id string) *workflow.Config {
	return &workflow.Config{
		ID:   id,
		Name: "test_flow",
		Nodes: []map[string]any{
			{"id": "n1", "node_type": "start", "title": "Start"},
			{"id": "n2", "node_type": "end", "title": "End"},
		},
		Edges: []map[string]any{
			{"id": "e1", "source": "n1", "source_type": "start", "target": "n2", "target_type": "end"},
		},
	}
}

func TestWorkflowDraftPublishLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := workflow.NewValidator(zap.NewNop())

	cfg := startEndConfig("wf-1")
	require.NoError(t, s.Workflows.SaveDraft(ctx, cfg))

	_, err := s.Workflows.LoadPublished(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotPublished)

	require.NoError(t, s.Workflows.Publish(ctx, "wf-1", v))

	got, err := s.Workflows.LoadPublished(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "test_flow", got.Name)
	assert.Len(t, got.Nodes, 2)
	assert.Len(t, got.Edges, 1)
}

func TestPublishRejectsInvalidDraftAndKeepsPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := workflow.NewValidator(zap.NewNop())

	cfg := startEndConfig("wf-2")
	require.NoError(t, s.Workflows.SaveDraft(ctx, cfg))
	require.NoError(t, s.Workflows.Publish(ctx, "wf-2", v))

	// A draft without an end node must not publish.
	broken := startEndConfig("wf-2")
	broken.Nodes = broken.Nodes[:1]
	broken.Edges = nil
	require.NoError(t, s.Workflows.SaveDraft(ctx, broken))

	err := s.Workflows.Publish(ctx, "wf-2", v)
	require.Error(t, err)

	got, err := s.Workflows.LoadPublished(ctx, "wf-2")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2, "published snapshot must be untouched")
}

func TestLoadPublishedUnknownWorkflow(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Workflows.LoadPublished(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestWorkflowPublishedCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := workflow.NewValidator(zap.NewNop())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cm := cache.NewManagerWithClient(client, cache.DefaultConfig(), zap.NewNop())
	s.Workflows.WithCache(cm, nil)

	cfg := startEndConfig("wf-3")
	require.NoError(t, s.Workflows.SaveDraft(ctx, cfg))
	require.NoError(t, s.Workflows.Publish(ctx, "wf-3", v))

	first, err := s.Workflows.LoadPublished(ctx, "wf-3")
	require.NoError(t, err)

	// Second load is served from cache and must be equivalent.
	second, err := s.Workflows.LoadPublished(ctx, "wf-3")
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.Nodes, second.Nodes)
	assert.Equal(t, first.Edges, second.Edges)
}

func TestMessageHistoryRebuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exchanges := []MessageRecord{
		{ConversationID: "c1", Query: "first question", Answer: "first answer"},
		{ConversationID: "c1", Query: "second question", Answer: "second answer"},
		{ConversationID: "c1", Query: "failed question", Answer: "", Status: MessageStatusError},
		{ConversationID: "other", Query: "unrelated", Answer: "unrelated"},
	}
	for i := range exchanges {
		require.NoError(t, s.Messages.Save(ctx, &exchanges[i]))
	}

	history, err := s.Messages.History(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, history, 4, "incomplete exchanges must not contribute")

	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "first question", history[0].Content)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Equal(t, "first answer", history[1].Content)
	assert.Equal(t, "second question", history[2].Content)
	assert.Equal(t, "second answer", history[3].Content)
	assert.Zero(t, len(history)%2)
}

func TestMessageSetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &MessageRecord{ConversationID: "c1", Query: "q", Answer: "partial"}
	require.NoError(t, s.Messages.Save(ctx, rec))
	require.NoError(t, s.Messages.SetStatus(ctx, rec.ID, MessageStatusTimeout))

	got, err := s.Messages.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageStatusTimeout, got.Status)

	assert.ErrorIs(t, s.Messages.SetStatus(ctx, "missing", MessageStatusStopped), ErrMessageNotFound)
}

func TestThoughtRunPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thoughts := []*agent.AgentThought{
		{ID: "t1", Position: 1, Event: agent.EventAgentThought, Thought: "calling tool"},
		{ID: "p1", Position: 2, Event: agent.EventPing},
		{ID: "t2", Position: 3, Event: agent.EventAgentAction, Tool: "echo", Observation: "echo: hi"},
		{ID: "t3", Position: 4, Event: agent.EventAgentMessage, Answer: "done", TotalTokens: 12, TotalPrice: 0.003},
	}
	require.NoError(t, s.Thoughts.SaveRun(ctx, "msg-1", thoughts))

	recs, err := s.Thoughts.ListByMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.Len(t, recs, 3, "pings are not persisted")

	assert.Equal(t, "t1", recs[0].ID)
	assert.Equal(t, "echo", recs[1].Tool)
	assert.Equal(t, "done", recs[2].Answer)
	assert.Equal(t, 12, recs[2].TotalTokens)
	assert.InDelta(t, 0.003, recs[2].TotalPrice, 1e-9)
}
