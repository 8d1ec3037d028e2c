package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomstack/loom/internal/cache"
)

const (
	pollInterval  = 1 * time.Second
	pingInterval  = 10 * time.Second
	listenTimeout = 600 * time.Second

	ownerTagTTL = 1800 * time.Second
	stopFlagTTL = 600 * time.Second
)

func ownerKey(taskID string) string { return fmt.Sprintf("agent:task:%s:owner", taskID) }
func stopKey(taskID string) string  { return fmt.Sprintf("agent:task:%s:stopped", taskID) }

func ownerValue(invokeFrom InvokeFrom, userID string) string {
	return fmt.Sprintf("%s:%s", invokeFrom, userID)
}

type queueItem struct {
	thought *AgentThought
	close   bool
}

// Queue is the per-task event queue bridging the reasoning loop (producer)
// and the response stream (consumer). Delivery is FIFO; publishing a
// terminal event enqueues a close sentinel behind it. Listen may be called
// at most once per queue.
type Queue struct {
	taskID string
	items  chan queueItem
	done   chan struct{}
	cache  *cache.Manager
	logger *zap.Logger

	mu       sync.Mutex
	position int
}

// NewQueue creates the task's queue and tags it with the owning identity
// so that later stop requests can be authorized.
func NewQueue(ctx context.Context, taskID, userID string, invokeFrom InvokeFrom, cm *cache.Manager, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cm != nil {
		if err := cm.Set(ctx, ownerKey(taskID), ownerValue(invokeFrom, userID), ownerTagTTL); err != nil {
			return nil, fmt.Errorf("tag task owner: %w", err)
		}
	}
	return &Queue{
		taskID: taskID,
		items:  make(chan queueItem, 256),
		done:   make(chan struct{}),
		cache:  cm,
		logger: logger.With(zap.String("component", "agent_queue"), zap.String("task_id", taskID)),
	}, nil
}

// Publish enqueues one event. Missing ids are filled in and positions are
// assigned in publish order. The four terminal kinds also enqueue the close
// sentinel, ending any listener. Publish is safe for concurrent use: the
// reasoning loop and the listen goroutine (PING, TIMEOUT, STOP) both call
// it. Once the listener is gone, events are dropped rather than blocking
// the producer on a full buffer.
func (q *Queue) Publish(t *AgentThought) {
	q.stamp(t)

	select {
	case q.items <- queueItem{thought: t}:
	case <-q.done:
		return
	}
	if t.Event.Terminal() {
		select {
		case q.items <- queueItem{close: true}:
			q.logger.Debug("queue closed", zap.String("event", string(t.Event)))
		case <-q.done:
		}
	}
}

// stamp fills an event's id, task id and publish-order position.
func (q *Queue) stamp(t *AgentThought) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.TaskID = q.taskID
	q.mu.Lock()
	q.position++
	t.Position = q.position
	q.mu.Unlock()
}

// Listen drains the queue until the close sentinel is read. It polls with a
// 1-second timeout so that, between reads, it can emit a keep-alive PING
// each time total elapsed time crosses a 10-second boundary, emit TIMEOUT
// once elapsed exceeds the task deadline, and emit STOP when the external
// stop flag set by Stop is observed. Control events are stamped and handed
// to the consumer directly rather than enqueued, so they cannot deadlock
// against a full buffer; TIMEOUT and STOP end the stream immediately,
// discarding whatever the producer still has buffered.
func (q *Queue) Listen(ctx context.Context) <-chan *AgentThought {
	out := make(chan *AgentThought)
	go func() {
		defer close(out)
		defer close(q.done) // unblocks producers once nobody consumes

		emit := func(t *AgentThought) bool {
			q.stamp(t)
			select {
			case out <- t:
				return true
			case <-ctx.Done():
				return false
			}
		}

		start := time.Now()
		lastBoundary := 0

		for {
			select {
			case item := <-q.items:
				if item.close {
					return
				}
				select {
				case out <- item.thought:
				case <-ctx.Done():
					return
				}
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return
			}

			elapsed := time.Since(start)
			if boundary := int(elapsed / pingInterval); boundary > lastBoundary {
				lastBoundary = boundary
				if !emit(&AgentThought{Event: EventPing}) {
					return
				}
			}
			if elapsed > listenTimeout {
				q.logger.Warn("task timed out", zap.Duration("elapsed", elapsed))
				emit(&AgentThought{Event: EventTimeout})
				return
			}
			if q.stopped(ctx) {
				emit(&AgentThought{Event: EventStop})
				return
			}
		}
	}()
	return out
}

func (q *Queue) stopped(ctx context.Context) bool {
	if q.cache == nil {
		return false
	}
	n, err := q.cache.Exists(ctx, stopKey(q.taskID))
	if err != nil {
		q.logger.Warn("stop flag check failed", zap.Error(err))
		return false
	}
	return n > 0
}

// Stop requests cancellation of a running task from any request context.
// The caller's identity must match the owner tag recorded when the task's
// queue was created; on a match it sets the short-TTL stop flag that the
// task's listen loop polls.
func Stop(ctx context.Context, taskID string, invokeFrom InvokeFrom, userID string, cm *cache.Manager) error {
	owner, err := cm.Get(ctx, ownerKey(taskID))
	if err != nil {
		if cache.IsCacheMiss(err) {
			return ErrNotTaskOwner
		}
		return fmt.Errorf("read task owner: %w", err)
	}
	if owner != ownerValue(invokeFrom, userID) {
		return ErrNotTaskOwner
	}
	return cm.Set(ctx, stopKey(taskID), "1", stopFlagTTL)
}
