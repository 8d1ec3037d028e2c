package workflow

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomstack/loom/internal/metrics"
	"github.com/loomstack/loom/retrieval"
	"github.com/loomstack/loom/tool"
)

// EventKind discriminates streamed execution events.
type EventKind string

const (
	EventNodeFinished     EventKind = "node_finished"
	EventWorkflowFinished EventKind = "workflow_finished"
	EventWorkflowFailed   EventKind = "workflow_failed"
)

// Event is one streamed execution progress report.
type Event struct {
	Kind   EventKind   `json:"event"`
	Result *NodeResult `json:"result,omitempty"`
	State  *State      `json:"state,omitempty"`
	Err    error       `json:"-"`
}

// Options wires the engine's external collaborators.
type Options struct {
	Models     ModelResolver
	Tools      *tool.Registry
	Retrievers retrieval.Factory
	Loader     Loader
	CodeTimeout time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// Engine validates, compiles and executes workflow configs.
type Engine struct {
	validator  *Validator
	models     ModelResolver
	tools      *tool.Registry
	retrievers retrieval.Factory
	loader     Loader
	runner     *CodeRunner
	httpClient *http.Client
	metrics    *metrics.Collector
	resolver   *Resolver
	logger     *zap.Logger
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{
		validator:  NewValidator(logger),
		models:     opts.Models,
		tools:      opts.Tools,
		retrievers: opts.Retrievers,
		loader:     opts.Loader,
		runner:     NewCodeRunner(opts.CodeTimeout, logger),
		httpClient: client,
		metrics:    opts.Metrics,
		resolver:   NewResolver(logger),
		logger:     logger.With(zap.String("component", "workflow_engine")),
	}
}

// Validator exposes the engine's strict validator, used by the publish path.
func (e *Engine) Validator() *Validator { return e.validator }

func (e *Engine) deps() compileDeps {
	return compileDeps{
		models:     e.models,
		tools:      e.tools,
		retrievers: e.retrievers,
		loader:     e.loader,
		runner:     e.runner,
		httpClient: e.httpClient,
		runNested:  e.runNested,
		resolver:   e.resolver,
		logger:     e.logger,
	}
}

// Run validates, compiles and executes cfg to completion, returning the
// final state.
func (e *Engine) Run(ctx context.Context, cfg *Config, inputs map[string]any) (*State, error) {
	valid, err := e.validator.Validate(cfg)
	if err != nil {
		return nil, err
	}
	graph, err := compile(valid, e.deps())
	if err != nil {
		return nil, err
	}
	return e.runGraph(ctx, graph, inputs, nil)
}

// RunStream executes cfg and streams one event per completed node, ending
// with a workflow_finished or workflow_failed event. Validation and
// compilation errors are returned synchronously.
func (e *Engine) RunStream(ctx context.Context, cfg *Config, inputs map[string]any) (<-chan Event, error) {
	valid, err := e.validator.Validate(cfg)
	if err != nil {
		return nil, err
	}
	graph, err := compile(valid, e.deps())
	if err != nil {
		return nil, err
	}

	events := make(chan Event, len(graph.nodes)+2)
	go func() {
		defer close(events)
		st, err := e.runGraph(ctx, graph, inputs, func(ev Event) {
			events <- ev
		})
		if err != nil {
			events <- Event{Kind: EventWorkflowFailed, Err: err}
			return
		}
		events <- Event{Kind: EventWorkflowFinished, State: st}
	}()
	return events, nil
}

// runNested executes a nested workflow config for an iteration node.
func (e *Engine) runNested(ctx context.Context, cfg *Config, inputs map[string]any) (*State, error) {
	return e.Run(ctx, cfg, inputs)
}

// runGraph walks the compiled graph edge by edge. Simultaneously-ready
// branches run on their own goroutines; their updates merge into the shared
// state under the engine's mutex (inputs/outputs overwrite by key, results
// append). A classifier outcome activates only its chosen virtual branch;
// the other branches are skipped, and skipping propagates to any node all
// of whose predecessors were skipped.
func (e *Engine) runGraph(ctx context.Context, g *ExecGraph, inputs map[string]any, emit func(Event)) (*State, error) {
	st := NewState(inputs)

	var mu sync.Mutex
	pending := make(map[string]int, len(g.nodes))
	hasLive := make(map[string]bool, len(g.nodes))
	for key := range g.nodes {
		pending[key] = len(g.preds[key])
	}

	grp, gctx := errgroup.WithContext(ctx)

	var schedule func(key string)
	var resolveEdge func(succ string, live bool)
	var markSkipped func(key string)

	// resolveEdge and markSkipped run with mu held.
	resolveEdge = func(succ string, live bool) {
		pending[succ]--
		if live {
			hasLive[succ] = true
		}
		if pending[succ] == 0 {
			if hasLive[succ] {
				schedule(succ)
			} else {
				markSkipped(succ)
			}
		}
	}
	markSkipped = func(key string) {
		for _, succ := range g.adj[key] {
			resolveEdge(succ, false)
		}
	}

	schedule = func(key string) {
		en := g.nodes[key]
		if en.node == nil {
			// Virtual branch terminal: pass through.
			for _, succ := range g.adj[key] {
				resolveEdge(succ, true)
			}
			return
		}
		grp.Go(func() error {
			mu.Lock()
			snapshot := st.clone()
			mu.Unlock()

			start := time.Now()
			outcome, err := en.node.Execute(gctx, snapshot)
			if err != nil {
				data := en.node.Data()
				failed := newResult(data, nil, start)
				failed.Status = StatusFailed
				failed.Error = err.Error()
				failed.Latency = time.Since(start).Seconds()

				mu.Lock()
				st.apply(resultUpdate(failed))
				mu.Unlock()

				e.observeNode(data.Type, StatusFailed, failed.Latency)
				if emit != nil {
					emit(Event{Kind: EventNodeFinished, Result: &failed})
				}
				return fmt.Errorf("node %s: %w", data.ID, err)
			}

			mu.Lock()
			st.apply(outcome.Update)
			if outcome.Route != "" {
				chosen := virtualKey(en.node.Data().ID, outcome.Route)
				for _, succ := range g.adj[key] {
					sn := g.nodes[succ]
					resolveEdge(succ, !sn.virtual || succ == chosen)
				}
			} else {
				for _, succ := range g.adj[key] {
					resolveEdge(succ, true)
				}
			}
			mu.Unlock()

			if n := len(outcome.Update.NodeResults); n > 0 {
				last := outcome.Update.NodeResults[n-1]
				e.observeNode(last.NodeType, last.Status, last.Latency)
				if emit != nil {
					emit(Event{Kind: EventNodeFinished, Result: &last})
				}
			}
			return nil
		})
	}

	mu.Lock()
	schedule(g.entry)
	mu.Unlock()

	if err := grp.Wait(); err != nil {
		e.logger.Error("workflow execution failed", zap.Error(err))
		return nil, err
	}

	e.logger.Debug("workflow execution completed",
		zap.Int("node_results", len(st.NodeResults)),
	)
	return st, nil
}

func (e *Engine) observeNode(t NodeType, status NodeStatus, latency float64) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveNode(string(t), string(status), latency)
}

// clone copies the state for a lock-free node execution; node results are
// value copies, maps are shallow-copied (values are never mutated in place).
func (s *State) clone() *State {
	c := &State{
		Inputs:      make(map[string]any, len(s.Inputs)),
		Outputs:     make(map[string]any, len(s.Outputs)),
		NodeResults: make([]NodeResult, len(s.NodeResults)),
	}
	for k, v := range s.Inputs {
		c.Inputs[k] = v
	}
	for k, v := range s.Outputs {
		c.Outputs[k] = v
	}
	copy(c.NodeResults, s.NodeResults)
	return c
}
