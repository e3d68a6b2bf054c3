// Package engine implements the tick loop (component C5): drain the kill
// and add queues, advance every in-progress node through the planner and
// whatever executor its action names, apply the result, and persist it.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowkeep/engine/internal/config"
	"github.com/flowkeep/engine/internal/executor"
	"github.com/flowkeep/engine/internal/lifecycle"
	"github.com/flowkeep/engine/internal/logging"
	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/planner"
	"github.com/flowkeep/engine/internal/store"
)

// Engine drives every in-progress node to its next state once per tick. It
// is safe for exactly one instance to run against a given Store at a time
// (spec §5's single-writer assumption); Store itself serializes the actual
// mutations, so Engine's only job is bounding concurrency and mapping
// planner actions onto executor calls.
type Engine struct {
	store    store.Store
	registry *executor.Registry
	cfg      config.EngineConfig
	log      *logging.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

var _ lifecycle.Service = (*Engine)(nil)

// New builds an Engine. log may be nil, in which case a default logger is
// used.
func New(st store.Store, reg *executor.Registry, cfg config.EngineConfig, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewDefault("engine")
	}
	return &Engine{
		store:    st,
		registry: reg,
		cfg:      cfg,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

func (e *Engine) Name() string { return "engine" }

// Start runs the tick loop in the background until Stop is called or ctx is
// cancelled from outside. It returns immediately, matching the other
// lifecycle.Service implementations in this tree.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(runCtx)
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake nudges the loop into running a tick immediately instead of waiting
// out the poll interval. The HTTP add-nodes/kill handlers call this after
// queuing so a freshly submitted batch doesn't sit idle for a full
// block_step_time.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	interval := e.cfg.BlockStepTime()
	if interval <= 0 {
		interval = 3 * time.Second
	}

	e.tick(ctx)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		}
		e.tick(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// tick is spec §4.5's four steps, minus the sleep (the caller owns that).
func (e *Engine) tick(ctx context.Context) {
	if !e.cfg.ReadOnlyMode {
		e.drainKills(ctx)
		e.drainAdds(ctx)
	}
	if err := e.advanceActives(ctx); err != nil {
		e.log.WithField("error", err).Error("advance actives")
	}
}

func (e *Engine) drainKills(ctx context.Context) {
	ids, err := e.store.DrainKills(ctx)
	if err != nil {
		e.log.WithField("error", err).Error("drain kills")
		return
	}
	if len(ids) > 0 {
		e.log.WithField("count", len(ids)).Debug("drained kills")
	}
}

func (e *Engine) drainAdds(ctx context.Context) {
	ids, err := e.store.DrainAdds(ctx)
	if err != nil {
		e.log.WithField("error", err).Error("drain adds")
		return
	}
	if len(ids) > 0 {
		e.log.WithField("count", len(ids)).Debug("drained adds")
	}
}

// advanceActives fans out to at most cfg.ConcurrentSteps goroutines, one
// per in-progress node, then waits for all of them before returning — spec
// §5's "up to concurrent_steps executor calls concurrently".
func (e *Engine) advanceActives(ctx context.Context) error {
	limit := e.cfg.ConcurrentSteps
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	done := make(chan struct{})
	var inFlight int

	err := e.store.ForEachActive(ctx, func(n *node.Node) error {
		sem <- struct{}{}
		inFlight++
		go func(n *node.Node) {
			defer func() { <-sem; done <- struct{}{} }()
			e.advanceOne(ctx, n)
		}(n)
		return nil
	})
	for i := 0; i < inFlight; i++ {
		<-done
	}
	return err
}

// advanceOne clones n before mutating it so no other holder of the
// original pointer (the store's own row, a cache snapshot) observes a
// partially-applied transition.
func (e *Engine) advanceOne(ctx context.Context, n *node.Node) {
	clone := n.Clone()
	action := planner.Plan(clone)
	result := e.execute(ctx, clone, action)

	outcome, err := planner.Apply(clone, action, result)
	if err != nil {
		e.log.WithField("node", clone.ID).WithField("error", err).Error("apply transition")
		return
	}

	if !outcome.Changed && e.cfg.MaxSuccessiveAttempts > 0 && outcome.Attempt > e.cfg.MaxSuccessiveAttempts {
		e.forceFailure(clone, outcome.Tag)
	}

	if err := e.store.Update(ctx, clone); err != nil {
		e.log.WithField("node", clone.ID).WithField("error", err).Error("persist transition")
		return
	}

	for _, id := range outcome.ActivateIDs {
		e.activate(ctx, id, n.ID)
	}
	if outcome.Changed || len(outcome.ActivateIDs) > 0 {
		e.Wake()
	}
}

// execute performs whatever side effect action.Kind names, returning the
// tri-valued result planner.Apply folds into the next history entry.
// DoNothing and Activate need no side effect at all.
func (e *Engine) execute(ctx context.Context, n *node.Node, action planner.Action) planner.Result {
	switch action.Kind {
	case planner.DoNothing, planner.Activate:
		return planner.Result{}
	case planner.CheckDeps:
		return e.checkDeps(ctx, n)
	case planner.EvalCondition:
		return e.evalCondition(ctx, action.Condition)
	case planner.StartRunning:
		return e.callExecutor(ctx, n.Build.PluginName, func(ex executor.Executor, cctx context.Context) planner.Result {
			return ex.Start(cctx, n.Build)
		})
	case planner.CheckProcess:
		if action.Book == nil {
			return planner.Fatal("check_process: node has no run bookkeeping", nil)
		}
		return e.callExecutor(ctx, action.Book.PluginName, func(ex executor.Executor, cctx context.Context) planner.Result {
			return ex.Check(cctx, action.Book)
		})
	case planner.Kill:
		if action.Book == nil {
			return planner.Fatal("kill: node has no run bookkeeping", nil)
		}
		return e.callExecutor(ctx, action.Book.PluginName, func(ex executor.Executor, cctx context.Context) planner.Result {
			return ex.Kill(cctx, action.Book)
		})
	default:
		return planner.Fatal(fmt.Sprintf("engine: unhandled action kind %q", action.Kind), nil)
	}
}

// callExecutor clamps every outbound plugin RPC to host_timeout_upper_bound
// (spec §5), turns a non-OK result returned after that deadline into a
// recoverable executor.TimeoutError, and turns an unregistered plugin name
// into a fatal result rather than a process-level error.
func (e *Engine) callExecutor(ctx context.Context, pluginName string, fn func(executor.Executor, context.Context) planner.Result) planner.Result {
	ex, err := e.registry.Lookup(pluginName)
	if err != nil {
		return planner.Fatal(err.Error(), nil)
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.HostTimeoutUpperBound())
	defer cancel()
	r := fn(ex, cctx)
	if r.Kind != planner.ResultOK && cctx.Err() == context.DeadlineExceeded {
		return planner.Recoverable((&executor.TimeoutError{Plugin: pluginName, Op: "call"}).Error(), r.Book)
	}
	return r
}

// checkDeps looks up every dependency's current simplified status straight
// from the store and folds it through
// planner.DepsResult. A store lookup failure is treated as recoverable —
// the dependency graph invariant guarantees the id exists, so a failure
// here means a transient store problem, not a missing node.
func (e *Engine) checkDeps(ctx context.Context, n *node.Node) planner.Result {
	if len(n.DependsOn) == 0 {
		return planner.OK(nil).Done(true)
	}
	statuses := make(map[string]node.SimplifiedStatus, len(n.DependsOn))
	for _, id := range n.DependsOn {
		dep, err := e.store.Get(ctx, id)
		if err != nil {
			return planner.Recoverable(fmt.Sprintf("dependency %s: %v", id, err), nil)
		}
		statuses[id] = node.Simplify(dep.History)
	}
	return planner.DepsResult(statuses)
}

func (e *Engine) evalCondition(ctx context.Context, cond *node.Condition) planner.Result {
	if cond == nil {
		return planner.OK(nil).Satisfied(true)
	}
	ev, err := e.registry.ConditionEvaluator()
	if err != nil {
		return planner.Fatal(err.Error(), nil)
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.HostTimeoutUpperBound())
	defer cancel()
	return ev.Eval(cctx, *cond)
}

// activate loads id fresh (it may have been queued for activation by more
// than one sibling terminal) and silently ignores an already-active target
// rather than surfacing Node.Activate's programming error.
func (e *Engine) activate(ctx context.Context, id, sourceID string) {
	target, err := e.store.Get(ctx, id)
	if err != nil {
		e.log.WithField("id", id).WithField("error", err).Error("activate: lookup failed")
		return
	}
	if target.History.Latest().Tag != node.Passive {
		return
	}
	if err := target.Activate(node.ActivatedByDependency(sourceID)); err != nil {
		e.log.WithField("id", id).WithField("error", err).Warn("activate: unexpected state")
		return
	}
	if err := e.store.Update(ctx, target); err != nil {
		e.log.WithField("id", id).WithField("error", err).Error("activate: persist failed")
	}
}

// forceFailure pushes tag's failure-terminal successor directly onto
// clone's history when a self-loop has exceeded max_successive_attempts —
// spec §4.5's "exceeding it marks the node failed with a descriptive log".
// Every self-loop tag here has exactly one failure-terminal successor in
// the legal-predecessor table, so the mapping is total over the tags
// Plan/Apply can actually leave a node sitting in after a failed Apply.
func (e *Engine) forceFailure(clone *node.Node, tag node.StateTag) {
	failTag, ok := attemptsExceededTag(tag)
	if !ok {
		return
	}
	msg := fmt.Sprintf("exceeded max_successive_attempts (%d) in state %q", e.cfg.MaxSuccessiveAttempts, tag)
	h, err := clone.History.Push(node.HistoryEntry{Tag: failTag, Time: time.Now().UTC(), Log: msg})
	if err != nil {
		e.log.WithField("node", clone.ID).WithField("error", err).Error("force failure")
		return
	}
	clone.History = h
}

func attemptsExceededTag(tag node.StateTag) (node.StateTag, bool) {
	switch tag {
	case node.StillBuilding:
		return node.DependenciesFailed, true
	case node.TriedToStart:
		return node.FailedToStart, true
	case node.StillRunningDespiteRecoverableError:
		return node.FailedRunning, true
	case node.EvaluatingCondition:
		return node.FailedToEvalCondition, true
	case node.TriedToReevalCondition:
		return node.DidNotEnsureCondition, true
	case node.TriedToKill:
		return node.FailedToKill, true
	default:
		return "", false
	}
}
