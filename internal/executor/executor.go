// Package executor defines the plugin boundary (component C6): the
// six-operation contract every external executor implements, dispatched by
// plugin name out of a Registry, plus the companion ConditionEvaluator
// contract condition checks are submitted to.
package executor

import (
	"context"

	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/planner"
)

// Executor is the plugin boundary spec §4.6 names. The engine calls exactly
// these operations and never inspects run parameters itself.
type Executor interface {
	// Name identifies this executor for Registry lookups and logging.
	Name() string

	// Start launches the work described by build and returns its opaque
	// bookkeeping via a planner.OK result.
	Start(ctx context.Context, build node.BuildProcess) planner.Result

	// Check polls a previously started task. An OK result with Done(true)
	// means the task finished successfully.
	Check(ctx context.Context, book *node.Bookkeeping) planner.Result

	// Kill requests cooperative termination of a previously started task.
	Kill(ctx context.Context, book *node.Bookkeeping) planner.Result

	// Serialize/Deserialize round-trip bookkeeping across engine restarts,
	// independent of node.Marshal/Unmarshal which only carry the
	// PluginName/RunParameters fields the core already understands.
	Serialize(book *node.Bookkeeping) ([]byte, error)
	Deserialize(data []byte) (*node.Bookkeeping, error)

	// Query and AvailableQueries are reflective accessors for observation
	// UIs; the core never calls them itself.
	Query(ctx context.Context, book *node.Bookkeeping, queryName string) (string, error)
	AvailableQueries(ctx context.Context, book *node.Bookkeeping) ([]string, error)
}

// ConditionEvaluator submits a Condition tree for evaluation. It shares the
// tri-valued Result shape with Executor: OK's ConditionTrue disambiguates
// true/false, Recoverable/Fatal carry the same severity scheme as executor
// errors.
type ConditionEvaluator interface {
	Eval(ctx context.Context, cond node.Condition) planner.Result
}

// Registry resolves a BuildProcess's PluginName to the Executor that should
// run it. The engine owns one Registry and one ConditionEvaluator for its
// whole lifetime.
type Registry struct {
	executors map[string]Executor
	evaluator ConditionEvaluator
}

// NewRegistry builds an empty Registry. Register executors before starting
// the engine; the condition evaluator is set separately via
// SetConditionEvaluator since conditions aren't tied to a single plugin
// name the way builds are.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds e under its own Name(), overwriting any previous
// registration for that name.
func (r *Registry) Register(e Executor) {
	r.executors[e.Name()] = e
}

// Lookup returns the executor registered for pluginName, or a NotFoundError.
func (r *Registry) Lookup(pluginName string) (Executor, error) {
	e, ok := r.executors[pluginName]
	if !ok {
		return nil, &NotFoundError{PluginName: pluginName}
	}
	return e, nil
}

// SetConditionEvaluator installs the evaluator used for every condition
// check, regardless of which executor ran the node's build.
func (r *Registry) SetConditionEvaluator(ev ConditionEvaluator) {
	r.evaluator = ev
}

// ConditionEvaluator returns the installed evaluator, or a NotFoundError if
// none was set and a node with a condition needs one.
func (r *Registry) ConditionEvaluator() (ConditionEvaluator, error) {
	if r.evaluator == nil {
		return nil, &NotFoundError{PluginName: "<condition evaluator>"}
	}
	return r.evaluator, nil
}
