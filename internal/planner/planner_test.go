package planner

import (
	"testing"

	"github.com/flowkeep/engine/internal/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(t *testing.T, n *node.Node, tag node.StateTag) {
	t.Helper()
	h, err := n.History.Push(node.HistoryEntry{Tag: tag})
	require.NoError(t, err)
	n.History = h
}

func applyPlan(t *testing.T, n *node.Node, result Result) Outcome {
	t.Helper()
	action := Plan(n)
	out, err := Apply(n, action, result)
	require.NoError(t, err)
	return out
}

// S1 (no-op): passive → active → building → starting →
// successfully-did-nothing → verified-success → finished; status successful.
func TestScenarioS1NoOp(t *testing.T) {
	n := node.New("A", node.NoOpBuild())
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	assert.Equal(t, node.Active, n.History.Latest().Tag)

	applyPlan(t, n, OK(nil))
	assert.Equal(t, node.Building, n.History.Latest().Tag)

	applyPlan(t, n, DepsResult(nil))
	assert.Equal(t, node.Starting, n.History.Latest().Tag)

	applyPlan(t, n, OK(nil))
	assert.Equal(t, node.SuccessfullyDidNothing, n.History.Latest().Tag)

	applyPlan(t, n, OK(nil))
	assert.Equal(t, node.VerifiedSuccess, n.History.Latest().Tag)

	applyPlan(t, n, OK(nil))
	assert.Equal(t, node.Finished, n.History.Latest().Tag)
	assert.Equal(t, node.StatusSuccessful, node.Simplify(n.History))
}

// S2 (dep failure): B fails during check_process with a fatal error; A's
// check_deps sees B failed and moves to dependencies-failed.
func TestScenarioS2DepFailure(t *testing.T) {
	b := node.New("B", node.LongRunningBuild("local", nil))
	require.NoError(t, b.Activate(node.ActivatedByUser()))
	push(t, b, node.Building)
	push(t, b, node.Starting)
	push(t, b, node.StartedRunning)

	out := applyPlan(t, b, Fatal("boom", nil))
	assert.Equal(t, node.FailedRunning, out.Tag)
	applyPlan(t, b, OK(nil))
	assert.Equal(t, node.Finished, b.History.Latest().Tag)
	assert.Equal(t, node.StatusFailed, node.Simplify(b.History))

	a := node.New("A", node.NoOpBuild())
	a.DependsOn = []string{"B"}
	require.NoError(t, a.Activate(node.ActivatedByUser()))
	applyPlan(t, a, OK(nil))
	assert.Equal(t, node.Building, a.History.Latest().Tag)

	deps := map[string]node.SimplifiedStatus{"B": node.StatusFailed}
	out = applyPlan(t, a, DepsResult(deps))
	assert.Equal(t, node.DependenciesFailed, out.Tag)
	assert.Equal(t, []string{"B"}, a.History.Latest().DepFailed)

	applyPlan(t, a, OK(nil))
	assert.Equal(t, node.Finished, a.History.Latest().Tag)
	assert.Equal(t, node.StatusFailed, node.Simplify(a.History))
}

// S3 (retry-through): check returns recoverable_error three times then
// successful.
func TestScenarioS3RetryThrough(t *testing.T) {
	c := node.New("C", node.LongRunningBuild("local", nil))
	require.NoError(t, c.Activate(node.ActivatedByUser()))
	push(t, c, node.Building)
	push(t, c, node.Starting)
	push(t, c, node.StartedRunning)

	for i := 0; i < 3; i++ {
		out := applyPlan(t, c, Recoverable("net-timeout", nil))
		assert.False(t, out.Changed)
		assert.Equal(t, node.StillRunningDespiteRecoverableError, out.Tag)
		assert.Equal(t, i+1, out.Attempt)
	}

	book := &node.Bookkeeping{PluginName: "local"}
	out := applyPlan(t, c, OK(book).Done(true))
	assert.True(t, out.Changed)
	assert.Equal(t, node.RanSuccessfully, out.Tag)

	applyPlan(t, c, OK(nil))
	assert.Equal(t, node.VerifiedSuccess, c.History.Latest().Tag)
}

// S4 (condition short-circuit): condition evaluates true; executor never
// called, node goes straight to already-done.
func TestScenarioS4ConditionShortCircuit(t *testing.T) {
	cond := node.VolumeExists(node.Volume{Host: "h", RootPath: "/v"})
	d := node.New("D", node.NoOpBuild())
	d.Condition = &cond
	require.NoError(t, d.Activate(node.ActivatedByUser()))

	enter := Plan(d)
	require.Equal(t, DoNothing, enter.Kind)
	require.Equal(t, node.EvaluatingCondition, enter.NextTag)
	applyPlan(t, d, Result{})
	assert.Equal(t, node.EvaluatingCondition, d.History.Latest().Tag)

	action := Plan(d)
	require.Equal(t, EvalCondition, action.Kind)
	out, err := Apply(d, action, OK(nil).Satisfied(true))
	require.NoError(t, err)
	assert.Equal(t, node.AlreadyDone, out.Tag)

	applyPlan(t, d, OK(nil))
	assert.Equal(t, node.Finished, d.History.Latest().Tag)
	assert.Equal(t, node.StatusSuccessful, node.Simplify(d.History))
}

// S6 (kill running): kill enqueued against started-running; executor kill
// invoked with last bookkeeping, returns ok → killed → finished (failed).
func TestScenarioS6KillRunning(t *testing.T) {
	book := &node.Bookkeeping{PluginName: "local", RunParameters: []byte(`{"pid":1}`)}
	n := node.New("F", node.LongRunningBuild("local", nil))
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	push(t, n, node.Building)
	push(t, n, node.Starting)
	h, err := n.History.Push(node.HistoryEntry{Tag: node.StartedRunning, Book: book})
	require.NoError(t, err)
	n.History = h

	applied, err := n.Kill()
	require.NoError(t, err)
	assert.True(t, applied)

	action := Plan(n)
	require.Equal(t, Kill, action.Kind)
	require.NotNil(t, action.Book)
	assert.Equal(t, book.PluginName, action.Book.PluginName)

	out, err := Apply(n, action, OK(book))
	require.NoError(t, err)
	assert.Equal(t, node.Killed, out.Tag)

	applyPlan(t, n, OK(nil))
	assert.Equal(t, node.Finished, n.History.Latest().Tag)
	assert.Equal(t, node.StatusFailed, node.Simplify(n.History))
}

// Killing from a non-running predecessor transitions straight to killed
// without contacting the executor (spec §4.2 tie-break).
func TestKillFromNonRunningSkipsExecutor(t *testing.T) {
	n := node.New("G", node.NoOpBuild())
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	applied, err := n.Kill()
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, node.Killing, n.History.Latest().Tag)

	action := Plan(n)
	assert.Equal(t, DoNothing, action.Kind)
	assert.Equal(t, node.Killed, action.NextTag)

	out, err := Apply(n, action, Result{})
	require.NoError(t, err)
	assert.Equal(t, node.Killed, out.Tag)
}

// Entering starting with build_process = no_op skips straight to
// successfully-did-nothing.
func TestNoOpBuildSkipsStarting(t *testing.T) {
	n := node.New("H", node.NoOpBuild())
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	applyPlan(t, n, OK(nil))
	applyPlan(t, n, DepsResult(nil))
	action := Plan(n)
	assert.Equal(t, DoNothing, action.Kind)
	assert.Equal(t, node.SuccessfullyDidNothing, action.NextTag)
}

// Leaving a successful run with no condition skips evaluation entirely.
func TestNoConditionSkipsPostRunEval(t *testing.T) {
	n := node.New("I", node.LongRunningBuild("local", nil))
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	push(t, n, node.Building)
	push(t, n, node.Starting)
	push(t, n, node.StartedRunning)
	push(t, n, node.RanSuccessfully)

	action := Plan(n)
	assert.Equal(t, DoNothing, action.Kind)
	assert.Equal(t, node.VerifiedSuccess, action.NextTag)
}

// Arriving at a terminal with pending on_success_activate ids returns an
// Activate action and, on Apply, still advances straight to finished while
// reporting the ids for the engine to dispatch.
func TestActivateAtTerminalAdvancesToFinished(t *testing.T) {
	n := node.New("J", node.NoOpBuild())
	n.OnSuccessActivate = []string{"K", "L"}
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	applyPlan(t, n, OK(nil))
	applyPlan(t, n, DepsResult(nil))
	applyPlan(t, n, OK(nil))
	applyPlan(t, n, OK(nil))
	require.Equal(t, node.VerifiedSuccess, n.History.Latest().Tag)

	action := Plan(n)
	require.Equal(t, Activate, action.Kind)
	assert.ElementsMatch(t, []string{"K", "L"}, action.ActivateIDs)

	out, err := Apply(n, action, Result{})
	require.NoError(t, err)
	assert.Equal(t, node.Finished, out.Tag)
	assert.ElementsMatch(t, []string{"K", "L"}, out.ActivateIDs)
}

func TestPlanIsPureAndDeterministic(t *testing.T) {
	n := node.New("M", node.LongRunningBuild("local", nil))
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	push(t, n, node.Building)

	a1 := Plan(n)
	a2 := Plan(n)
	assert.Equal(t, a1.Kind, a2.Kind)
}
