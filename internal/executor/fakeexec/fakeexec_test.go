package fakeexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/planner"
)

func TestStartReturnsScriptedBookkeeping(t *testing.T) {
	f := New("fake")
	f.Script("n1", Script{Start: []planner.Result{planner.Recoverable("retry", nil), planner.OK(nil)}})

	build := node.LongRunningBuild("fake", Params("n1"))
	r1 := f.Start(context.Background(), build)
	assert.Equal(t, planner.ResultRecoverable, r1.Kind)
	require.NotNil(t, r1.Book)
	assert.Equal(t, "fake", r1.Book.PluginName)

	r2 := f.Start(context.Background(), build)
	assert.Equal(t, planner.ResultOK, r2.Kind)
}

func TestCheckRepeatsRecoverableThenSucceeds(t *testing.T) {
	f := New("fake")
	f.Script("n1", Script{Check: []planner.Result{
		planner.Recoverable("net-timeout", nil),
		planner.Recoverable("net-timeout", nil),
		planner.Recoverable("net-timeout", nil),
		planner.OK(nil).Done(true),
	}})

	book := &node.Bookkeeping{PluginName: "fake", RunParameters: Params("n1")}
	for i := 0; i < 3; i++ {
		r := f.Check(context.Background(), book)
		assert.Equal(t, planner.ResultRecoverable, r.Kind)
		assert.Equal(t, "net-timeout", r.Message)
	}
	r := f.Check(context.Background(), book)
	assert.Equal(t, planner.ResultOK, r.Kind)
	assert.True(t, r.IsDone)

	// once exhausted, the script keeps returning its last entry.
	again := f.Check(context.Background(), book)
	assert.Equal(t, planner.ResultOK, again.Kind)
	assert.True(t, again.IsDone)
}

func TestCheckWithoutScriptDefaultsToImmediateSuccess(t *testing.T) {
	f := New("fake")
	book := &node.Bookkeeping{PluginName: "fake", RunParameters: Params("unscripted")}
	r := f.Check(context.Background(), book)
	assert.Equal(t, planner.ResultOK, r.Kind)
	assert.True(t, r.IsDone)
}

func TestKillReturnsScriptedResult(t *testing.T) {
	f := New("fake")
	f.Script("n1", Script{Kill: []planner.Result{planner.OK(nil)}})
	book := &node.Bookkeeping{PluginName: "fake", RunParameters: Params("n1")}
	r := f.Kill(context.Background(), book)
	assert.Equal(t, planner.ResultOK, r.Kind)
}

func TestEvalConditionUsesScriptedTruthValue(t *testing.T) {
	f := New("fake")
	cond := node.VolumeExists(node.Volume{Host: "h1", RootPath: "/data/out"})
	f.ScriptCondition("/data/out", planner.OK(nil).Satisfied(true))

	r := f.Eval(context.Background(), cond)
	assert.Equal(t, planner.ResultOK, r.Kind)
	assert.True(t, r.ConditionTrue)
}

func TestEvalConditionWithoutScriptDefaultsToFalse(t *testing.T) {
	f := New("fake")
	cond := node.VolumeExists(node.Volume{Host: "h1", RootPath: "/unscripted"})
	r := f.Eval(context.Background(), cond)
	assert.Equal(t, planner.ResultOK, r.Kind)
	assert.False(t, r.ConditionTrue)
}

func TestSerializeDeserializeRoundTrips(t *testing.T) {
	f := New("fake")
	book := &node.Bookkeeping{PluginName: "fake", RunParameters: Params("n1")}
	data, err := f.Serialize(book)
	require.NoError(t, err)

	got, err := f.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, book.PluginName, got.PluginName)
	assert.Equal(t, book.RunParameters, got.RunParameters)
}

func TestCallsRecordsEveryInvocationInOrder(t *testing.T) {
	f := New("fake")
	build := node.LongRunningBuild("fake", Params("n1"))
	book := &node.Bookkeeping{PluginName: "fake", RunParameters: Params("n1")}

	f.Start(context.Background(), build)
	f.Check(context.Background(), book)
	f.Kill(context.Background(), book)

	calls := f.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, Call{Op: "start", ID: "n1"}, calls[0])
	assert.Equal(t, Call{Op: "check", ID: "n1"}, calls[1])
	assert.Equal(t, Call{Op: "kill", ID: "n1"}, calls[2])
}
