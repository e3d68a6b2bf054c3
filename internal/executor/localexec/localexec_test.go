package localexec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/planner"
)

func waitDone(t *testing.T, l *Local, book *node.Bookkeeping) planner.Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r := l.Check(context.Background(), book)
		if r.Kind != planner.ResultOK || r.IsDone {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never completed")
	return planner.Result{}
}

func runParams(t *testing.T, spec RunSpec) []byte {
	t.Helper()
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	return data
}

func TestStartCheckRunsScriptToCompletion(t *testing.T) {
	l := New(time.Second)
	build := node.LongRunningBuild(PluginName, runParams(t, RunSpec{
		Script:     `function main(input) { return {doubled: input.n * 2}; }`,
		EntryPoint: "main",
		Input:      json.RawMessage(`{"n": 21}`),
	}))

	started := l.Start(context.Background(), build)
	require.Equal(t, planner.ResultOK, started.Kind)
	require.NotNil(t, started.Book)

	final := waitDone(t, l, started.Book)
	assert.Equal(t, planner.ResultOK, final.Kind)
	assert.True(t, final.IsDone)

	out, err := l.Query(context.Background(), started.Book, "output")
	require.NoError(t, err)
	assert.JSONEq(t, `{"doubled":42}`, out)
}

func TestStartCheckSurfacesScriptErrorAsFatal(t *testing.T) {
	l := New(time.Second)
	build := node.LongRunningBuild(PluginName, runParams(t, RunSpec{
		Script:     `function main(input) { throw new Error("boom"); }`,
		EntryPoint: "main",
	}))

	started := l.Start(context.Background(), build)
	require.Equal(t, planner.ResultOK, started.Kind)

	final := waitDone(t, l, started.Book)
	assert.Equal(t, planner.ResultFatal, final.Kind)
	assert.Contains(t, final.Message, "boom")
}

func TestStartCheckRejectsMissingEntryPoint(t *testing.T) {
	l := New(time.Second)
	build := node.LongRunningBuild(PluginName, runParams(t, RunSpec{
		Script:     `function other() {}`,
		EntryPoint: "main",
	}))

	started := l.Start(context.Background(), build)
	require.Equal(t, planner.ResultOK, started.Kind)

	final := waitDone(t, l, started.Book)
	assert.Equal(t, planner.ResultFatal, final.Kind)
}

func TestStartWithInvalidRunParametersIsFatal(t *testing.T) {
	l := New(time.Second)
	build := node.LongRunningBuild(PluginName, []byte(`not json`))
	r := l.Start(context.Background(), build)
	assert.Equal(t, planner.ResultFatal, r.Kind)
}

func TestCheckTimesOutAsFatal(t *testing.T) {
	l := New(20 * time.Millisecond)
	build := node.LongRunningBuild(PluginName, runParams(t, RunSpec{
		Script:     `function main() { while (true) {} }`,
		EntryPoint: "main",
	}))

	started := l.Start(context.Background(), build)
	require.Equal(t, planner.ResultOK, started.Kind)

	final := waitDone(t, l, started.Book)
	assert.Equal(t, planner.ResultFatal, final.Kind)
}

func TestConditionEvaluatorVolumeExists(t *testing.T) {
	ev := ConditionEvaluator{}
	vol := node.Volume{
		Host:     "h1",
		RootPath: "/data/out",
		Tree:     `{"/data/out": {"exists": true, "size": 4096}}`,
	}

	r := ev.Eval(context.Background(), node.VolumeExists(vol))
	assert.Equal(t, planner.ResultOK, r.Kind)
	assert.True(t, r.ConditionTrue)
}

func TestConditionEvaluatorVolumeSizeAtLeast(t *testing.T) {
	ev := ConditionEvaluator{}
	vol := node.Volume{
		Host:     "h1",
		RootPath: "/data/out",
		Tree:     `{"/data/out": {"exists": true, "size": 4096}}`,
	}

	tooBig := ev.Eval(context.Background(), node.VolumeSizeAtLeast(vol, 8192))
	assert.False(t, tooBig.ConditionTrue)

	justRight := ev.Eval(context.Background(), node.VolumeSizeAtLeast(vol, 2048))
	assert.True(t, justRight.ConditionTrue)
}

func TestConditionEvaluatorMissingPathIsFalseNotFatal(t *testing.T) {
	ev := ConditionEvaluator{}
	vol := node.Volume{Host: "h1", RootPath: "/missing", Tree: `{}`}
	r := ev.Eval(context.Background(), node.VolumeExists(vol))
	assert.Equal(t, planner.ResultOK, r.Kind)
	assert.False(t, r.ConditionTrue)
}

func TestConditionEvaluatorAndOfRequiresAllTrue(t *testing.T) {
	ev := ConditionEvaluator{}
	vol := node.Volume{Host: "h1", RootPath: "/data", Tree: `{"/data": {"exists": true, "size": 10}}`}

	and := node.AndOf(
		node.VolumeExists(vol),
		node.VolumeSizeAtLeast(vol, 20),
	)
	r := ev.Eval(context.Background(), and)
	assert.False(t, r.ConditionTrue)

	and2 := node.AndOf(
		node.VolumeExists(vol),
		node.VolumeSizeAtLeast(vol, 5),
	)
	r2 := ev.Eval(context.Background(), and2)
	assert.True(t, r2.ConditionTrue)
}

func TestKillCancelsRunningJob(t *testing.T) {
	l := New(5 * time.Second)
	build := node.LongRunningBuild(PluginName, runParams(t, RunSpec{
		Script:     `function main() { while (true) {} }`,
		EntryPoint: "main",
	}))
	started := l.Start(context.Background(), build)
	require.Equal(t, planner.ResultOK, started.Kind)

	killed := l.Kill(context.Background(), started.Book)
	assert.Equal(t, planner.ResultOK, killed.Kind)

	final := waitDone(t, l, started.Book)
	assert.Equal(t, planner.ResultFatal, final.Kind)
}
