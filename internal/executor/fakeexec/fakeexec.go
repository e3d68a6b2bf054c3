// Package fakeexec is a deterministic, scriptable executor.Executor test
// double: each node registers a Script of canned results keyed by its run
// parameters, and every Start/Check/Kill call pops the next entry off the
// matching queue. It exists so internal/engine's scenario tests (S1-S4 and S6) can
// drive the tick loop end to end without a real executor plugin.
package fakeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowkeep/engine/internal/executor"
	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/planner"
)

var _ executor.Executor = (*Fake)(nil)
var _ executor.ConditionEvaluator = (*Fake)(nil)

// RunParams is the opaque run-parameters payload fakeexec expects: just an
// id naming which Script to use, so the same Fake instance can drive many
// distinct nodes in one test.
type RunParams struct {
	ID string `json:"id"`
}

// Params builds the opaque run-parameters bytes for id.
func Params(id string) []byte {
	data, _ := json.Marshal(RunParams{ID: id})
	return data
}

// Script is the canned sequence of results for one node's Start/Check/Kill
// calls. Each slice is popped front-to-back; once exhausted, the last
// entry repeats (so a script can end on a terminal result without needing
// to pad it out).
type Script struct {
	Start []planner.Result
	Check []planner.Result
	Kill  []planner.Result
}

// Fake is the executor.Executor + executor.ConditionEvaluator test double.
type Fake struct {
	mu        sync.Mutex
	name      string
	scripts   map[string]*Script
	startPos  map[string]int
	checkPos  map[string]int
	killPos   map[string]int
	condition map[string]planner.Result
	calls     []Call
}

// Call records one invocation, for assertions on call count/ordering.
type Call struct {
	Op string
	ID string
}

// New builds a Fake executor registered under the given plugin name.
func New(name string) *Fake {
	return &Fake{
		name:      name,
		scripts:   make(map[string]*Script),
		startPos:  make(map[string]int),
		checkPos:  make(map[string]int),
		killPos:   make(map[string]int),
		condition: make(map[string]planner.Result),
	}
}

// Script registers id's canned result sequence.
func (f *Fake) Script(id string, s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = &s
}

// ScriptCondition registers the single result id's condition evaluation
// should return.
func (f *Fake) ScriptCondition(id string, r planner.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.condition[id] = r
}

// Calls returns every recorded invocation so far, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) Name() string { return f.name }

func parseID(raw []byte) (string, error) {
	var p RunParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("fakeexec: parse run parameters: %w", err)
	}
	return p.ID, nil
}

func (f *Fake) pop(queue []planner.Result, pos int) (planner.Result, int) {
	if len(queue) == 0 {
		return planner.OK(nil), pos
	}
	if pos >= len(queue) {
		pos = len(queue) - 1
	}
	r := queue[pos]
	if pos < len(queue)-1 {
		pos++
	}
	return r, pos
}

func (f *Fake) Start(ctx context.Context, build node.BuildProcess) planner.Result {
	id, err := parseID(build.RunParameters)
	if err != nil {
		return planner.Fatal(err.Error(), nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "start", ID: id})

	s := f.scripts[id]
	if s == nil {
		return planner.OK(&node.Bookkeeping{PluginName: f.name, RunParameters: build.RunParameters})
	}
	r, pos := f.pop(s.Start, f.startPos[id])
	f.startPos[id] = pos
	if r.Book == nil {
		r.Book = &node.Bookkeeping{PluginName: f.name, RunParameters: build.RunParameters}
	}
	return r
}

func (f *Fake) Check(ctx context.Context, book *node.Bookkeeping) planner.Result {
	id, err := parseID(book.RunParameters)
	if err != nil {
		return planner.Fatal(err.Error(), book)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "check", ID: id})

	s := f.scripts[id]
	if s == nil {
		return planner.OK(book).Done(true)
	}
	r, pos := f.pop(s.Check, f.checkPos[id])
	f.checkPos[id] = pos
	if r.Book == nil {
		r.Book = book
	}
	return r
}

func (f *Fake) Kill(ctx context.Context, book *node.Bookkeeping) planner.Result {
	id, err := parseID(book.RunParameters)
	if err != nil {
		return planner.Fatal(err.Error(), book)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "kill", ID: id})

	s := f.scripts[id]
	if s == nil {
		return planner.OK(book)
	}
	r, pos := f.pop(s.Kill, f.killPos[id])
	f.killPos[id] = pos
	if r.Book == nil {
		r.Book = book
	}
	return r
}

func (f *Fake) Serialize(book *node.Bookkeeping) ([]byte, error) {
	return json.Marshal(book)
}

func (f *Fake) Deserialize(data []byte) (*node.Bookkeeping, error) {
	var b node.Bookkeeping
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (f *Fake) Query(ctx context.Context, book *node.Bookkeeping, queryName string) (string, error) {
	return "", fmt.Errorf("fakeexec: no queries available")
}

func (f *Fake) AvailableQueries(ctx context.Context, book *node.Bookkeeping) ([]string, error) {
	return nil, nil
}

// Eval implements executor.ConditionEvaluator by looking up the result
// scripted under the condition's key: a volume condition's root path, a
// command condition's host, or otherwise the condition kind itself (so every
// AndOf condition shares the key "and_of"). Unscripted keys evaluate to false.
func (f *Fake) Eval(ctx context.Context, cond node.Condition) planner.Result {
	key := conditionKey(cond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "eval_condition", ID: key})
	if r, ok := f.condition[key]; ok {
		return r
	}
	return planner.OK(nil).Satisfied(false)
}

func conditionKey(cond node.Condition) string {
	if cond.Volume != nil {
		return cond.Volume.RootPath
	}
	if cond.Command != nil {
		return cond.Command.Host
	}
	return string(cond.Kind)
}
