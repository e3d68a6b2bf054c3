// Package localexec is the reference long_running executor: it runs a
// small JavaScript program inside a sandboxed goja runtime on the engine's
// own host (no remote dispatch), plus a gjson-backed ConditionEvaluator for
// the volume_exists/volume_size_at_least conditions. It exists so a
// flowkeepd binary has at least one working plugin out of the box.
package localexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/flowkeep/engine/internal/executor"
	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/planner"
)

var _ executor.Executor = (*Local)(nil)
var _ executor.ConditionEvaluator = ConditionEvaluator{}

// PluginName is the name nodes must set as BuildProcess.PluginName to be
// dispatched to a Local executor.
const PluginName = "local"

// RunSpec is the JSON shape BuildProcess.RunParameters must decode to.
type RunSpec struct {
	Script     string          `json:"script"`
	EntryPoint string          `json:"entry_point"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type jobStatus string

const (
	jobRunning jobStatus = "running"
	jobOK      jobStatus = "ok"
	jobFailed  jobStatus = "failed"
)

type job struct {
	mu     sync.Mutex
	status jobStatus
	logs   []string
	output any
	errMsg string
	cancel context.CancelFunc
}

// Local is a goja-backed executor.Executor for BuildKind BuildLongRunning.
type Local struct {
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]*job
}

// jobParams is the Bookkeeping.RunParameters payload once a job has started:
// just the job id the in-memory jobs map is keyed by.
type jobParams struct {
	JobID string `json:"job_id"`
}

// New builds a Local executor whose script runs are each capped at timeout
// (spec §6's host_timeout_upper_bound, clamped by the engine before it ever
// reaches here).
func New(timeout time.Duration) *Local {
	return &Local{timeout: timeout, jobs: make(map[string]*job)}
}

func (l *Local) Name() string { return PluginName }

func (l *Local) Start(ctx context.Context, build node.BuildProcess) planner.Result {
	var spec RunSpec
	if err := json.Unmarshal(build.RunParameters, &spec); err != nil {
		return planner.Fatal(fmt.Sprintf("invalid run parameters: %v", err), nil)
	}
	if spec.EntryPoint == "" {
		spec.EntryPoint = "main"
	}

	jobID := uuid.NewString()
	runCtx, cancel := context.WithTimeout(context.Background(), l.timeout)
	j := &job{status: jobRunning, cancel: cancel}

	l.mu.Lock()
	l.jobs[jobID] = j
	l.mu.Unlock()

	go l.run(runCtx, j, spec)

	params, _ := json.Marshal(jobParams{JobID: jobID})
	return planner.OK(&node.Bookkeeping{PluginName: PluginName, RunParameters: params})
}

func (l *Local) run(ctx context.Context, j *job, spec RunSpec) {
	done := make(chan struct{})
	vm := goja.New()

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		logs = append(logs, strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	var input any
	if len(spec.Input) > 0 {
		_ = json.Unmarshal(spec.Input, &input)
	}
	_ = vm.Set("input", vm.ToValue(input))

	if _, err := vm.RunString(spec.Script); err != nil {
		l.finish(j, logs, nil, fmt.Errorf("load script: %w", err))
		return
	}
	entry, ok := goja.AssertFunction(vm.Get(spec.EntryPoint))
	if !ok {
		l.finish(j, logs, nil, fmt.Errorf("entry point %q is not a function", spec.EntryPoint))
		return
	}
	result, err := entry(goja.Undefined(), vm.Get("input"))
	if err != nil {
		l.finish(j, logs, nil, fmt.Errorf("run %s: %w", spec.EntryPoint, err))
		return
	}
	var output any
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		output = result.Export()
	}
	l.finish(j, logs, output, nil)
}

func (l *Local) finish(j *job, logs []string, output any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs = logs
	j.output = output
	if err != nil {
		j.status = jobFailed
		j.errMsg = err.Error()
		return
	}
	j.status = jobOK
}

func (l *Local) lookup(book *node.Bookkeeping) (string, *job, error) {
	var p jobParams
	if err := json.Unmarshal(book.RunParameters, &p); err != nil {
		return "", nil, fmt.Errorf("localexec: invalid bookkeeping: %w", err)
	}
	l.mu.Lock()
	j, ok := l.jobs[p.JobID]
	l.mu.Unlock()
	if !ok {
		return p.JobID, nil, fmt.Errorf("localexec: unknown job %s", p.JobID)
	}
	return p.JobID, j, nil
}

func (l *Local) Check(ctx context.Context, book *node.Bookkeeping) planner.Result {
	_, j, err := l.lookup(book)
	if err != nil {
		return planner.Fatal(err.Error(), book)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.status {
	case jobRunning:
		return planner.OK(book).Done(false)
	case jobFailed:
		return planner.Fatal(j.errMsg, book)
	default:
		return planner.OK(book).Done(true)
	}
}

func (l *Local) Kill(ctx context.Context, book *node.Bookkeeping) planner.Result {
	_, j, err := l.lookup(book)
	if err != nil {
		return planner.Fatal(err.Error(), book)
	}
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return planner.OK(book)
}

func (l *Local) Serialize(book *node.Bookkeeping) ([]byte, error) {
	return json.Marshal(book)
}

func (l *Local) Deserialize(data []byte) (*node.Bookkeeping, error) {
	var b node.Bookkeeping
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (l *Local) Query(ctx context.Context, book *node.Bookkeeping, queryName string) (string, error) {
	_, j, err := l.lookup(book)
	if err != nil {
		return "", err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	switch queryName {
	case "logs":
		return strings.Join(j.logs, "\n"), nil
	case "output":
		data, err := json.Marshal(j.output)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("localexec: unknown query %q", queryName)
	}
}

func (l *Local) AvailableQueries(ctx context.Context, book *node.Bookkeeping) ([]string, error) {
	return []string{"logs", "output"}, nil
}

// ConditionEvaluator evaluates volume_exists/volume_size_at_least/and_of
// conditions against a Volume's Tree: a flat JSON object keyed by root path,
// each value carrying at least {"exists":bool,"size":int}. command_returns
// conditions are out of scope for the local evaluator (no host execution
// surface here) and always evaluate fatal.
type ConditionEvaluator struct{}

func (ConditionEvaluator) Eval(ctx context.Context, cond node.Condition) planner.Result {
	switch cond.Kind {
	case node.CondSatisfied:
		return planner.OK(nil).Satisfied(true)
	case node.CondNever:
		return planner.OK(nil).Satisfied(false)
	case node.CondVolumeExists:
		return evalVolume(cond, func(entry gjson.Result) bool {
			return entry.Get("exists").Bool()
		})
	case node.CondVolumeSizeAtLeast:
		return evalVolume(cond, func(entry gjson.Result) bool {
			return entry.Get("size").Int() >= cond.Bytes
		})
	case node.CondAndOf:
		for _, sub := range cond.AndOf {
			r := (ConditionEvaluator{}).Eval(ctx, sub)
			if r.Kind != planner.ResultOK {
				return r
			}
			if !r.ConditionTrue {
				return planner.OK(nil).Satisfied(false)
			}
		}
		return planner.OK(nil).Satisfied(true)
	default:
		return planner.Fatal(fmt.Sprintf("local evaluator: unsupported condition %q", cond.Kind), nil)
	}
}

func evalVolume(cond node.Condition, check func(gjson.Result) bool) planner.Result {
	if cond.Volume == nil {
		return planner.Fatal("local evaluator: condition missing volume", nil)
	}
	key := gjsonKey(cond.Volume.RootPath)
	entry := gjson.Get(cond.Volume.Tree, key)
	if !entry.Exists() {
		return planner.OK(nil).Satisfied(false)
	}
	return planner.OK(nil).Satisfied(check(entry))
}

// gjsonKey escapes '.' so a root path segment is never read as a nesting
// separator by gjson.
func gjsonKey(rootPath string) string {
	return strings.ReplaceAll(rootPath, ".", "\\.")
}
