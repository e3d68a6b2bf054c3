// Package planner implements the transition planner (component C2): a pure,
// side-effect-free function from a node's current history to the next
// action the engine should take, plus the uniform callback that folds an
// action's result back into a new history entry.
package planner

import (
	"sort"
	"time"

	"github.com/flowkeep/engine/internal/node"
)

// ActionKind discriminates the seven action shapes.
type ActionKind string

const (
	DoNothing     ActionKind = "do_nothing"
	Activate      ActionKind = "activate"
	CheckDeps     ActionKind = "check_deps"
	StartRunning  ActionKind = "start_running"
	EvalCondition ActionKind = "eval_condition"
	CheckProcess  ActionKind = "check_process"
	Kill          ActionKind = "kill"
)

// Action describes what the engine should do next for a node. It carries no
// behavior, only data — the engine decides how to dispatch it.
type Action struct {
	Kind        ActionKind
	NextTag     node.StateTag     // for DoNothing: the tag to push directly
	ActivateIDs []string          // for Activate: successor/fallback ids to activate
	Book        *node.Bookkeeping // for StartRunning/CheckProcess/Kill: last known bookkeeping
	Condition   *node.Condition   // for EvalCondition
}

// Plan is pure: given the same node history it always returns an action of
// identical shape (testable property 4, spec §8). It never touches storage,
// the clock (beyond what's already recorded in the history), or an
// executor.
func Plan(n *node.Node) Action {
	latest := n.History.Latest().Tag

	switch latest {
	case node.Active:
		if n.Condition == nil {
			return Action{Kind: DoNothing, NextTag: node.Building}
		}
		// Entering evaluating-condition is itself a direct, executor-less
		// transition; the actual evaluator call happens once Plan next
		// sees the node sitting in EvaluatingCondition (see S4).
		return Action{Kind: DoNothing, NextTag: node.EvaluatingCondition}

	case node.EvaluatingCondition:
		return Action{Kind: EvalCondition, Condition: n.Condition}

	case node.Building, node.StillBuilding:
		return Action{Kind: CheckDeps}

	case node.Starting, node.TriedToStart:
		if n.Build.Kind == node.BuildNoOp {
			return Action{Kind: DoNothing, NextTag: node.SuccessfullyDidNothing}
		}
		return Action{Kind: StartRunning, Book: node.LatestRunParameters(n.History)}

	case node.StartedRunning, node.StillRunning, node.StillRunningDespiteRecoverableError:
		return Action{Kind: CheckProcess, Book: node.LatestRunParameters(n.History)}

	case node.RanSuccessfully, node.TriedToReevalCondition, node.SuccessfullyDidNothing:
		if n.Condition == nil {
			return Action{Kind: DoNothing, NextTag: node.VerifiedSuccess}
		}
		return Action{Kind: EvalCondition, Condition: n.Condition}

	case node.Killing, node.TriedToKill:
		origin := unwindKillOrigin(n.History)
		if !node.IsRunning(origin) {
			return Action{Kind: DoNothing, NextTag: node.Killed}
		}
		return Action{Kind: Kill, Book: node.LatestRunParameters(n.History)}

	default:
		if node.IsTerminal(latest) {
			ids := activationTargets(n, latest)
			if len(ids) > 0 {
				return Action{Kind: Activate, ActivateIDs: ids}
			}
		}
		return Action{Kind: DoNothing, NextTag: node.Finished}
	}
}

// activationTargets picks on_success_activate or on_failure_activate
// depending on which side of the terminal fork tag landed on.
func activationTargets(n *node.Node, tag node.StateTag) []string {
	if node.IsSuccessTerminal(tag) {
		return n.OnSuccessActivate
	}
	return n.OnFailureActivate
}

// unwindKillOrigin walks back past the killing entry (and any trailing
// tried-to-kill self-loops built on top of it, though those always sit
// after killing, never before) to the state the kill request actually
// landed on — spec §4.2's "unwind to the original killable predecessor"
// tie-break.
func unwindKillOrigin(h node.History) node.StateTag {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Tag == node.Killing {
			if i == 0 {
				return node.Passive
			}
			return h[i-1].Tag
		}
	}
	return node.Passive
}

// ResultKind is the tri-valued callback result shape from spec §4.2/§4.6.
type ResultKind string

const (
	ResultOK          ResultKind = "ok"
	ResultRecoverable ResultKind = "recoverable_error"
	ResultFatal       ResultKind = "fatal_error"
)

// Result is what an executor (or an engine-side deps/condition check) hands
// back to Apply. IsDone and ConditionTrue disambiguate the two-way OK splits
// that the same ResultOK covers for different action kinds (check_process's
// still-running vs. ran-successfully; check_deps's still-waiting vs. ready;
// eval_condition's true vs. false).
type Result struct {
	Kind          ResultKind
	Message       string
	Book          *node.Bookkeeping
	IsDone        bool
	ConditionTrue bool
	FailedDeps    []string
}

// OK builds a successful result carrying optional updated bookkeeping.
func OK(book *node.Bookkeeping) Result { return Result{Kind: ResultOK, Book: book} }

// Recoverable builds a result that loops on the same logical state.
func Recoverable(msg string, book *node.Bookkeeping) Result {
	return Result{Kind: ResultRecoverable, Message: msg, Book: book}
}

// Fatal builds a result that advances to a failure state.
func Fatal(msg string, book *node.Bookkeeping) Result {
	return Result{Kind: ResultFatal, Message: msg, Book: book}
}

// Done marks a check_process/check_deps OK result as "work is complete"
// rather than "still waiting, come back next tick".
func (r Result) Done(done bool) Result { r.IsDone = done; return r }

// Satisfied marks an eval_condition OK result's truth value.
func (r Result) Satisfied(v bool) Result { r.ConditionTrue = v; return r }

// FailedDependencies attaches the ids that failed, for a check_deps Fatal
// result; DependenciesFailed picks these up verbatim for its log entry.
func (r Result) FailedDependencies(ids []string) Result { r.FailedDeps = ids; return r }

// DepsResult is the engine-side helper mentioned in spec §4.2: it has no
// executor counterpart, so the engine computes dependency readiness from
// the dependencies' stored histories and feeds the outcome through the same Result/Apply seam every
// other action uses. Ids are sorted before being recorded so the resulting
// dependencies-failed log entry is deterministic regardless of map
// iteration order.
func DepsResult(statuses map[string]node.SimplifiedStatus) Result {
	var failed []string
	allDone := true
	for id, s := range statuses {
		switch s {
		case node.StatusFailed:
			failed = append(failed, id)
		case node.StatusSuccessful:
		default:
			allDone = false
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return Fatal("dependencies failed", nil).FailedDependencies(failed)
	}
	return OK(nil).Done(allDone)
}

// Outcome reports what Apply actually did: whether the node's logical state
// changed (as opposed to a same-state retry-attempt entry) and, for
// Activate, which ids the engine must still activate elsewhere.
type Outcome struct {
	Changed     bool
	Tag         node.StateTag
	Attempt     int
	ActivateIDs []string
}

// Apply folds an action's result into a new history entry. It is the single
// seam both executor-driven actions (after a real plugin call) and
// executor-less actions (fed a synthesized OK/Fatal) pass through — see
// DepsResult above for the canonical executor-less case.
func Apply(n *node.Node, action Action, result Result) (Outcome, error) {
	switch action.Kind {
	case DoNothing:
		return pushTag(n, action.NextTag, nil)

	case Activate:
		out, err := pushTag(n, node.Finished, nil)
		if err != nil {
			return out, err
		}
		out.ActivateIDs = action.ActivateIDs
		return out, nil

	case CheckDeps:
		switch result.Kind {
		case ResultFatal:
			return pushTagWithLog(n, node.DependenciesFailed, nil, "", result.FailedDeps)
		case ResultOK, ResultRecoverable:
			if result.IsDone {
				return pushTag(n, node.Starting, nil)
			}
			return pushSelfLoop(n, node.StillBuilding, result)
		}

	case EvalCondition:
		preBuild := n.History.Latest().Tag == node.EvaluatingCondition
		switch result.Kind {
		case ResultOK:
			if preBuild {
				if result.ConditionTrue {
					return pushTag(n, node.AlreadyDone, nil)
				}
				return pushTag(n, node.Building, nil)
			}
			if result.ConditionTrue {
				return pushTag(n, node.VerifiedSuccess, nil)
			}
			return pushTag(n, node.DidNotEnsureCondition, nil)
		case ResultRecoverable:
			if preBuild {
				return pushSelfLoop(n, node.EvaluatingCondition, result)
			}
			return pushSelfLoop(n, node.TriedToReevalCondition, result)
		case ResultFatal:
			if preBuild {
				return pushTag(n, node.FailedToEvalCondition, nil)
			}
			return pushTag(n, node.DidNotEnsureCondition, nil)
		}

	case StartRunning:
		switch result.Kind {
		case ResultOK:
			return pushTag(n, node.StartedRunning, result.Book)
		case ResultRecoverable:
			return pushSelfLoop(n, node.TriedToStart, result)
		case ResultFatal:
			return pushTag(n, node.FailedToStart, result.Book)
		}

	case CheckProcess:
		switch result.Kind {
		case ResultOK:
			if result.IsDone {
				return pushTag(n, node.RanSuccessfully, result.Book)
			}
			return pushTag(n, node.StillRunning, result.Book)
		case ResultRecoverable:
			return pushSelfLoop(n, node.StillRunningDespiteRecoverableError, result)
		case ResultFatal:
			return pushTag(n, node.FailedRunning, result.Book)
		}

	case Kill:
		switch result.Kind {
		case ResultOK:
			return pushTag(n, node.Killed, result.Book)
		case ResultRecoverable:
			return pushSelfLoop(n, node.TriedToKill, result)
		case ResultFatal:
			return pushTag(n, node.FailedToKill, result.Book)
		}
	}
	return Outcome{}, newPlannerError("Apply", "unhandled action/result combination")
}

func pushTag(n *node.Node, tag node.StateTag, book *node.Bookkeeping) (Outcome, error) {
	h, err := n.History.Push(node.HistoryEntry{Tag: tag, Time: time.Now().UTC(), Book: book})
	if err != nil {
		return Outcome{}, err
	}
	n.History = h
	return Outcome{Changed: true, Tag: tag}, nil
}

func pushTagWithLog(n *node.Node, tag node.StateTag, book *node.Bookkeeping, log string, depFailed []string) (Outcome, error) {
	h, err := n.History.Push(node.HistoryEntry{Tag: tag, Time: time.Now().UTC(), Book: book, Log: log, DepFailed: depFailed})
	if err != nil {
		return Outcome{}, err
	}
	n.History = h
	return Outcome{Changed: true, Tag: tag}, nil
}

// pushSelfLoop records a same-logical-state retry: the tag doesn't change
// (from the planner's point of view progress is "unchanged"), but a new
// history entry still lands with an incremented attempt counter so the
// engine can bound retries against max_successive_attempts.
func pushSelfLoop(n *node.Node, tag node.StateTag, result Result) (Outcome, error) {
	attempt := 1
	if n.History.Latest().Tag == tag {
		attempt = n.History.Latest().Attempt + 1
	}
	h, err := n.History.Push(node.HistoryEntry{
		Tag: tag, Time: time.Now().UTC(), Log: result.Message, Book: result.Book, Attempt: attempt,
	})
	if err != nil {
		return Outcome{}, err
	}
	n.History = h
	return Outcome{Changed: false, Tag: tag, Attempt: attempt}, nil
}
