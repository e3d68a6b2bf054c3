package node

import "time"

// StateTag names one point in a node's history. The legal-predecessor table
// below is the single source of truth for which tags may follow which; both
// the planner and Push consult it, per the "debug-time invariant check"
// design note rather than encoding the DAG in the Go type system.
type StateTag string

const (
	Passive                             StateTag = "passive"
	Active                              StateTag = "active"
	EvaluatingCondition                 StateTag = "evaluating-condition"
	AlreadyDone                         StateTag = "already-done"
	Building                            StateTag = "building"
	StillBuilding                       StateTag = "still-building"
	Starting                            StateTag = "starting"
	TriedToStart                       StateTag = "tried-to-start"
	StartedRunning                      StateTag = "started-running"
	FailedToStart                       StateTag = "failed-to-start"
	SuccessfullyDidNothing               StateTag = "successfully-did-nothing"
	StillRunning                        StateTag = "still-running"
	StillRunningDespiteRecoverableError StateTag = "still-running-despite-recoverable-error"
	RanSuccessfully                     StateTag = "ran-successfully"
	FailedRunning                       StateTag = "failed-running"
	VerifiedSuccess                     StateTag = "verified-success"
	DidNotEnsureCondition                StateTag = "did-not-ensure-condition"
	TriedToReevalCondition              StateTag = "tried-to-reeval-condition"
	Killing                              StateTag = "killing"
	TriedToKill                         StateTag = "tried-to-kill"
	Killed                               StateTag = "killed"
	FailedToKill                        StateTag = "failed-to-kill"
	DependenciesFailed                  StateTag = "dependencies-failed"
	FailedToEvalCondition                StateTag = "failed-to-eval-condition"
	Finished                             StateTag = "finished"
)

// runningStates are the states with a launched executor task outstanding;
// check_process operates over them, and a kill whose origin is one of them
// goes through the executor's kill.
var runningStates = map[StateTag]bool{
	StartedRunning:                      true,
	StillRunning:                        true,
	StillRunningDespiteRecoverableError: true,
}

// IsRunning reports whether tag is one of the states a live executor call is
// outstanding against.
func IsRunning(tag StateTag) bool { return runningStates[tag] }

// IsSuccessTerminal reports whether tag is one of the terminal tags that
// simplify() folds into StatusSuccessful, used to pick between
// on_success_activate and on_failure_activate when arriving at a terminal.
func IsSuccessTerminal(tag StateTag) bool { return successTerminalStates[tag] }

// terminalStates are the tags that precede Finished.
var terminalStates = map[StateTag]bool{
	VerifiedSuccess:       true,
	AlreadyDone:           true,
	DependenciesFailed:    true,
	FailedToStart:         true,
	FailedToEvalCondition: true,
	DidNotEnsureCondition: true,
	FailedRunning:         true,
	Killed:                true,
	FailedToKill:          true,
}

// successTerminalStates are the terminal tags simplify() reports as successful.
var successTerminalStates = map[StateTag]bool{
	VerifiedSuccess: true,
	AlreadyDone:     true,
}

// killableStates are the tags from which a kill request transitions directly
// to Killing (any-of {passive, evaluating-condition, building, starting, running}).
var killableStates = map[StateTag]bool{
	Passive:                              true,
	EvaluatingCondition:                  true,
	Building:                             true,
	StillBuilding:                        true,
	Starting:                             true,
	TriedToStart:                         true,
	StartedRunning:                       true,
	StillRunning:                         true,
	StillRunningDespiteRecoverableError:  true,
}

// legalPredecessors enumerates, for every tag, the set of tags that may
// immediately precede it in a history. It is the literal transcription of
// the diagram in spec §3.
var legalPredecessors = map[StateTag][]StateTag{
	Active:                 {Passive},
	EvaluatingCondition:    {Active, EvaluatingCondition},
	AlreadyDone:            {EvaluatingCondition},
	Building:               {EvaluatingCondition, Active},
	StillBuilding:          {Building, StillBuilding},
	Starting:               {Building, StillBuilding},
	TriedToStart:           {Starting, TriedToStart},
	StartedRunning:         {Starting, TriedToStart},
	FailedToStart:          {Starting, TriedToStart},
	SuccessfullyDidNothing: {Starting, TriedToStart},
	StillRunning:                        {StartedRunning, StillRunning, StillRunningDespiteRecoverableError},
	StillRunningDespiteRecoverableError: {StartedRunning, StillRunning, StillRunningDespiteRecoverableError},
	RanSuccessfully:                     {StartedRunning, StillRunning, StillRunningDespiteRecoverableError},
	FailedRunning:                       {StartedRunning, StillRunning, StillRunningDespiteRecoverableError},
	VerifiedSuccess:         {RanSuccessfully, TriedToReevalCondition, SuccessfullyDidNothing},
	DidNotEnsureCondition:   {RanSuccessfully, TriedToReevalCondition, SuccessfullyDidNothing},
	TriedToReevalCondition:  {RanSuccessfully, TriedToReevalCondition, SuccessfullyDidNothing},
	FailedToEvalCondition:   {EvaluatingCondition},
	DependenciesFailed:      {Building, StillBuilding},
	Killing: {
		Passive, EvaluatingCondition, Building, StillBuilding, Starting, TriedToStart,
		StartedRunning, StillRunning, StillRunningDespiteRecoverableError,
	},
	TriedToKill: {Killing, TriedToKill},
	Killed:      {Killing, TriedToKill},
	FailedToKill: {Killing, TriedToKill},
	Finished: {
		VerifiedSuccess, AlreadyDone, DependenciesFailed, FailedToStart, FailedToEvalCondition,
		DidNotEnsureCondition, FailedRunning, Killed, FailedToKill,
	},
}

// IsLegalTransition reports whether `to` may legally follow `from`. Passive
// is only legal as the very first entry (handled by NewHistory), so it has
// no predecessor entry.
func IsLegalTransition(from, to StateTag) bool {
	preds, ok := legalPredecessors[to]
	if !ok {
		return false
	}
	for _, p := range preds {
		if p == from {
			return true
		}
	}
	return false
}

// Bookkeeping is the opaque executor-owned state identifying a running task.
type Bookkeeping struct {
	PluginName    string `json:"plugin_name"`
	RunParameters []byte `json:"run_parameters,omitempty"`
}

// HistoryEntry is one immutable point in a node's history.
type HistoryEntry struct {
	Tag       StateTag      `json:"tag"`
	Time      time.Time     `json:"time"`
	Log       string        `json:"log,omitempty"`
	Book      *Bookkeeping  `json:"book,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	DepFailed []string      `json:"dep_failed,omitempty"`
}

// History is an append-only sequence, oldest entry first. It is never
// mutated in place: Push always returns a new slice header over a fresh
// backing array, so any previously-read History value remains valid.
type History []HistoryEntry

// NewHistory creates the initial passive history for a freshly created node.
func NewHistory(at time.Time) History {
	return History{{Tag: Passive, Time: at}}
}

// Latest returns the most recent entry. Callers must not call this on an
// empty history; every node is created with at least a Passive entry.
func (h History) Latest() HistoryEntry {
	return h[len(h)-1]
}

// Push appends a new entry, enforcing the legal-predecessor table. It
// returns ErrProgramming if the transition is illegal.
func (h History) Push(e HistoryEntry) (History, error) {
	if len(h) == 0 {
		if e.Tag != Passive {
			return nil, newProgrammingError("history.Push", "first entry must be passive")
		}
		return History{e}, nil
	}
	from := h.Latest().Tag
	if !IsLegalTransition(from, e.Tag) {
		return nil, newProgrammingError("history.Push", "illegal transition "+string(from)+" -> "+string(e.Tag))
	}
	out := make(History, len(h)+1)
	copy(out, h)
	out[len(h)] = e
	return out, nil
}

// IsTerminal reports whether tag is one of the pre-Finished terminal tags.
func IsTerminal(tag StateTag) bool { return terminalStates[tag] }

// IsKillable reports whether a history currently sitting at tag can be
// transitioned directly to Killing.
func IsKillable(tag StateTag) bool { return killableStates[tag] }

// SimplifiedStatus is the three-(really four-)valued roll-up used for fast
// filtering: activable is only reachable from Passive, the rest fold
// everything else down to in-progress / successful / failed.
type SimplifiedStatus string

const (
	StatusActivable  SimplifiedStatus = "activable"
	StatusInProgress SimplifiedStatus = "in-progress"
	StatusSuccessful SimplifiedStatus = "successful"
	StatusFailed     SimplifiedStatus = "failed"
)

// Simplify derives the SimplifiedStatus from a history. It depends only on
// the tag sequence, never on log content or bookkeeping — property 2 of
// spec §8 (status determinism).
func Simplify(h History) SimplifiedStatus {
	if len(h) == 0 {
		return StatusActivable
	}
	latest := h.Latest().Tag
	if latest == Passive {
		return StatusActivable
	}
	if latest != Finished {
		return StatusInProgress
	}
	if len(h) < 2 {
		return StatusFailed
	}
	if successTerminalStates[h[len(h)-2].Tag] {
		return StatusSuccessful
	}
	return StatusFailed
}

// FlattenedEntry is one line of flatten(history): (time, state_name, msg, book_msg).
type FlattenedEntry struct {
	Time        time.Time
	State       StateTag
	Message     string
	BookMessage string
}

// Flatten renders a history as a sequence of display-ready entries.
func Flatten(h History) []FlattenedEntry {
	out := make([]FlattenedEntry, 0, len(h))
	for _, e := range h {
		bookMsg := ""
		if e.Book != nil {
			bookMsg = e.Book.PluginName
		}
		out = append(out, FlattenedEntry{
			Time:        e.Time,
			State:       e.Tag,
			Message:     e.Log,
			BookMessage: bookMsg,
		})
	}
	return out
}

// Summary returns the latest entry's time, its optional log message, and
// the tag names of the whole history as info strings.
func Summary(h History) (time.Time, string, []string) {
	if len(h) == 0 {
		return time.Time{}, "", nil
	}
	latest := h.Latest()
	info := make([]string, 0, len(h))
	for _, e := range h {
		info = append(info, string(e.Tag))
	}
	return latest.Time, latest.Log, info
}

// LatestRunParameters returns the bookkeeping of the most recent entry that
// carried one, or nil if the node never reached an executor-facing state.
func LatestRunParameters(h History) *Bookkeeping {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Book != nil {
			return h[i].Book
		}
	}
	return nil
}
