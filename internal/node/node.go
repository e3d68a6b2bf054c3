// Package node implements the workflow node model: typed history,
// transitions, equivalence, and serialization (component C1).
package node

import (
	"time"

	"github.com/google/uuid"
)

// BuildKind discriminates a node's build process.
type BuildKind string

const (
	BuildNoOp      BuildKind = "no_op"
	BuildLongRunning BuildKind = "long_running"
)

// BuildProcess is the discriminated build-process union.
type BuildProcess struct {
	Kind          BuildKind `json:"kind"`
	PluginName    string    `json:"plugin_name,omitempty"`
	RunParameters []byte    `json:"run_parameters,omitempty"`
}

// NoOpBuild returns a build process that does no work.
func NoOpBuild() BuildProcess { return BuildProcess{Kind: BuildNoOp} }

// LongRunningBuild returns a build process dispatched to the named plugin.
func LongRunningBuild(plugin string, params []byte) BuildProcess {
	return BuildProcess{Kind: BuildLongRunning, PluginName: plugin, RunParameters: params}
}

// ProgramKind discriminates a Command's program tree.
type ProgramKind string

const (
	ProgramShell ProgramKind = "shell"
	ProgramExec  ProgramKind = "exec"
	ProgramSeq   ProgramKind = "seq"
)

// Program is a host-side program: a shell string, an exec argv, or a
// sequence of sub-programs.
type Program struct {
	Kind  ProgramKind `json:"kind"`
	Shell string      `json:"shell,omitempty"`
	Exec  []string    `json:"exec,omitempty"`
	Seq   []Program   `json:"seq,omitempty"`
}

// Command is a program to run on a given host.
type Command struct {
	Host    string  `json:"host"`
	Program Program `json:"program"`
}

// Volume is a host reference plus a root path and a tree of files/directories.
// Tree is opaque JSON the condition evaluator interprets (see
// internal/executor/localexec), the core never looks inside it.
type Volume struct {
	Host     string `json:"host"`
	RootPath string `json:"root_path"`
	Tree     string `json:"tree,omitempty"`
}

// ConditionKind discriminates the Condition tagged union.
type ConditionKind string

const (
	CondSatisfied         ConditionKind = "satisfied"
	CondNever             ConditionKind = "never"
	CondVolumeExists      ConditionKind = "volume_exists"
	CondVolumeSizeAtLeast ConditionKind = "volume_size_at_least"
	CondCommandReturns    ConditionKind = "command_returns"
	CondAndOf             ConditionKind = "and_of"
)

// Condition is the tagged union the engine submits to an evaluator without
// interpreting beyond the tag.
type Condition struct {
	Kind     ConditionKind `json:"kind"`
	Volume   *Volume       `json:"volume,omitempty"`
	Bytes    int64         `json:"bytes,omitempty"`
	Command  *Command      `json:"command,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	AndOf    []Condition   `json:"and_of,omitempty"`
}

func Satisfied() Condition { return Condition{Kind: CondSatisfied} }
func Never() Condition     { return Condition{Kind: CondNever} }
func VolumeExists(v Volume) Condition {
	return Condition{Kind: CondVolumeExists, Volume: &v}
}
func VolumeSizeAtLeast(v Volume, bytes int64) Condition {
	return Condition{Kind: CondVolumeSizeAtLeast, Volume: &v, Bytes: bytes}
}
func CommandReturns(c Command, exitCode int) Condition {
	return Condition{Kind: CondCommandReturns, Command: &c, ExitCode: exitCode}
}
func AndOf(conds ...Condition) Condition {
	return Condition{Kind: CondAndOf, AndOf: conds}
}

// EquivalencePolicy controls submission-time deduplication.
type EquivalencePolicy string

const (
	EquivNone               EquivalencePolicy = "none"
	EquivSameActiveCondition EquivalencePolicy = "same_active_condition"
)

// ActivateReasonKind discriminates why a node is being activated.
type ActivateReasonKind string

const (
	ActivateByUser       ActivateReasonKind = "user"
	ActivateByDependency ActivateReasonKind = "dependency"
)

// ActivateReason names why activation happened.
type ActivateReason struct {
	Kind         ActivateReasonKind
	DependencyID string
}

func ActivatedByUser() ActivateReason { return ActivateReason{Kind: ActivateByUser} }
func ActivatedByDependency(id string) ActivateReason {
	return ActivateReason{Kind: ActivateByDependency, DependencyID: id}
}

// Node is the persisted unit of work.
type Node struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Metadata          string            `json:"metadata,omitempty"`
	DependsOn         []string          `json:"depends_on,omitempty"`
	OnFailureActivate []string          `json:"on_failure_activate,omitempty"`
	OnSuccessActivate []string          `json:"on_success_activate,omitempty"`
	Build             BuildProcess      `json:"build_process"`
	Condition         *Condition        `json:"condition,omitempty"`
	Equivalence       EquivalencePolicy `json:"equivalence"`
	Tags              []string          `json:"tags,omitempty"`
	Log               []string          `json:"log,omitempty"`
	History           History           `json:"history"`
}

// New creates a fresh passive node with a generated id.
func New(name string, build BuildProcess) *Node {
	return &Node{
		ID:          uuid.NewString(),
		Name:        name,
		Build:       build,
		Equivalence: EquivNone,
		History:     NewHistory(time.Now().UTC()),
	}
}

// Activate moves a node from Passive to Active. Calling it on a non-passive
// history is a programming error per spec §4.1.
func (n *Node) Activate(reason ActivateReason) error {
	if n.History.Latest().Tag != Passive {
		return newProgrammingError("Node.Activate", "node "+n.ID+" is not passive")
	}
	log := "activated by user"
	if reason.Kind == ActivateByDependency {
		log = "activated as dependency of " + reason.DependencyID
	}
	h, err := n.History.Push(HistoryEntry{Tag: Active, Time: time.Now().UTC(), Log: log})
	if err != nil {
		return err
	}
	n.History = h
	return nil
}

// Kill requests termination. If the current history isn't in a killable
// state, it returns (false, nil): the caller should silently ignore the
// request rather than treat it as an error.
func (n *Node) Kill() (bool, error) {
	latest := n.History.Latest().Tag
	if !IsKillable(latest) {
		return false, nil
	}
	h, err := n.History.Push(HistoryEntry{Tag: Killing, Time: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	n.History = h
	return true, nil
}

// Reactivate produces a fresh passive node that reuses this node's
// definition (build process, condition, dependencies, equivalence policy,
// tags) under a new identity.
func (n *Node) Reactivate(newID, newName, newMetadata string) *Node {
	if newID == "" {
		newID = uuid.NewString()
	}
	return &Node{
		ID:                newID,
		Name:              newName,
		Metadata:          newMetadata,
		DependsOn:         append([]string(nil), n.DependsOn...),
		OnFailureActivate: append([]string(nil), n.OnFailureActivate...),
		OnSuccessActivate: append([]string(nil), n.OnSuccessActivate...),
		Build:             n.Build,
		Condition:         n.Condition,
		Equivalence:       n.Equivalence,
		Tags:              append([]string(nil), n.Tags...),
		History:           NewHistory(time.Now().UTC()),
	}
}

// Clone returns a copy safe to mutate without affecting any other holder of
// n's pointer (a store's live row, a cache snapshot): every slice-valued
// field is copied, and History's own copy-on-Push discipline takes care of
// the rest.
func (n *Node) Clone() *Node {
	c := *n
	c.DependsOn = append([]string(nil), n.DependsOn...)
	c.OnFailureActivate = append([]string(nil), n.OnFailureActivate...)
	c.OnSuccessActivate = append([]string(nil), n.OnSuccessActivate...)
	c.Tags = append([]string(nil), n.Tags...)
	c.Log = append([]string(nil), n.Log...)
	c.History = append(History(nil), n.History...)
	if n.Condition != nil {
		cond := *n.Condition
		c.Condition = &cond
	}
	return &c
}

// IsEquivalent decides, per incoming's equivalence policy, whether incoming
// should be considered a duplicate of existing. Equivalence is not
// commutative: only the incoming (submitted) node's policy is consulted.
func IsEquivalent(incoming, existing *Node) bool {
	switch incoming.Equivalence {
	case EquivSameActiveCondition:
		if incoming.Condition == nil || existing.Condition == nil {
			return false
		}
		if Simplify(existing.History) != StatusActivable && Simplify(existing.History) != StatusInProgress {
			return false
		}
		return ConditionsEqual(*incoming.Condition, *existing.Condition)
	default:
		return false
	}
}
