// Package store implements the persistence layer (component C3): the
// three-table schema (main/add_list/kill_list), transactional commits with
// change-event emission, pointer-chain resolution, and the backup/DB sync
// utility. Three backends satisfy the Store interface: an in-memory backend
// for standalone/test use, a directory-snapshot BackupStore, and a Postgres
// backend grounded on an internal/app/storage/postgres raw-SQL pattern plus
// sqlx struct scanning.
package store

import (
	"context"

	"github.com/flowkeep/engine/internal/node"
)

// MaxPointerHops bounds pointer-chain resolution per spec §3.
const MaxPointerHops = 1000

// EventKind discriminates a ChangeEvent.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventNewNodes      EventKind = "new_nodes"
	EventNodesChanged  EventKind = "nodes_changed"
)

// ChangeEvent is what a commit delivers to C4, per spec §4.3.
type ChangeEvent struct {
	Kind EventKind
	IDs  []string
}

// Store is the persistence contract C5 and C4 depend on. Every operation
// named in spec §4.3 is a method here.
type Store interface {
	// Get resolves id through the pointer chain (bounded by MaxPointerHops)
	// and returns the inline node it terminates at.
	Get(ctx context.Context, id string) (*node.Node, error)

	// Update writes n back, recomputing its engine_status bucket from the
	// final history tag, inside one transaction, then emits nodes_changed.
	Update(ctx context.Context, n *node.Node) error

	// ForEachActive calls fn once per node whose simplified status is
	// in-progress, in no particular order.
	ForEachActive(ctx context.Context, fn func(*node.Node) error) error

	// AllVisible returns every stored node that isn't itself a dangling
	// pointer target, i.e. every row in main resolved to its inline form.
	AllVisible(ctx context.Context) ([]*node.Node, error)

	// AllActiveAndPassive returns the set the C4 cache warms from at
	// startup.
	AllActiveAndPassive(ctx context.Context) ([]*node.Node, error)

	// QueueAdds durably records a batch of nodes to be inserted by the next
	// drain, returning the queue-entry id.
	QueueAdds(ctx context.Context, nodes []*node.Node) (string, error)

	// QueueKills durably records a set of ids to be killed by the next
	// drain, returning the queue-entry id.
	QueueKills(ctx context.Context, ids []string) (string, error)

	// DrainKills processes every queued kill-set, one transaction per set:
	// fetch each node, apply Kill, write back, remove the queue row. Returns
	// the ids whose history actually moved.
	DrainKills(ctx context.Context) ([]string, error)

	// DrainAdds processes every queued add-batch, one transaction per
	// batch: load the current active-and-passive set, fold the incoming
	// nodes left-to-right against it (and against nodes already decided
	// earlier in the same batch) using node.IsEquivalent, commit, remove
	// the queue row. Returns the ids of rows newly stored (inline or
	// pointer).
	DrainAdds(ctx context.Context) ([]string, error)

	// ForceInsertPassive is the backdoor the sync utility uses to replay a
	// stored node verbatim, bypassing equivalence.
	ForceInsertPassive(ctx context.Context, n *node.Node) error

	// NextChange blocks until a change event is available or ctx is
	// cancelled.
	NextChange(ctx context.Context) (ChangeEvent, error)

	Close() error
}

// engineStatus buckets a SimplifiedStatus into the three-valued column
// spec §4.3 defines for main.
func engineStatus(s node.SimplifiedStatus) string {
	switch s {
	case node.StatusActivable:
		return "passive"
	case node.StatusInProgress:
		return "active"
	default:
		return "finished"
	}
}
