package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowkeep/engine/internal/node"
)

// Memory is the in-memory Store backend: standalone-profile default and the
// backend every engine/cache test runs against without a live Postgres.
type Memory struct {
	mu        sync.RWMutex
	rows      map[string]node.StoredNode
	addQueue  map[string][]*node.Node
	addOrder  []string
	killQueue map[string][]string
	killOrder []string
	events    chan ChangeEvent
}

// NewMemory returns an empty Memory store and emits the initial "started"
// change event.
func NewMemory() *Memory {
	m := &Memory{
		rows:      make(map[string]node.StoredNode),
		addQueue:  make(map[string][]*node.Node),
		killQueue: make(map[string][]string),
		events:    make(chan ChangeEvent, 4096),
	}
	m.publish(ChangeEvent{Kind: EventStarted})
	return m
}

func (m *Memory) publish(ev ChangeEvent) {
	select {
	case m.events <- ev:
	default:
	}
}

// resolveLocked walks the pointer chain starting at id. Callers must hold
// at least a read lock.
func (m *Memory) resolveLocked(id string) (*node.Node, error) {
	visited := make(map[string]bool, 8)
	cur := id
	for hops := 0; hops < MaxPointerHops; hops++ {
		row, ok := m.rows[cur]
		if !ok {
			return nil, newDBError(LocationLoad, cur, fmt.Errorf("node %s not found", cur))
		}
		if !row.IsPointer() {
			return row.Inline, nil
		}
		if visited[cur] {
			return nil, &PointerCycleError{ID: id, Hops: hops}
		}
		visited[cur] = true
		cur = row.Pointer.EquivalentTo
	}
	return nil, &PointerCycleError{ID: id, Hops: MaxPointerHops}
}

func (m *Memory) Get(ctx context.Context, id string) (*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(id)
}

func (m *Memory) Update(ctx context.Context, n *node.Node) error {
	m.mu.Lock()
	m.rows[n.ID] = node.InlineStoredNode(n)
	m.mu.Unlock()
	m.publish(ChangeEvent{Kind: EventNodesChanged, IDs: []string{n.ID}})
	return nil
}

func (m *Memory) ForEachActive(ctx context.Context, fn func(*node.Node) error) error {
	m.mu.RLock()
	var actives []*node.Node
	for _, row := range m.rows {
		if row.IsPointer() {
			continue
		}
		if node.Simplify(row.Inline.History) == node.StatusInProgress {
			actives = append(actives, row.Inline)
		}
	}
	m.mu.RUnlock()

	for _, n := range actives {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) allVisibleLocked() []*node.Node {
	seen := make(map[string]bool, len(m.rows))
	var out []*node.Node
	for id := range m.rows {
		n, err := m.resolveLocked(id)
		if err != nil {
			continue
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}

func (m *Memory) AllVisible(ctx context.Context) ([]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allVisibleLocked(), nil
}

func (m *Memory) allActiveAndPassiveLocked() []*node.Node {
	var out []*node.Node
	for _, n := range m.allVisibleLocked() {
		switch node.Simplify(n.History) {
		case node.StatusActivable, node.StatusInProgress:
			out = append(out, n)
		}
	}
	return out
}

func (m *Memory) AllActiveAndPassive(ctx context.Context) ([]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allActiveAndPassiveLocked(), nil
}

func (m *Memory) QueueAdds(ctx context.Context, nodes []*node.Node) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.addQueue[id] = nodes
	m.addOrder = append(m.addOrder, id)
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) QueueKills(ctx context.Context, ids []string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.killQueue[id] = ids
	m.killOrder = append(m.killOrder, id)
	m.mu.Unlock()
	return id, nil
}

// decidedCandidate is one already-resolved member of the equivalence
// candidate set DrainAdds folds each incoming node against: either a
// pre-existing live node or one already decided earlier in this same
// batch.
type decidedCandidate struct {
	node     *node.Node
	targetID string
}

func (m *Memory) DrainKills(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []string
	for _, qid := range m.killOrder {
		ids := m.killQueue[qid]
		for _, nid := range ids {
			n, err := m.resolveLocked(nid)
			if err != nil {
				continue
			}
			applied, err := n.Kill()
			if err != nil {
				return changed, err
			}
			if applied {
				m.rows[n.ID] = node.InlineStoredNode(n)
				changed = append(changed, n.ID)
			}
		}
		delete(m.killQueue, qid)
	}
	m.killOrder = nil

	if len(changed) > 0 {
		m.publish(ChangeEvent{Kind: EventNodesChanged, IDs: changed})
	}
	return changed, nil
}

func (m *Memory) DrainAdds(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newIDs []string
	for _, qid := range m.addOrder {
		batch := m.addQueue[qid]

		var candidates []decidedCandidate
		for _, ex := range m.allActiveAndPassiveLocked() {
			candidates = append(candidates, decidedCandidate{node: ex, targetID: ex.ID})
		}

		for _, n := range batch {
			target := ""
			for _, cand := range candidates {
				if node.IsEquivalent(n, cand.node) {
					target = cand.targetID
					break
				}
			}
			if target != "" {
				m.rows[n.ID] = node.PointerStoredNode(n.ID, target)
			} else {
				m.rows[n.ID] = node.InlineStoredNode(n)
				target = n.ID
			}
			candidates = append(candidates, decidedCandidate{node: n, targetID: target})
			newIDs = append(newIDs, n.ID)
		}
		delete(m.addQueue, qid)
	}
	m.addOrder = nil

	if len(newIDs) > 0 {
		m.publish(ChangeEvent{Kind: EventNewNodes, IDs: newIDs})
	}
	return newIDs, nil
}

func (m *Memory) ForceInsertPassive(ctx context.Context, n *node.Node) error {
	m.mu.Lock()
	m.rows[n.ID] = node.InlineStoredNode(n)
	m.mu.Unlock()
	m.publish(ChangeEvent{Kind: EventNewNodes, IDs: []string{n.ID}})
	return nil
}

func (m *Memory) NextChange(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev, ok := <-m.events:
		if !ok {
			return ChangeEvent{}, fmt.Errorf("store closed")
		}
		return ev, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.events)
	return nil
}

var _ Store = (*Memory)(nil)
