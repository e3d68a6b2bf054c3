package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flowkeep/engine/internal/node"
)

// backupBucketSize caps how many stored-node files live under one
// subdirectory, per spec §6's persistent-state layout for the
// "backup:<dir>" URI scheme.
const backupBucketSize = 100

// BackupStore is the directory-snapshot Store backend behind the
// "backup:<dir>" URI scheme: one file per stored node, named "<id>.json",
// under subdirectories of up to backupBucketSize files each. It keeps a
// full in-memory mirror (same shape as Memory) so reads never hit disk;
// every write persists through to its file before the in-memory map is
// updated.
type BackupStore struct {
	mu        sync.RWMutex
	dir       string
	rows      map[string]node.StoredNode
	paths     map[string]string
	next      int
	addQueue  map[string][]*node.Node
	addOrder  []string
	killQueue map[string][]string
	killOrder []string
	events    chan ChangeEvent
}

// OpenBackupStore loads every "*.json" file under dir (created if absent)
// into memory.
func OpenBackupStore(dir string) (*BackupStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newDBError(LocationLoad, dir, err)
	}
	b := &BackupStore{
		dir:       dir,
		rows:      make(map[string]node.StoredNode),
		paths:     make(map[string]string),
		addQueue:  make(map[string][]*node.Node),
		killQueue: make(map[string][]string),
		events:    make(chan ChangeEvent, 4096),
	}
	if err := b.loadAll(); err != nil {
		return nil, err
	}
	b.publish(ChangeEvent{Kind: EventStarted})
	return b, nil
}

func (b *BackupStore) loadAll() error {
	return filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return newDBError(LocationLoad, path, err)
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return newDBError(LocationLoad, path, err)
		}
		stored, err := node.Unmarshal(data)
		if err != nil {
			return newDBError(LocationParse, path, err)
		}
		id := stored.ID()
		b.rows[id] = stored
		b.paths[id] = path
		b.next++
		return nil
	})
}

// persistLocked writes stored to its file, assigning a fresh bucketed path
// for ids seen for the first time. Callers must hold the write lock.
func (b *BackupStore) persistLocked(stored node.StoredNode) error {
	id := stored.ID()
	path, ok := b.paths[id]
	if !ok {
		bucket := fmt.Sprintf("%03d", b.next/backupBucketSize)
		bucketDir := filepath.Join(b.dir, bucket)
		if err := os.MkdirAll(bucketDir, 0o755); err != nil {
			return newDBError(LocationExec, bucketDir, err)
		}
		path = filepath.Join(bucketDir, id+".json")
		b.paths[id] = path
		b.next++
	}
	data, err := node.Marshal(stored)
	if err != nil {
		return newDBError(LocationParse, "marshal stored node", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return newDBError(LocationExec, path, err)
	}
	b.rows[id] = stored
	return nil
}

func (b *BackupStore) publish(ev ChangeEvent) {
	select {
	case b.events <- ev:
	default:
	}
}

func (b *BackupStore) resolveLocked(id string) (*node.Node, error) {
	visited := make(map[string]bool, 8)
	cur := id
	for hops := 0; hops < MaxPointerHops; hops++ {
		row, ok := b.rows[cur]
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

func (b *BackupStore) Get(ctx context.Context, id string) (*node.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resolveLocked(id)
}

func (b *BackupStore) Update(ctx context.Context, n *node.Node) error {
	b.mu.Lock()
	err := b.persistLocked(node.InlineStoredNode(n))
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.publish(ChangeEvent{Kind: EventNodesChanged, IDs: []string{n.ID}})
	return nil
}

func (b *BackupStore) ForEachActive(ctx context.Context, fn func(*node.Node) error) error {
	b.mu.RLock()
	var actives []*node.Node
	for _, row := range b.rows {
		if row.IsPointer() {
			continue
		}
		if node.Simplify(row.Inline.History) == node.StatusInProgress {
			actives = append(actives, row.Inline)
		}
	}
	b.mu.RUnlock()
	for _, n := range actives {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (b *BackupStore) allVisibleLocked() []*node.Node {
	seen := make(map[string]bool, len(b.rows))
	var out []*node.Node
	for id := range b.rows {
		n, err := b.resolveLocked(id)
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

func (b *BackupStore) AllVisible(ctx context.Context) ([]*node.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allVisibleLocked(), nil
}

func (b *BackupStore) allActiveAndPassiveLocked() []*node.Node {
	var out []*node.Node
	for _, n := range b.allVisibleLocked() {
		switch node.Simplify(n.History) {
		case node.StatusActivable, node.StatusInProgress:
			out = append(out, n)
		}
	}
	return out
}

func (b *BackupStore) AllActiveAndPassive(ctx context.Context) ([]*node.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allActiveAndPassiveLocked(), nil
}

func (b *BackupStore) QueueAdds(ctx context.Context, nodes []*node.Node) (string, error) {
	id := uuid.NewString()
	b.mu.Lock()
	b.addQueue[id] = nodes
	b.addOrder = append(b.addOrder, id)
	b.mu.Unlock()
	return id, nil
}

func (b *BackupStore) QueueKills(ctx context.Context, ids []string) (string, error) {
	id := uuid.NewString()
	b.mu.Lock()
	b.killQueue[id] = ids
	b.killOrder = append(b.killOrder, id)
	b.mu.Unlock()
	return id, nil
}

func (b *BackupStore) DrainKills(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var changed []string
	for _, qid := range b.killOrder {
		for _, nid := range b.killQueue[qid] {
			n, err := b.resolveLocked(nid)
			if err != nil {
				continue
			}
			applied, err := n.Kill()
			if err != nil {
				return changed, err
			}
			if applied {
				if err := b.persistLocked(node.InlineStoredNode(n)); err != nil {
					return changed, err
				}
				changed = append(changed, n.ID)
			}
		}
		delete(b.killQueue, qid)
	}
	b.killOrder = nil

	if len(changed) > 0 {
		b.publish(ChangeEvent{Kind: EventNodesChanged, IDs: changed})
	}
	return changed, nil
}

func (b *BackupStore) DrainAdds(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var newIDs []string
	for _, qid := range b.addOrder {
		var candidates []decidedCandidate
		for _, ex := range b.allActiveAndPassiveLocked() {
			candidates = append(candidates, decidedCandidate{node: ex, targetID: ex.ID})
		}
		for _, n := range b.addQueue[qid] {
			target := ""
			for _, cand := range candidates {
				if node.IsEquivalent(n, cand.node) {
					target = cand.targetID
					break
				}
			}
			var stored node.StoredNode
			if target != "" {
				stored = node.PointerStoredNode(n.ID, target)
			} else {
				stored = node.InlineStoredNode(n)
				target = n.ID
			}
			if err := b.persistLocked(stored); err != nil {
				return newIDs, err
			}
			candidates = append(candidates, decidedCandidate{node: n, targetID: target})
			newIDs = append(newIDs, n.ID)
		}
		delete(b.addQueue, qid)
	}
	b.addOrder = nil

	if len(newIDs) > 0 {
		b.publish(ChangeEvent{Kind: EventNewNodes, IDs: newIDs})
	}
	return newIDs, nil
}

func (b *BackupStore) ForceInsertPassive(ctx context.Context, n *node.Node) error {
	b.mu.Lock()
	err := b.persistLocked(node.InlineStoredNode(n))
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.publish(ChangeEvent{Kind: EventNewNodes, IDs: []string{n.ID}})
	return nil
}

func (b *BackupStore) NextChange(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return ChangeEvent{}, fmt.Errorf("store closed")
		}
		return ev, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (b *BackupStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.events)
	return nil
}

var _ Store = (*BackupStore)(nil)
