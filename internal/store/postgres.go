package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/flowkeep/engine/internal/node"
)

// Postgres is the relational Store backend, grounded on an
// internal/app/storage/postgres package (raw parameterized SQL,
// uuid.NewString() queue ids) plus sqlx's Get/Select struct scanning.
type Postgres struct {
	db *sqlx.DB
	// mu enforces the single-writer discipline spec §4.3/§5 requires: every
	// mutation of main and every drain of add_list/kill_list takes this lock
	// before opening its transaction. QueueAdds/QueueKills insert their
	// single queue row without it, and reads bypass it.
	mu     sync.Mutex
	events chan ChangeEvent
}

// NewPostgres wraps an already-open *sql.DB (opened and migrated by the
// caller, see cmd/flowkeepd) as a Store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:     sqlx.NewDb(db, "postgres"),
		events: make(chan ChangeEvent, 4096),
	}
}

type mainRow struct {
	ID           string `db:"id"`
	Blob         []byte `db:"blob"`
	EngineStatus string `db:"engine_status"`
}

func (p *Postgres) resolve(ctx context.Context, id string) (*node.Node, error) {
	visited := make(map[string]bool, 8)
	cur := id
	for hops := 0; hops < MaxPointerHops; hops++ {
		var blob []byte
		err := p.db.GetContext(ctx, &blob, `SELECT blob FROM main WHERE id = $1`, cur)
		if err == sql.ErrNoRows {
			return nil, newDBError(LocationLoad, cur, fmt.Errorf("node %s not found", cur))
		}
		if err != nil {
			return nil, newDBError(LocationExec, "select main", err)
		}
		stored, err := node.Unmarshal(blob)
		if err != nil {
			return nil, newDBError(LocationParse, "stored_node", err)
		}
		if !stored.IsPointer() {
			return stored.Inline, nil
		}
		if visited[cur] {
			return nil, &PointerCycleError{ID: id, Hops: hops}
		}
		visited[cur] = true
		cur = stored.Pointer.EquivalentTo
	}
	return nil, &PointerCycleError{ID: id, Hops: MaxPointerHops}
}

func (p *Postgres) Get(ctx context.Context, id string) (*node.Node, error) {
	return p.resolve(ctx, id)
}

func (p *Postgres) writeInline(ctx context.Context, tx *sqlx.Tx, n *node.Node) error {
	blob, err := node.Marshal(node.InlineStoredNode(n))
	if err != nil {
		return newDBError(LocationParse, "marshal node", err)
	}
	status := engineStatus(node.Simplify(n.History))
	_, err = tx.ExecContext(ctx, `
		INSERT INTO main (id, blob, engine_status) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET blob = EXCLUDED.blob, engine_status = EXCLUDED.engine_status
	`, n.ID, blob, status)
	if err != nil {
		return newDBError(LocationExec, "upsert main", err)
	}
	return nil
}

func (p *Postgres) writePointer(ctx context.Context, tx *sqlx.Tx, id, targetID string) error {
	blob, err := node.Marshal(node.PointerStoredNode(id, targetID))
	if err != nil {
		return newDBError(LocationParse, "marshal pointer", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO main (id, blob, engine_status) VALUES ($1, $2, 'passive')
		ON CONFLICT (id) DO UPDATE SET blob = EXCLUDED.blob
	`, id, blob)
	if err != nil {
		return newDBError(LocationExec, "upsert main pointer", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, n *node.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return newDBError(LocationExec, "begin tx", err)
	}
	if err := p.writeInline(ctx, tx, n); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return newDBError(LocationExec, "commit", err)
	}
	p.publish(ChangeEvent{Kind: EventNodesChanged, IDs: []string{n.ID}})
	return nil
}

func (p *Postgres) ForEachActive(ctx context.Context, fn func(*node.Node) error) error {
	var rows []mainRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, blob, engine_status FROM main WHERE engine_status = 'active' AND blob ? 'inline'
	`)
	if err != nil {
		return newDBError(LocationExec, "select active", err)
	}
	for _, row := range rows {
		stored, err := node.Unmarshal(row.Blob)
		if err != nil {
			return newDBError(LocationParse, "stored_node", err)
		}
		if stored.Inline == nil {
			continue
		}
		if err := fn(stored.Inline); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) allVisible(ctx context.Context) ([]*node.Node, error) {
	var ids []string
	if err := p.db.SelectContext(ctx, &ids, `SELECT id FROM main`); err != nil {
		return nil, newDBError(LocationExec, "select ids", err)
	}
	seen := make(map[string]bool, len(ids))
	var out []*node.Node
	for _, id := range ids {
		n, err := p.resolve(ctx, id)
		if err != nil {
			continue
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out, nil
}

func (p *Postgres) AllVisible(ctx context.Context) ([]*node.Node, error) {
	return p.allVisible(ctx)
}

func (p *Postgres) AllActiveAndPassive(ctx context.Context) ([]*node.Node, error) {
	all, err := p.allVisible(ctx)
	if err != nil {
		return nil, err
	}
	var out []*node.Node
	for _, n := range all {
		switch node.Simplify(n.History) {
		case node.StatusActivable, node.StatusInProgress:
			out = append(out, n)
		}
	}
	return out, nil
}

func (p *Postgres) QueueAdds(ctx context.Context, nodes []*node.Node) (string, error) {
	payload, err := json.Marshal(nodes)
	if err != nil {
		return "", newDBError(LocationParse, "marshal add batch", err)
	}
	id := uuid.NewString()
	_, err = p.db.ExecContext(ctx, `INSERT INTO add_list (id, nodes_to_add) VALUES ($1, $2)`, id, payload)
	if err != nil {
		return "", newDBError(LocationExec, "insert add_list", err)
	}
	return id, nil
}

func (p *Postgres) QueueKills(ctx context.Context, ids []string) (string, error) {
	payload, err := json.Marshal(ids)
	if err != nil {
		return "", newDBError(LocationParse, "marshal kill batch", err)
	}
	id := uuid.NewString()
	_, err = p.db.ExecContext(ctx, `INSERT INTO kill_list (id, ids_to_kill) VALUES ($1, $2)`, id, payload)
	if err != nil {
		return "", newDBError(LocationExec, "insert kill_list", err)
	}
	return id, nil
}

type killListRow struct {
	ID        string `db:"id"`
	IDsToKill []byte `db:"ids_to_kill"`
}

func (p *Postgres) DrainKills(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rows []killListRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT id, ids_to_kill FROM kill_list`); err != nil {
		return nil, newDBError(LocationExec, "select kill_list", err)
	}

	var changed []string
	for _, row := range rows {
		var ids []string
		if err := json.Unmarshal(row.IDsToKill, &ids); err != nil {
			return changed, newDBError(LocationParse, "kill batch", err)
		}

		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return changed, newDBError(LocationExec, "begin tx", err)
		}

		for _, nid := range ids {
			n, err := p.resolve(ctx, nid)
			if err != nil {
				continue
			}
			applied, err := n.Kill()
			if err != nil {
				tx.Rollback()
				return changed, err
			}
			if applied {
				if err := p.writeInline(ctx, tx, n); err != nil {
					tx.Rollback()
					return changed, err
				}
				changed = append(changed, n.ID)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM kill_list WHERE id = $1`, row.ID); err != nil {
			tx.Rollback()
			return changed, newDBError(LocationExec, "delete kill_list", err)
		}
		if err := tx.Commit(); err != nil {
			return changed, newDBError(LocationExec, "commit", err)
		}
	}

	if len(changed) > 0 {
		p.publish(ChangeEvent{Kind: EventNodesChanged, IDs: changed})
	}
	return changed, nil
}

type addListRow struct {
	ID          string `db:"id"`
	NodesToAdd  []byte `db:"nodes_to_add"`
}

func (p *Postgres) DrainAdds(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rows []addListRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT id, nodes_to_add FROM add_list`); err != nil {
		return nil, newDBError(LocationExec, "select add_list", err)
	}

	var newIDs []string
	for _, row := range rows {
		var batch []*node.Node
		if err := json.Unmarshal(row.NodesToAdd, &batch); err != nil {
			return newIDs, newDBError(LocationParse, "add batch", err)
		}

		existing, err := p.allVisible(ctx)
		if err != nil {
			return newIDs, err
		}
		var candidates []decidedCandidate
		for _, ex := range existing {
			switch node.Simplify(ex.History) {
			case node.StatusActivable, node.StatusInProgress:
				candidates = append(candidates, decidedCandidate{node: ex, targetID: ex.ID})
			}
		}

		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return newIDs, newDBError(LocationExec, "begin tx", err)
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
				if err := p.writePointer(ctx, tx, n.ID, target); err != nil {
					tx.Rollback()
					return newIDs, err
				}
			} else {
				if err := p.writeInline(ctx, tx, n); err != nil {
					tx.Rollback()
					return newIDs, err
				}
				target = n.ID
			}
			candidates = append(candidates, decidedCandidate{node: n, targetID: target})
			newIDs = append(newIDs, n.ID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM add_list WHERE id = $1`, row.ID); err != nil {
			tx.Rollback()
			return newIDs, newDBError(LocationExec, "delete add_list", err)
		}
		if err := tx.Commit(); err != nil {
			return newIDs, newDBError(LocationExec, "commit", err)
		}
	}

	if len(newIDs) > 0 {
		p.publish(ChangeEvent{Kind: EventNewNodes, IDs: newIDs})
	}
	return newIDs, nil
}

func (p *Postgres) ForceInsertPassive(ctx context.Context, n *node.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return newDBError(LocationExec, "begin tx", err)
	}
	if err := p.writeInline(ctx, tx, n); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return newDBError(LocationExec, "commit", err)
	}
	p.publish(ChangeEvent{Kind: EventNewNodes, IDs: []string{n.ID}})
	return nil
}

func (p *Postgres) publish(ev ChangeEvent) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Postgres) NextChange(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev, ok := <-p.events:
		if !ok {
			return ChangeEvent{}, fmt.Errorf("store closed")
		}
		return ev, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

var _ Store = (*Postgres)(nil)
