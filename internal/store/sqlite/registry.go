package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ChuLiYu/agentfleet/internal/pool"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Registry is a pool.Registry backed by SQLite. Update loads the state inside
// a transaction, runs fn, and rewrites the tables before commit, so
// concurrent dispatchers sharing the database cannot over-admit.
type Registry struct {
	db *DB
}

var _ pool.Registry = (*Registry)(nil)

func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) View(ctx context.Context, fn func(*pool.State) error) error {
	var state *pool.State
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		state, err = loadState(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}
	return fn(state)
}

func (r *Registry) Update(ctx context.Context, fn func(*pool.State) error) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		state, err := loadState(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		return saveState(ctx, tx, state)
	})
}

func loadState(ctx context.Context, tx *sql.Tx) (*pool.State, error) {
	s := pool.NewState()

	rows, err := tx.QueryContext(ctx, `SELECT name, role, type, max_workers, total_spawned,
		total_terminated, active, created_by, created_at FROM pools`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	for rows.Next() {
		var (
			p         pool.Pool
			role, typ string
			active    int
			createdAt string
		)
		if err := rows.Scan(&p.Name, &role, &typ, &p.MaxWorkers, &p.TotalSpawned,
			&p.TotalTerminated, &active, &p.CreatedBy, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		p.Role = types.Role(role)
		p.Type = types.PoolType(typ)
		p.Active = active != 0
		p.CreatedAt = parseTime(createdAt)
		p.WorkerIDs = make(map[string]struct{})
		s.Pools[p.Name] = &p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT id, role, pool, status, task_id, created_at FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	for rows.Next() {
		var (
			w                    types.Worker
			role, status, taskID string
			createdAt            string
		)
		if err := rows.Scan(&w.ID, &role, &w.Pool, &status, &taskID, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Role = types.Role(role)
		w.Status = types.WorkerStatus(status)
		w.TaskID = types.TaskID(taskID)
		w.CreatedAt = parseTime(createdAt)
		s.Workers[w.ID] = &w
		if p, ok := s.Pools[w.Pool]; ok {
			p.WorkerIDs[w.ID] = struct{}{}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT project_id, worker_id, role, task_id, phase, since FROM ownership`)
	if err != nil {
		return nil, fmt.Errorf("query ownership: %w", err)
	}
	for rows.Next() {
		var (
			o                   types.Ownership
			role, taskID, since string
		)
		if err := rows.Scan(&o.ProjectID, &o.WorkerID, &role, &taskID, &o.Phase, &since); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan ownership: %w", err)
		}
		o.Role = types.Role(role)
		o.TaskID = types.TaskID(taskID)
		o.Since = parseTime(since)
		s.Ownership[o.ProjectID] = &o
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'overflow_seq'`).Scan(&s.OverflowSeq)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	return s, nil
}

func saveState(ctx context.Context, tx *sql.Tx, s *pool.State) error {
	for _, stmt := range []string{"DELETE FROM pools", "DELETE FROM workers", "DELETE FROM ownership"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}

	for _, p := range s.Pools {
		active := 0
		if p.Active {
			active = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO pools (name, role, type, max_workers,
			total_spawned, total_terminated, active, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Name, string(p.Role), string(p.Type), p.MaxWorkers, p.TotalSpawned,
			p.TotalTerminated, active, p.CreatedBy, formatTime(p.CreatedAt)); err != nil {
			return fmt.Errorf("insert pool %s: %w", p.Name, err)
		}
	}
	for _, w := range s.Workers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO workers (id, role, pool, status, task_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			w.ID, string(w.Role), w.Pool, string(w.Status), string(w.TaskID), formatTime(w.CreatedAt)); err != nil {
			return fmt.Errorf("insert worker %s: %w", w.ID, err)
		}
	}
	for _, o := range s.Ownership {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ownership (project_id, worker_id, role, task_id, phase, since)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ProjectID, o.WorkerID, string(o.Role), string(o.TaskID), o.Phase, formatTime(o.Since)); err != nil {
			return fmt.Errorf("insert ownership %s: %w", o.ProjectID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO counters (name, value) VALUES ('overflow_seq', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, s.OverflowSeq); err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}
