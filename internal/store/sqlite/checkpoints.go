package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/checkpoint"
)

// CheckpointStore is a checkpoint.Store in the checkpoints table.
type CheckpointStore struct {
	db *DB
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.InstanceID == "" {
		return fmt.Errorf("%w: %q", checkpoint.ErrInvalidID, cp.InstanceID)
	}
	cp.SchemaVer = checkpoint.SchemaVersion
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints (instance_id, graph_id, status, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(instance_id) DO UPDATE SET
				graph_id = excluded.graph_id,
				status = excluded.status,
				data = excluded.data,
				updated_at = excluded.updated_at`,
			cp.InstanceID, cp.GraphID, cp.Status, string(data), formatTime(cp.SavedAt))
		if err != nil {
			return fmt.Errorf("save checkpoint %s: %w", cp.InstanceID, err)
		}
		return nil
	})
}

func (s *CheckpointStore) Load(ctx context.Context, instanceID string) (checkpoint.Checkpoint, error) {
	var data string
	err := s.db.conn.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE instance_id = ?`, instanceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, instanceID)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", instanceID, err)
	}
	return checkpoint.Decode([]byte(data))
}

func (s *CheckpointStore) Delete(ctx context.Context, instanceID string) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE instance_id = ?`, instanceID)
		return err
	})
}

func (s *CheckpointStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT instance_id FROM checkpoints ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
