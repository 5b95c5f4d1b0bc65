package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// UpsertNodeName records a node's short/long name, preferring the short
// name for display (satisfies names.Store).
func (s *Store) UpsertNodeName(ctx context.Context, node model.NodeId, short, long string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_names (node_id, short_name, long_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			short_name = excluded.short_name,
			long_name  = excluded.long_name,
			updated_at = excluded.updated_at
	`, node, short, long, time.Now())
	if err != nil {
		return fmt.Errorf("upsert node name: %w", err)
	}
	return nil
}

// LoadNodeNames returns every known node's preferred display name (short
// name if set, else long name).
func (s *Store) LoadNodeNames(ctx context.Context) (map[model.NodeId]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, short_name, long_name FROM node_names`)
	if err != nil {
		return nil, fmt.Errorf("load node names: %w", err)
	}
	defer rows.Close()

	result := make(map[model.NodeId]string)
	for rows.Next() {
		var node model.NodeId
		var short, long string
		if err := rows.Scan(&node, &short, &long); err != nil {
			return nil, fmt.Errorf("load node names: scan: %w", err)
		}
		if short != "" {
			result[node] = short
		} else {
			result[node] = long
		}
	}
	return result, rows.Err()
}
