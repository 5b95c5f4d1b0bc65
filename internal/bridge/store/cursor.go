package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// UpdateChannelCursor records id as the most recently observed packet on
// channel, used to recompute last_seen_packet_id on restart (§4.4) and by
// the emoji-only reply heuristic (§4.3 rule 4).
func (s *Store) UpdateChannelCursor(ctx context.Context, channel int, id model.PacketId, observedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_cursor (channel_index, last_seen_packet_id, observed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(channel_index) DO UPDATE SET
			last_seen_packet_id = excluded.last_seen_packet_id,
			observed_at         = excluded.observed_at
		WHERE excluded.observed_at >= channel_cursor.observed_at
	`, channel, id, observedAt)
	if err != nil {
		return fmt.Errorf("update channel cursor: %w", err)
	}
	return nil
}

// LoadChannelCursors returns the last-seen packet id and timestamp for
// every channel with at least one observation, used to rehydrate the
// in-memory cursor at startup.
func (s *Store) LoadChannelCursors(ctx context.Context) (map[int]ChannelCursorRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_index, last_seen_packet_id, observed_at FROM channel_cursor`)
	if err != nil {
		return nil, fmt.Errorf("load channel cursors: %w", err)
	}
	defer rows.Close()

	result := make(map[int]ChannelCursorRow)
	for rows.Next() {
		var channel int
		var row ChannelCursorRow
		if err := rows.Scan(&channel, &row.PacketId, &row.ObservedAt); err != nil {
			return nil, fmt.Errorf("load channel cursors: scan: %w", err)
		}
		result[channel] = row
	}
	return result, rows.Err()
}

// ChannelCursorRow is one channel's last-seen packet observation.
type ChannelCursorRow struct {
	PacketId   model.PacketId
	ObservedAt time.Time
}

// RecordOutgoingPacket persists a Matrix-origin packet id so echo
// suppression (§4.1(e), §9) survives restart.
func (s *Store) RecordOutgoingPacket(ctx context.Context, id model.PacketId, matrixOriginEventID string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outgoing_packets (packet_id, matrix_origin_event_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(packet_id) DO NOTHING
	`, id, matrixOriginEventID, createdAt)
	if err != nil {
		return fmt.Errorf("record outgoing packet: %w", err)
	}
	return nil
}

// LoadOutgoingPackets returns every persisted Matrix-origin packet id,
// used to rehydrate the echo-suppression registry at startup.
func (s *Store) LoadOutgoingPackets(ctx context.Context) (map[model.PacketId]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT packet_id, matrix_origin_event_id FROM outgoing_packets`)
	if err != nil {
		return nil, fmt.Errorf("load outgoing packets: %w", err)
	}
	defer rows.Close()

	result := make(map[model.PacketId]string)
	for rows.Next() {
		var id model.PacketId
		var eventID string
		if err := rows.Scan(&id, &eventID); err != nil {
			return nil, fmt.Errorf("load outgoing packets: scan: %w", err)
		}
		result[id] = eventID
	}
	return result, rows.Err()
}

// GetMessageStateByEvent looks up a MessageState by its Matrix event id,
// used to resolve reaction/reply targets from inbound Matrix events. It is
// a convenience wrapper for callers that don't want to keep the full
// in-memory index (e.g. one-shot CLI tools); the live bridge uses its own
// event_id -> packet_id index instead (§4.4) for O(1) lookups.
func (s *Store) GetMessageStateByEvent(ctx context.Context, eventID string) (*model.MessageState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT packet_id, matrix_event_id, sender_node, channel_index, original_text,
		       is_matrix_origin, matrix_origin_event_id, parent_packet_id, created_at, last_update_at
		FROM message_states WHERE matrix_event_id = ?
	`, eventID)
	st, err := scanMessageState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message state by event: %w", err)
	}
	if err := s.loadReceptions(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadReactions(ctx, st); err != nil {
		return nil, err
	}
	st.RebuildIndexes()
	return st, nil
}
