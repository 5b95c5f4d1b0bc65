package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// ErrNotFound is returned when a lookup finds nothing.
var ErrNotFound = errors.New("store: not found")

// SaveMessageState upserts state and its child rows (receptions, reactions)
// inside a single transaction.
func (s *Store) SaveMessageState(ctx context.Context, state *model.MessageState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save message state: begin: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullInt64
	if state.ParentPacketId != nil {
		parent = sql.NullInt64{Int64: int64(*state.ParentPacketId), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_states (
			packet_id, matrix_event_id, sender_node, channel_index, original_text,
			is_matrix_origin, matrix_origin_event_id, parent_packet_id, created_at, last_update_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(packet_id) DO UPDATE SET
			matrix_event_id        = excluded.matrix_event_id,
			original_text           = excluded.original_text,
			is_matrix_origin        = excluded.is_matrix_origin,
			matrix_origin_event_id  = excluded.matrix_origin_event_id,
			parent_packet_id        = excluded.parent_packet_id,
			last_update_at          = excluded.last_update_at
	`, state.PacketId, state.MatrixEventID, state.SenderNode, state.ChannelIndex, state.OriginalText,
		boolToInt(state.IsMatrixOrigin), state.MatrixOriginEventID, parent, state.CreatedAt, state.LastUpdateAt)
	if err != nil {
		return fmt.Errorf("save message state: upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM receptions WHERE packet_id = ?`, state.PacketId); err != nil {
		return fmt.Errorf("save message state: clear receptions: %w", err)
	}
	for i, r := range state.Receptions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO receptions (packet_id, gateway_id, rssi, snr, hop_count, observed_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, state.PacketId, r.GatewayId, r.RSSI, r.SNR, r.HopCount, r.Timestamp, i)
		if err != nil {
			return fmt.Errorf("save message state: insert reception: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE packet_id = ?`, state.PacketId); err != nil {
		return fmt.Errorf("save message state: clear reactions: %w", err)
	}
	seq := 0
	for _, summary := range state.Reactions {
		for _, reactor := range summary.Reactors {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO reactions (packet_id, emoji, reactor, seq) VALUES (?, ?, ?, ?)
			`, state.PacketId, summary.Emoji, reactor, seq)
			if err != nil {
				return fmt.Errorf("save message state: insert reaction: %w", err)
			}
			seq++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save message state: commit: %w", err)
	}
	return nil
}

// DeleteMessageState removes a MessageState and its child rows.
func (s *Store) DeleteMessageState(ctx context.Context, id model.PacketId) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_states WHERE packet_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message state: %w", err)
	}
	return nil
}

// LoadAllMessageStates loads every MessageState, used at startup to
// rehydrate the in-memory index (§4.4). Replies are reconstructed from
// parent_packet_id after all rows are loaded (see corebridge's index
// builder), so this method leaves Replies empty.
func (s *Store) LoadAllMessageStates(ctx context.Context) ([]*model.MessageState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT packet_id, matrix_event_id, sender_node, channel_index, original_text,
		       is_matrix_origin, matrix_origin_event_id, parent_packet_id, created_at, last_update_at
		FROM message_states
	`)
	if err != nil {
		return nil, fmt.Errorf("load all message states: %w", err)
	}
	defer rows.Close()

	var states []*model.MessageState
	for rows.Next() {
		st, err := scanMessageState(rows)
		if err != nil {
			return nil, fmt.Errorf("load all message states: scan: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load all message states: rows: %w", err)
	}

	for _, st := range states {
		if err := s.loadReceptions(ctx, st); err != nil {
			return nil, err
		}
		if err := s.loadReactions(ctx, st); err != nil {
			return nil, err
		}
		st.RebuildIndexes()
	}

	return states, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageState(row rowScanner) (*model.MessageState, error) {
	st := &model.MessageState{}
	var parent sql.NullInt64
	var isOrigin int
	if err := row.Scan(
		&st.PacketId, &st.MatrixEventID, &st.SenderNode, &st.ChannelIndex, &st.OriginalText,
		&isOrigin, &st.MatrixOriginEventID, &parent, &st.CreatedAt, &st.LastUpdateAt,
	); err != nil {
		return nil, err
	}
	st.IsMatrixOrigin = isOrigin != 0
	if parent.Valid {
		p := model.PacketId(parent.Int64)
		st.ParentPacketId = &p
	}
	return st, nil
}

func (s *Store) loadReceptions(ctx context.Context, st *model.MessageState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gateway_id, rssi, snr, hop_count, observed_at
		FROM receptions WHERE packet_id = ? ORDER BY seq
	`, st.PacketId)
	if err != nil {
		return fmt.Errorf("load receptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.ReceptionStats
		if err := rows.Scan(&r.GatewayId, &r.RSSI, &r.SNR, &r.HopCount, &r.Timestamp); err != nil {
			return fmt.Errorf("load receptions: scan: %w", err)
		}
		st.Receptions = append(st.Receptions, r)
	}
	return rows.Err()
}

func (s *Store) loadReactions(ctx context.Context, st *model.MessageState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT emoji, reactor FROM reactions WHERE packet_id = ? ORDER BY seq
	`, st.PacketId)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var emoji, reactor string
		if err := rows.Scan(&emoji, &reactor); err != nil {
			return fmt.Errorf("load reactions: scan: %w", err)
		}
		found := false
		for i := range st.Reactions {
			if st.Reactions[i].Emoji == emoji {
				st.Reactions[i].Reactors = append(st.Reactions[i].Reactors, reactor)
				found = true
				break
			}
		}
		if !found {
			st.Reactions = append(st.Reactions, model.ReactionSummary{Emoji: emoji, Reactors: []string{reactor}})
		}
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
