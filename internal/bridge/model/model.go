// Package model defines the bridge's correlation data model: the mesh-side
// identifiers, per-gateway reception statistics, and the MessageState that
// ties one logical mesh packet to one evolving Matrix event.
package model

import (
	"fmt"
	"time"
)

// PacketId is a 32-bit identifier assigned by the mesh for every packet.
// It is unique within a rolling window, not globally unique.
type PacketId uint32

// String renders a PacketId as an 8-digit lowercase hex string prefixed
// with "!", e.g. "!ae614908".
func (p PacketId) String() string {
	return fmt.Sprintf("!%08x", uint32(p))
}

// NodeId identifies a radio. It shares PacketId's shape and rendering.
type NodeId uint32

func (n NodeId) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// GatewayId identifies the specific radio that reported a reception: either
// a NodeId (hex form, MQTT gateway) or the synthetic string "lan" for the
// locally attached radio.
type GatewayId string

// LANGateway is the synthetic GatewayId for the locally attached radio.
const LANGateway GatewayId = "lan"

// GatewayIdFromNode renders a NodeId as a GatewayId.
func GatewayIdFromNode(n NodeId) GatewayId {
	return GatewayId(n.String())
}

// ReceptionStats is one gateway's observation of a packet.
type ReceptionStats struct {
	GatewayId GatewayId
	// RSSI in dBm. 0 if unknown.
	RSSI int
	// SNR in dB. 0.0 if unknown.
	SNR float64
	// HopCount is hop_start - hop_limit at the receiving node. 0 means
	// direct reception.
	HopCount int
	// Timestamp is when the bridge observed this reception.
	Timestamp time.Time
}

// Direct reports whether this reception was a direct (zero-hop) reception.
func (r ReceptionStats) Direct() bool {
	return r.HopCount == 0
}

// MessageState is the bridge's record of one logical mesh packet it has
// surfaced (or is in the process of surfacing) in Matrix.
//
// Invariants (see spec §3):
//  1. At most one MessageState exists per PacketId.
//  2. MatrixEventID is set exactly once, on first successful creation.
//  3. Every GatewayId in Receptions is unique.
//  4. A MessageState with IsMatrixOrigin=true exists before its first echo.
//  5. A reaction packet never gets its own top-level Matrix event.
type MessageState struct {
	PacketId PacketId

	// MatrixEventID is assigned once the Matrix event is created and is
	// immutable thereafter. Empty until creation succeeds.
	MatrixEventID string

	SenderNode   NodeId
	ChannelIndex int
	OriginalText string

	// Receptions preserves insertion order for rendering; gatewaysReceived
	// provides O(1) membership testing for the same set.
	Receptions       []ReceptionStats
	gatewaysReceived map[GatewayId]struct{}

	// IsMatrixOrigin is true iff this packet was injected onto the mesh by
	// the bridge from a Matrix event.
	IsMatrixOrigin bool
	// MatrixOriginEventID is the Matrix event that caused this packet, when
	// IsMatrixOrigin is true. Parts 2..N of a split message share the same
	// MatrixOriginEventID as part 1.
	MatrixOriginEventID string

	// ParentPacketId is non-nil when this packet is a reply or reaction.
	ParentPacketId *PacketId

	// Replies holds child packet IDs in arrival order, for rendering the
	// reply block. Reaction children are tracked separately in Reactions.
	Replies []PacketId

	// Reactions aggregates tapback emoji by reactor display name, in
	// arrival order of first occurrence per emoji.
	Reactions []ReactionSummary

	CreatedAt    time.Time
	LastUpdateAt time.Time
}

// ReactionSummary aggregates reactors for a single emoji on a message.
type ReactionSummary struct {
	Emoji     string
	Reactors  []string
	seenActor map[string]struct{}
}

// NewMessageState creates a zero-value MessageState for packetID, ready for
// reception merging.
func NewMessageState(packetID PacketId, sender NodeId, channel int, text string, now time.Time) *MessageState {
	return &MessageState{
		PacketId:         packetID,
		SenderNode:       sender,
		ChannelIndex:     channel,
		OriginalText:     text,
		gatewaysReceived: make(map[GatewayId]struct{}),
		CreatedAt:        now,
		LastUpdateAt:     now,
	}
}

// HasReception reports whether gw already has a reception recorded.
func (m *MessageState) HasReception(gw GatewayId) bool {
	if m.gatewaysReceived == nil {
		m.rebuildIndex()
	}
	_, ok := m.gatewaysReceived[gw]
	return ok
}

// AddReception adds stats to the reception list iff no entry for the same
// GatewayId exists already. Returns true if it was added.
func (m *MessageState) AddReception(stats ReceptionStats) bool {
	if m.gatewaysReceived == nil {
		m.rebuildIndex()
	}
	if _, ok := m.gatewaysReceived[stats.GatewayId]; ok {
		return false
	}
	m.gatewaysReceived[stats.GatewayId] = struct{}{}
	m.Receptions = append(m.Receptions, stats)
	return true
}

// AddReaction records a reactor for emoji, aggregating by emoji. Returns
// true if this (emoji, reactor) pair is new.
func (m *MessageState) AddReaction(emoji, reactor string) bool {
	for i := range m.Reactions {
		if m.Reactions[i].Emoji != emoji {
			continue
		}
		r := &m.Reactions[i]
		if r.seenActor == nil {
			r.seenActor = make(map[string]struct{}, len(r.Reactors))
			for _, a := range r.Reactors {
				r.seenActor[a] = struct{}{}
			}
		}
		if _, ok := r.seenActor[reactor]; ok {
			return false
		}
		r.seenActor[reactor] = struct{}{}
		r.Reactors = append(r.Reactors, reactor)
		return true
	}
	m.Reactions = append(m.Reactions, ReactionSummary{
		Emoji:     emoji,
		Reactors:  []string{reactor},
		seenActor: map[string]struct{}{reactor: {}},
	})
	return true
}

// rebuildIndex repopulates gatewaysReceived from Receptions. Used after
// deserialisation from the store, where the map is not persisted directly.
func (m *MessageState) rebuildIndex() {
	m.gatewaysReceived = make(map[GatewayId]struct{}, len(m.Receptions))
	for _, r := range m.Receptions {
		m.gatewaysReceived[r.GatewayId] = struct{}{}
	}
}

// RebuildIndexes restores all internal lookup maps after a MessageState is
// loaded from persistent storage. Callers in the store package must invoke
// this before handing a rehydrated MessageState to the rest of the bridge.
func (m *MessageState) RebuildIndexes() {
	m.rebuildIndex()
	for i := range m.Reactions {
		r := &m.Reactions[i]
		r.seenActor = make(map[string]struct{}, len(r.Reactors))
		for _, a := range r.Reactors {
			r.seenActor[a] = struct{}{}
		}
	}
}
