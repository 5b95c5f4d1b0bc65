// Package mesh implements the mesh-side external collaborators: the MQTT
// and LAN packet sources, the send/tapback sink, and the packet
// classification resolver.
//
// Meshtastic's wire protocol adds fields across firmware revisions, so the
// decoded packet is represented as a tagged variant (the handful of fields
// the bridge actually needs) plus an untyped Decoded substructure that the
// deep reply-linkage scan (§4.3 rule 2) walks by field name.
package mesh

import (
	"strings"
	"time"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// Port identifies a Meshtastic application port. Only the ports the bridge
// cares about are named; the sources map every other port to PortUnknown.
type Port int

const (
	PortUnknown  Port = 0
	PortText     Port = 1
	PortReaction Port = 70
	PortNodeInfo Port = 4
)

// Packet is the bridge's generic representation of a decoded mesh packet,
// built by the MQTT/LAN sources from the Meshtastic protobuf MeshPacket +
// Data messages (see mqtt.go, lan.go).
type Packet struct {
	ID          model.PacketId
	From        model.NodeId
	Channel     int
	ChannelName string
	Port        Port
	HopStart    int
	HopLimit    int
	ReplyID     uint32 // 0 means absent
	Text        string
	Emoji       string
	Payload     []byte
	NodeInfo    *NodeInfo

	// GatewayID identifies the radio that reported this reception: the
	// synthetic "lan" gateway for the LAN source, or the reporting gateway's
	// NodeId (rendered !hex) for MQTT.
	GatewayID model.GatewayId
	RSSI      int
	SNR       float64
	// Decoded is the raw decoded substructure, keyed by protobuf field name,
	// used only for the deep reply-linkage scan (§4.3 rule 2) when firmware
	// revisions nest the reply/reference id somewhere Decoded-only.
	Decoded map[string]any
}

// NodeInfo is the subset of a NODEINFO packet the name directory consumes.
type NodeInfo struct {
	Node      model.NodeId
	ShortName string
	LongName  string
}

// Stats builds the ReceptionStats for this observation, timestamped now.
func (p Packet) Stats(now time.Time) model.ReceptionStats {
	return model.ReceptionStats{
		GatewayId: p.GatewayID,
		RSSI:      p.RSSI,
		SNR:       p.SNR,
		HopCount:  p.HopCount(),
		Timestamp: now,
	}
}

// HopCount returns hop_start - hop_limit, clamped to zero (defensive
// against malformed packets where hop_limit > hop_start).
func (p Packet) HopCount() int {
	if p.HopStart <= p.HopLimit {
		return 0
	}
	return p.HopStart - p.HopLimit
}

// ExtractText derives the payload text per §4.1(c): decoded text field,
// then decoded emoji field, then raw payload bytes interpreted as UTF-8.
func (p Packet) ExtractText() string {
	if p.Text != "" {
		return p.Text
	}
	if p.Emoji != "" {
		return p.Emoji
	}
	if len(p.Payload) > 0 && isValidUTF8(p.Payload) {
		return string(p.Payload)
	}
	return ""
}

// legacyReactionPrefix opens the legacy textual reaction form,
// `[Reaction to !<hex>]: <emoji>`.
const legacyReactionPrefix = "[Reaction to !"

// ParseLegacyReaction recognises the legacy textual reaction form and
// returns the referenced packet id and emoji. ok is false if text does not
// match the exact form.
func ParseLegacyReaction(text string) (target model.PacketId, emoji string, ok bool) {
	if !strings.HasPrefix(text, legacyReactionPrefix) {
		return 0, "", false
	}
	rest := text[len(legacyReactionPrefix):]
	closeIdx := strings.Index(rest, "]: ")
	if closeIdx < 0 {
		return 0, "", false
	}
	hex := rest[:closeIdx]
	emoji = rest[closeIdx+len("]: "):]
	if len(hex) != 8 || emoji == "" {
		return 0, "", false
	}
	id, err := parseHexPacketID(hex)
	if err != nil {
		return 0, "", false
	}
	return id, emoji, true
}

func isValidUTF8(b []byte) bool {
	return strings.ToValidUTF8(string(b), "") == string(b)
}
