package mesh

import (
	"regexp"
	"time"
	"unicode"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// Role classifies a decoded packet per §4.3.
type Role int

const (
	RoleNew Role = iota
	RoleReply
	RoleReaction
)

func (r Role) String() string {
	switch r {
	case RoleReply:
		return "reply"
	case RoleReaction:
		return "reaction"
	default:
		return "new"
	}
}

// CorrelationWindow bounds the emoji-only reply/reaction heuristic (§4.3
// rule 4, §9 open question): 10 minutes, as proposed by the spec.
const CorrelationWindow = 10 * time.Minute

// maxScanDepth bounds the deep reply-linkage scan (§9) to avoid pathological
// inputs from deeply nested decoded structures.
const maxScanDepth = 4

var replyFieldPattern = regexp.MustCompile(`(?i)reply.?id|reference.?id`)

// ChannelCursor reports the last-seen packet id and observation time on a
// channel, used by the emoji-only heuristic (rule 4).
type ChannelCursor interface {
	LastSeen(channel int) (id model.PacketId, observedAt time.Time, ok bool)
}

// StateLookup reports whether a packet id has a known MessageState, used to
// distinguish "new" from packets that merely look new at the resolver layer
// (the resolver itself does not need full state, only existence).
type StateLookup interface {
	Exists(id model.PacketId) bool
}

// Resolver implements §4.3: classify a packet as new/reply/reaction and
// locate its parent packet id.
type Resolver struct {
	cursor ChannelCursor
}

// NewResolver builds a Resolver backed by cursor for the emoji-only
// heuristic.
func NewResolver(cursor ChannelCursor) *Resolver {
	return &Resolver{cursor: cursor}
}

// Resolve classifies pkt per the resolution order of §4.3: explicit reply
// field, deep linkage scan, legacy textual reaction, heuristic emoji-only,
// else new. isOutgoingEcho reports whether an id is a known Matrix-origin
// outgoing packet id; it is asked about a legacy reaction's target id, to
// suppress the echo of the bridge's own tapbacks.
func (r *Resolver) Resolve(pkt Packet, text string, isOutgoingEcho func(model.PacketId) bool) (Role, *model.PacketId) {
	// Rule 1: explicit reply field.
	if pkt.ReplyID != 0 {
		parent := model.PacketId(pkt.ReplyID)
		if pkt.Port == PortReaction {
			return RoleReaction, &parent
		}
		return RoleReply, &parent
	}

	// Rule 2: deep linkage scan.
	if id, ok := scanForReplyID(pkt.Decoded, 0); ok {
		parent := model.PacketId(id)
		if pkt.Port == PortReaction {
			return RoleReaction, &parent
		}
		return RoleReply, &parent
	}

	// Rule 3: legacy textual reaction.
	if target, _, ok := ParseLegacyReaction(text); ok {
		if isOutgoingEcho != nil && isOutgoingEcho(target) {
			// Echo suppression: this is our own tapback coming back over MQTT.
		} else {
			return RoleReaction, &target
		}
	}

	// Rule 4: heuristic emoji-only.
	if r.cursor != nil && isEmojiOnly(text) {
		if id, observedAt, ok := r.cursor.LastSeen(pkt.Channel); ok {
			if time.Since(observedAt) <= CorrelationWindow {
				return RoleReaction, &id
			}
		}
	}

	return RoleNew, nil
}

// scanForReplyID recursively walks a decoded substructure looking for a
// field whose name matches /reply.?id/i or /reference.?id/i carrying a
// non-zero integer value, bounded to maxScanDepth.
func scanForReplyID(decoded map[string]any, depth int) (uint32, bool) {
	if decoded == nil || depth >= maxScanDepth {
		return 0, false
	}
	for k, v := range decoded {
		if replyFieldPattern.MatchString(k) {
			if n, ok := asNonZeroUint32(v); ok {
				return n, true
			}
		}
	}
	for _, v := range decoded {
		if nested, ok := v.(map[string]any); ok {
			if n, ok := scanForReplyID(nested, depth+1); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func asNonZeroUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		if n != 0 {
			return n, true
		}
	case int:
		if n != 0 {
			return uint32(n), true
		}
	case int64:
		if n != 0 {
			return uint32(n), true
		}
	case float64:
		if n != 0 {
			return uint32(n), true
		}
	}
	return 0, false
}

// isEmojiOnly reports whether text consists entirely of emoji/symbol
// runes, ignoring whitespace: letters, digits, punctuation, and any other
// non-symbol rune below U+2000 make it false.
func isEmojiOnly(text string) bool {
	trimmed := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		trimmed++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) {
			return false
		}
		if r < 0x2000 && !unicode.IsSymbol(r) {
			return false
		}
	}
	return trimmed > 0
}
