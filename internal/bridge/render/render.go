// Package render turns a model.MessageState into the Matrix message body
// (plain text + HTML), per spec §4.2. Rendering is pure: an identical
// MessageState always produces an identical body.
package render

import (
	"fmt"
	"html"
	"strings"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// NameResolver resolves node/gateway display names from the external name
// directory. Unknown ids render as their hex form (the caller is expected
// to pass through the hex string when no name is known).
type NameResolver interface {
	DisplayName(node model.NodeId) string
	GatewayDisplayName(gw model.GatewayId) string
}

// ReplyLookup resolves a child packet id's MessageState for reply-block
// rendering. A missing child (e.g. evicted) is rendered as a placeholder.
type ReplyLookup interface {
	Lookup(id model.PacketId) (*model.MessageState, bool)
}

// Body is the rendered plain-text/HTML pair for a Matrix event.
type Body struct {
	Plain string
	HTML  string
}

// Render produces the Matrix body for state. When state.IsMatrixOrigin,
// rendering uses compact mode (§4.2): only the stats line and reply/reaction
// blocks, since the original Matrix message already carries the text.
func Render(state *model.MessageState, names NameResolver, replies ReplyLookup) Body {
	var plainLines, htmlLines []string

	statsStr := StatsString(state.Receptions, names)

	if state.IsMatrixOrigin {
		plainLines = append(plainLines, fmt.Sprintf("(Received by: %s)", statsStr))
		htmlLines = append(htmlLines, fmt.Sprintf("(Received by: %s)", html.EscapeString(statsStr)))
	} else {
		sender := names.DisplayName(state.SenderNode)
		plainLines = append(plainLines, fmt.Sprintf("%s: %s", sender, state.OriginalText))
		htmlLines = append(htmlLines, fmt.Sprintf("<strong>%s</strong>: %s",
			html.EscapeString(sender), html.EscapeString(state.OriginalText)))
		plainLines = append(plainLines, fmt.Sprintf("(Received by: %s)", statsStr))
		htmlLines = append(htmlLines, fmt.Sprintf("(Received by: %s)", html.EscapeString(statsStr)))
	}

	for _, childID := range state.Replies {
		child, ok := replies.Lookup(childID)
		if !ok {
			plainLines = append(plainLines, fmt.Sprintf("  ↳ %s", childID))
			htmlLines = append(htmlLines, fmt.Sprintf("  ↳ %s", html.EscapeString(childID.String())))
			continue
		}
		childSender := names.DisplayName(child.SenderNode)
		childStats := StatsString(child.Receptions, names)
		plainLines = append(plainLines, fmt.Sprintf("  ↳ %s: %s (%s)", childSender, child.OriginalText, childStats))
		htmlLines = append(htmlLines, fmt.Sprintf("  ↳ %s: %s (%s)",
			html.EscapeString(childSender), html.EscapeString(child.OriginalText), html.EscapeString(childStats)))
	}

	for _, reaction := range state.Reactions {
		summary := fmt.Sprintf("  ↳ %s — %s", reaction.Emoji, strings.Join(reaction.Reactors, ", "))
		plainLines = append(plainLines, summary)
		htmlLines = append(htmlLines, html.EscapeString(summary))
	}

	return Body{
		Plain: strings.Join(plainLines, "\n"),
		HTML:  strings.Join(htmlLines, "<br/>\n"),
	}
}

// StatsString joins per-gateway reception entries with ", ", each rendered
// as "<gateway_display_name> (<metric>)". The metric is "-<|rssi|>dB" for
// direct receptions (hop_count == 0), else "<hop_count> hops".
func StatsString(receptions []model.ReceptionStats, names NameResolver) string {
	parts := make([]string, 0, len(receptions))
	for _, r := range receptions {
		parts = append(parts, fmt.Sprintf("%s (%s)", names.GatewayDisplayName(r.GatewayId), metric(r)))
	}
	return strings.Join(parts, ", ")
}

func metric(r model.ReceptionStats) string {
	if r.Direct() {
		abs := r.RSSI
		if abs < 0 {
			abs = -abs
		}
		return fmt.Sprintf("-%ddB", abs)
	}
	return fmt.Sprintf("%d hops", r.HopCount)
}
