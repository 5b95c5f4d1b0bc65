package corebridge

import (
	"fmt"

	"github.com/rivo/uniseg"
)

// splitWithMarkers splits text into wire-ready parts of at most maxBytes
// bytes each, appending a " (i/N)" marker to every part when there is more
// than one. The marker itself counts against maxBytes: every part actually
// sent over the mesh, markers included, must fit the 200-byte payload limit
// (spec §4.5, testable property 5, scenario S5). Splitting first and
// appending the marker afterward would let the marker push a part over the
// limit, so the split budget is shrunk to leave the marker room before the
// text is split.
func splitWithMarkers(text string, maxBytes int) []string {
	parts := splitMessage(text, maxBytes)
	if len(parts) <= 1 {
		return parts
	}

	budget := maxBytes
	for {
		marker := fmt.Sprintf(" (%d/%d)", len(parts), len(parts))
		newBudget := maxBytes - len(marker)
		if newBudget == budget {
			break
		}
		budget = newBudget
		parts = splitMessage(text, budget)
		if len(parts) <= 1 {
			return parts
		}
	}

	marked := make([]string, len(parts))
	for i, part := range parts {
		marked[i] = fmt.Sprintf("%s (%d/%d)", part, i+1, len(parts))
	}
	return marked
}

// splitMessage splits text into chunks of at most maxBytes bytes, breaking
// only on grapheme-cluster boundaries so multi-byte emoji and combining
// sequences are never cut in half (spec §4.5).
func splitMessage(text string, maxBytes int) []string {
	if len(text) <= maxBytes {
		return []string{text}
	}

	var parts []string
	var current []byte

	state := -1
	remaining := text
	for len(remaining) > 0 {
		cluster, rest, _, newState := uniseg.StepString(remaining, state)
		state = newState

		if len(current)+len(cluster) > maxBytes && len(current) > 0 {
			parts = append(parts, string(current))
			current = nil
		}
		current = append(current, cluster...)
		remaining = rest
	}
	if len(current) > 0 {
		parts = append(parts, string(current))
	}
	return parts
}
