package corebridge

import (
	"fmt"
	"strings"
	"testing"
)

func TestSplitMessageShortPassesThrough(t *testing.T) {
	got := splitMessage("hello", 200)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("unexpected split: %v", got)
	}
}

func TestSplitMessageRespectsByteLimit(t *testing.T) {
	text := strings.Repeat("a", 450)
	parts := splitMessage(text, 200)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	for i, p := range parts {
		if len(p) > 200 {
			t.Errorf("part %d exceeds byte limit: %d", i, len(p))
		}
	}
	if strings.Join(parts, "") != text {
		t.Error("reassembled parts do not match original text")
	}
}

func TestSplitWithMarkersSinglePartGetsNoMarker(t *testing.T) {
	got := splitWithMarkers("hello", 200)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("unexpected split: %v", got)
	}
}

func TestSplitWithMarkersStaysWithinByteLimit(t *testing.T) {
	text := strings.Repeat("a", 450)
	parts := splitWithMarkers(text, 200)
	if len(parts) < 2 {
		t.Fatalf("expected multiple parts, got %d", len(parts))
	}
	for i, p := range parts {
		if len(p) > 200 {
			t.Errorf("part %d is %d bytes, exceeds the 200-byte wire limit: %q", i, len(p), p)
		}
	}
}

func TestSplitWithMarkersAppendsSequenceMarker(t *testing.T) {
	text := strings.Repeat("a", 450)
	parts := splitWithMarkers(text, 200)
	for i, p := range parts {
		want := fmt.Sprintf(" (%d/%d)", i+1, len(parts))
		if !strings.HasSuffix(p, want) {
			t.Errorf("part %d = %q, want suffix %q", i, p, want)
		}
	}
}

func TestSplitMessageDoesNotCutGraphemeClusters(t *testing.T) {
	// Family emoji sequence is one grapheme cluster spanning many bytes;
	// splitting with a tight byte limit must never break it apart.
	family := "👨‍👩‍👧‍👦"
	text := strings.Repeat(family, 20)
	parts := splitMessage(text, 30)
	for _, p := range parts {
		if len(p)%len(family) != 0 {
			t.Errorf("part does not consist of whole grapheme clusters: %q", p)
		}
	}
	if strings.Join(parts, "") != text {
		t.Error("reassembled parts do not match original text")
	}
}
