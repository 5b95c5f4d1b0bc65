package mesh

import (
	"testing"
	"time"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

type fakeCursor struct {
	id         model.PacketId
	observedAt time.Time
	ok         bool
}

func (f fakeCursor) LastSeen(channel int) (model.PacketId, time.Time, bool) {
	return f.id, f.observedAt, f.ok
}

func TestResolveExplicitReplyField(t *testing.T) {
	r := NewResolver(fakeCursor{})
	pkt := Packet{ID: 10, ReplyID: 5, Port: PortText}
	role, parent := r.Resolve(pkt, "hello", nil)
	if role != RoleReply {
		t.Fatalf("expected RoleReply, got %v", role)
	}
	if parent == nil || *parent != 5 {
		t.Fatalf("expected parent 5, got %v", parent)
	}
}

func TestResolveExplicitReplyFieldOnReactionPort(t *testing.T) {
	r := NewResolver(fakeCursor{})
	pkt := Packet{ID: 11, ReplyID: 5, Port: PortReaction}
	role, parent := r.Resolve(pkt, "👍", nil)
	if role != RoleReaction {
		t.Fatalf("expected RoleReaction, got %v", role)
	}
	if parent == nil || *parent != 5 {
		t.Fatalf("expected parent 5, got %v", parent)
	}
}

func TestResolveDeepLinkageScan(t *testing.T) {
	r := NewResolver(fakeCursor{})
	pkt := Packet{
		ID:   12,
		Port: PortText,
		Decoded: map[string]any{
			"nested": map[string]any{
				"reply_id": uint32(7),
			},
		},
	}
	role, parent := r.Resolve(pkt, "hi", nil)
	if role != RoleReply {
		t.Fatalf("expected RoleReply, got %v", role)
	}
	if parent == nil || *parent != 7 {
		t.Fatalf("expected parent 7, got %v", parent)
	}
}

func TestResolveLegacyTextualReaction(t *testing.T) {
	r := NewResolver(fakeCursor{})
	pkt := Packet{ID: 13, Port: PortText}
	role, parent := r.Resolve(pkt, "[Reaction to !0000002a]: 👍", nil)
	if role != RoleReaction {
		t.Fatalf("expected RoleReaction, got %v", role)
	}
	if parent == nil || *parent != model.PacketId(42) {
		t.Fatalf("expected parent 42, got %v", parent)
	}
}

func TestResolveLegacyTextualReactionSuppressedAsOwnEcho(t *testing.T) {
	r := NewResolver(fakeCursor{})
	pkt := Packet{ID: 14, Port: PortText}
	isEcho := func(id model.PacketId) bool { return id == 42 }
	role, _ := r.Resolve(pkt, "[Reaction to !0000002a]: 👍", isEcho)
	if role != RoleNew {
		t.Fatalf("expected RoleNew (echo suppressed), got %v", role)
	}
}

func TestResolveEmojiOnlyHeuristicWithinWindow(t *testing.T) {
	cursor := fakeCursor{id: 99, observedAt: time.Now(), ok: true}
	r := NewResolver(cursor)
	pkt := Packet{ID: 15, Channel: 0, Port: PortText}
	role, parent := r.Resolve(pkt, "👍", nil)
	if role != RoleReaction {
		t.Fatalf("expected RoleReaction, got %v", role)
	}
	if parent == nil || *parent != 99 {
		t.Fatalf("expected parent 99, got %v", parent)
	}
}

func TestResolveEmojiOnlyHeuristicOutsideWindow(t *testing.T) {
	cursor := fakeCursor{id: 99, observedAt: time.Now().Add(-(CorrelationWindow + time.Minute)), ok: true}
	r := NewResolver(cursor)
	pkt := Packet{ID: 16, Channel: 0, Port: PortText}
	role, _ := r.Resolve(pkt, "👍", nil)
	if role != RoleNew {
		t.Fatalf("expected RoleNew (outside correlation window), got %v", role)
	}
}

func TestResolveDefaultsToNew(t *testing.T) {
	r := NewResolver(fakeCursor{})
	pkt := Packet{ID: 17, Port: PortText}
	role, parent := r.Resolve(pkt, "just a normal message", nil)
	if role != RoleNew {
		t.Fatalf("expected RoleNew, got %v", role)
	}
	if parent != nil {
		t.Fatalf("expected nil parent, got %v", parent)
	}
}

func TestIsEmojiOnly(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"👍", true},
		{"👍👍👍", true},
		{"  👍  ", true},
		{"hi", false},
		{"5", false},
		{"", false},
		{"👍!", false},
	}
	for _, c := range cases {
		if got := isEmojiOnly(c.text); got != c.want {
			t.Errorf("isEmojiOnly(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
