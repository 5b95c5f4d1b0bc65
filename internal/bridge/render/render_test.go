package render

import (
	"strings"
	"testing"
	"time"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

type fakeNames struct {
	nodes    map[model.NodeId]string
	gateways map[model.GatewayId]string
}

func (f fakeNames) DisplayName(node model.NodeId) string {
	if name, ok := f.nodes[node]; ok {
		return name
	}
	return node.String()
}

func (f fakeNames) GatewayDisplayName(gw model.GatewayId) string {
	if name, ok := f.gateways[gw]; ok {
		return name
	}
	return string(gw)
}

type fakeReplies struct {
	states map[model.PacketId]*model.MessageState
}

func (f fakeReplies) Lookup(id model.PacketId) (*model.MessageState, bool) {
	s, ok := f.states[id]
	return s, ok
}

func TestStatsStringDirectReception(t *testing.T) {
	names := fakeNames{gateways: map[model.GatewayId]string{"lan": "Home Radio"}}
	got := StatsString([]model.ReceptionStats{{GatewayId: "lan", RSSI: -72, HopCount: 0}}, names)
	if got != "Home Radio (-72dB)" {
		t.Errorf("got %q", got)
	}
}

func TestStatsStringMultiHopReception(t *testing.T) {
	names := fakeNames{gateways: map[model.GatewayId]string{"!deadbeef": "Repeater"}}
	got := StatsString([]model.ReceptionStats{{GatewayId: "!deadbeef", HopCount: 2}}, names)
	if got != "Repeater (2 hops)" {
		t.Errorf("got %q", got)
	}
}

func TestStatsStringJoinsMultipleGateways(t *testing.T) {
	names := fakeNames{gateways: map[model.GatewayId]string{
		"lan":       "Home Radio",
		"!deadbeef": "Repeater",
	}}
	got := StatsString([]model.ReceptionStats{
		{GatewayId: "lan", RSSI: -50},
		{GatewayId: "!deadbeef", HopCount: 1},
	}, names)
	if got != "Home Radio (-50dB), Repeater (1 hops)" {
		t.Errorf("got %q", got)
	}
}

func TestRenderMeshOriginIncludesSenderAndStats(t *testing.T) {
	names := fakeNames{
		nodes:    map[model.NodeId]string{5: "Alice"},
		gateways: map[model.GatewayId]string{"lan": "Home Radio"},
	}
	state := model.NewMessageState(1, 5, 0, "hello mesh", time.Now())
	state.AddReception(model.ReceptionStats{GatewayId: "lan", RSSI: -60})

	body := Render(state, names, fakeReplies{})

	if !strings.Contains(body.Plain, "Alice: hello mesh") {
		t.Errorf("plain body missing sender/text: %q", body.Plain)
	}
	if !strings.Contains(body.Plain, "Received by: Home Radio (-60dB)") {
		t.Errorf("plain body missing stats line: %q", body.Plain)
	}
	if !strings.Contains(body.HTML, "<strong>Alice</strong>: hello mesh") {
		t.Errorf("html body missing sender/text: %q", body.HTML)
	}
}

func TestRenderMatrixOriginIsCompact(t *testing.T) {
	names := fakeNames{gateways: map[model.GatewayId]string{"lan": "Home Radio"}}
	state := model.NewMessageState(1, 5, 0, "hello from matrix", time.Now())
	state.IsMatrixOrigin = true
	state.AddReception(model.ReceptionStats{GatewayId: "lan", RSSI: -60})

	body := Render(state, names, fakeReplies{})

	if strings.Contains(body.Plain, "hello from matrix") {
		t.Errorf("compact mode should not repeat the original text: %q", body.Plain)
	}
	if !strings.Contains(body.Plain, "Received by: Home Radio (-60dB)") {
		t.Errorf("compact mode missing stats line: %q", body.Plain)
	}
}

func TestRenderEscapesHTML(t *testing.T) {
	names := fakeNames{gateways: map[model.GatewayId]string{}}
	state := model.NewMessageState(1, 5, 0, "<script>alert(1)</script>", time.Now())

	body := Render(state, names, fakeReplies{})

	if strings.Contains(body.HTML, "<script>") {
		t.Errorf("expected HTML body to escape user text: %q", body.HTML)
	}
}

func TestRenderIncludesReactionSummary(t *testing.T) {
	names := fakeNames{}
	state := model.NewMessageState(1, 5, 0, "hello", time.Now())
	state.AddReaction("👍", "Alice")
	state.AddReaction("👍", "Bob")

	body := Render(state, names, fakeReplies{})

	if !strings.Contains(body.Plain, "👍 — Alice, Bob") {
		t.Errorf("expected reaction summary line, got: %q", body.Plain)
	}
}

func TestRenderReplyBlockUsesPlaceholderForMissingChild(t *testing.T) {
	names := fakeNames{}
	state := model.NewMessageState(1, 5, 0, "hello", time.Now())
	state.Replies = []model.PacketId{99}

	body := Render(state, names, fakeReplies{states: map[model.PacketId]*model.MessageState{}})

	if !strings.Contains(body.Plain, model.PacketId(99).String()) {
		t.Errorf("expected placeholder for missing reply child, got: %q", body.Plain)
	}
}
