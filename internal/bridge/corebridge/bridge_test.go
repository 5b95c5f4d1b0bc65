package corebridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/config"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/mesh"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/store"
)

type fakeStore struct {
	mu        sync.Mutex
	saved     map[model.PacketId]*model.MessageState
	deleted   []model.PacketId
	outgoing  map[model.PacketId]string
	cursors   map[int]store.ChannelCursorRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:    make(map[model.PacketId]*model.MessageState),
		outgoing: make(map[model.PacketId]string),
		cursors:  make(map[int]store.ChannelCursorRow),
	}
}

func (f *fakeStore) SaveMessageState(_ context.Context, state *model.MessageState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[state.PacketId] = state
	return nil
}

func (f *fakeStore) DeleteMessageState(_ context.Context, id model.PacketId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) LoadAllMessageStates(context.Context) ([]*model.MessageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.MessageState
	for _, st := range f.saved {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeStore) RecordOutgoingPacket(_ context.Context, id model.PacketId, matrixOriginEventID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outgoing[id] = matrixOriginEventID
	return nil
}

func (f *fakeStore) LoadOutgoingPackets(context.Context) (map[model.PacketId]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outgoing, nil
}

func (f *fakeStore) UpdateChannelCursor(_ context.Context, channel int, id model.PacketId, observedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[channel] = store.ChannelCursorRow{PacketId: id, ObservedAt: observedAt}
	return nil
}

func (f *fakeStore) LoadChannelCursors(context.Context) (map[int]store.ChannelCursorRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors, nil
}

type sentMessage struct {
	plain, html string
	inReplyTo   id.EventID
}

type fakeMatrix struct {
	mu        sync.Mutex
	posted    []sentMessage
	edited    []sentMessage
	reactions []string
	nextID    int
}

func (f *fakeMatrix) PostMessage(_ context.Context, bodyPlain, bodyHTML string, inReplyTo id.EventID) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.posted = append(f.posted, sentMessage{bodyPlain, bodyHTML, inReplyTo})
	return id.EventID(model.PacketId(f.nextID).String()), nil
}

func (f *fakeMatrix) EditMessage(_ context.Context, target id.EventID, bodyPlain, bodyHTML string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, sentMessage{bodyPlain, bodyHTML, target})
	return nil
}

func (f *fakeMatrix) SendReaction(_ context.Context, target id.EventID, keyEmoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, keyEmoji)
	return nil
}

func (f *fakeMatrix) DisplayName(_ context.Context, userID id.UserID) string {
	return userID.String()
}

type fakeNames struct{}

func (fakeNames) Load(context.Context) error { return nil }
func (fakeNames) Update(context.Context, model.NodeId, string, string) error { return nil }
func (fakeNames) DisplayName(node model.NodeId) string { return node.String() }
func (fakeNames) GatewayDisplayName(gw model.GatewayId) string { return string(gw) }

type sentText struct {
	text    string
	channel int
	replyTo model.PacketId
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []sentText
	nextID  model.PacketId
	taps    []model.PacketId
}

func (f *fakeSink) SendText(_ context.Context, text string, channel int) (model.PacketId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentText{text: text, channel: channel})
	return f.nextID, nil
}

func (f *fakeSink) SendTextReply(_ context.Context, text string, channel int, replyTo model.PacketId) (model.PacketId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentText{text: text, channel: channel, replyTo: replyTo})
	return f.nextID, nil
}

func (f *fakeSink) SendTapback(_ context.Context, emoji string, replyTo model.PacketId, channel int) (model.PacketId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.taps = append(f.taps, replyTo)
	return f.nextID, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{
		MessageStateMaxAge:  86400,
		MessageStateMaxSize: 10000,
	}
	cfg.Meshtastic.ChannelIdx = 0
	return cfg
}

func newTestBridge(t *testing.T) (*Bridge, *fakeStore, *fakeMatrix, *fakeSink) {
	t.Helper()
	st := newFakeStore()
	mx := &fakeMatrix{}
	sink := &fakeSink{}
	b := New(testConfig(), st, mx, sink, fakeNames{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return b, st, mx, sink
}

func TestHandleMeshPacketNewTextCreatesMatrixEvent(t *testing.T) {
	b, _, mx, _ := newTestBridge(t)

	pkt := mesh.Packet{ID: 1, From: 5, Channel: 0, Port: mesh.PortText, Text: "hello mesh", GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), pkt, "lan")

	if len(mx.posted) != 1 {
		t.Fatalf("expected 1 posted message, got %d", len(mx.posted))
	}
	if mx.posted[0].plain == "" {
		t.Error("expected non-empty rendered body")
	}
	if !b.Exists(1) {
		t.Error("expected state to be tracked after first sight")
	}
}

func TestHandleMeshPacketDuplicateReceptionMergesWithoutNewMatrixEvent(t *testing.T) {
	b, _, mx, _ := newTestBridge(t)

	pkt := mesh.Packet{ID: 1, From: 5, Channel: 0, Port: mesh.PortText, Text: "hello mesh", GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), pkt, "lan")

	pkt2 := pkt
	pkt2.GatewayID = "!deadbeef"
	b.HandleMeshPacket(context.Background(), pkt2, "mqtt")

	if len(mx.posted) != 1 {
		t.Fatalf("expected only 1 posted message across both receptions, got %d", len(mx.posted))
	}
	if len(mx.edited) != 1 {
		t.Fatalf("expected 1 edit to merge the second reception's stats, got %d", len(mx.edited))
	}
}

func TestHandleMeshPacketRejectsDisallowedChannel(t *testing.T) {
	b, _, mx, _ := newTestBridge(t)

	pkt := mesh.Packet{ID: 1, From: 5, Channel: 3, Port: mesh.PortText, Text: "off channel", GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), pkt, "lan")

	if len(mx.posted) != 0 {
		t.Errorf("expected channel 3 to be rejected by the default allow-list, got %d posts", len(mx.posted))
	}
	if b.Exists(1) {
		t.Error("rejected packet should not be tracked")
	}
}

func TestHandleMeshPacketReplyLinksToParentEvent(t *testing.T) {
	b, _, mx, _ := newTestBridge(t)

	parent := mesh.Packet{ID: 1, From: 5, Channel: 0, Port: mesh.PortText, Text: "original", GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), parent, "lan")

	reply := mesh.Packet{ID: 2, From: 6, Channel: 0, Port: mesh.PortText, Text: "a reply", ReplyID: 1, GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), reply, "lan")

	if len(mx.posted) != 2 {
		t.Fatalf("expected parent and reply to both post, got %d", len(mx.posted))
	}
	if mx.posted[1].inReplyTo == "" {
		t.Error("expected reply's inReplyTo to reference the parent event")
	}
}

func TestHandleMeshPacketReactionUpdatesParentNotNewEvent(t *testing.T) {
	b, _, mx, _ := newTestBridge(t)

	parent := mesh.Packet{ID: 1, From: 5, Channel: 0, Port: mesh.PortText, Text: "original", GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), parent, "lan")

	reaction := mesh.Packet{ID: 2, From: 6, Channel: 0, Port: mesh.PortReaction, Text: "👍", ReplyID: 1, GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), reaction, "lan")

	if len(mx.posted) != 1 {
		t.Fatalf("expected reaction to never post its own event, got %d posts", len(mx.posted))
	}
	if len(mx.edited) != 1 {
		t.Fatalf("expected reaction to trigger a parent edit, got %d", len(mx.edited))
	}
}

func TestHandleMatrixTextSendsMeshPacketAndTracksOutgoing(t *testing.T) {
	b, st, _, sink := newTestBridge(t)

	evt := &event.Event{ID: "$fromMatrix", Sender: "@alice:example.org"}
	content := &event.MessageEventContent{Body: "hi mesh"}
	b.HandleMatrixText(context.Background(), evt, content)

	if len(sink.sent) != 1 {
		t.Fatalf("expected 1 mesh send, got %d", len(sink.sent))
	}
	st.mu.Lock()
	_, recorded := st.outgoing[sink.nextID]
	st.mu.Unlock()
	if !recorded {
		t.Error("expected outgoing packet to be recorded for echo suppression")
	}
}

func TestHandleMatrixReactionSendsTapbackOnKnownEvent(t *testing.T) {
	b, _, mx, sink := newTestBridge(t)

	pkt := mesh.Packet{ID: 1, From: 5, Channel: 0, Port: mesh.PortText, Text: "hello", GatewayID: "lan"}
	b.HandleMeshPacket(context.Background(), pkt, "lan")
	if len(mx.posted) == 0 {
		t.Fatal("expected a posted message to react to")
	}

	// Find the event id the bridge assigned to packet 1.
	b.mu.RLock()
	var evtID id.EventID
	for eid, pid := range b.byEventID {
		if pid == model.PacketId(1) {
			evtID = id.EventID(eid)
		}
	}
	b.mu.RUnlock()
	if evtID == "" {
		t.Fatal("expected byEventID to contain packet 1's matrix event")
	}

	b.HandleMatrixReaction(context.Background(), &event.Event{}, evtID, "🎉")

	if len(sink.sent) != 0 {
		t.Errorf("tapback goes through SendTapback, not SendText/SendTextReply; got %d", len(sink.sent))
	}
	if len(sink.taps) != 1 || sink.taps[0] != model.PacketId(1) {
		t.Errorf("expected one tapback targeting packet 1, got %v", sink.taps)
	}
}

func TestHandleMatrixReactionIgnoresUnknownEvent(t *testing.T) {
	b, _, _, sink := newTestBridge(t)

	b.HandleMatrixReaction(context.Background(), &event.Event{}, "$unknown", "🎉")

	if len(sink.sent) != 0 {
		t.Error("expected no mesh traffic for a reaction on an untracked event")
	}
}
