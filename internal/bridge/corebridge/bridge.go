// Package corebridge implements the bridge coordinator: the inbound
// (mesh → Matrix) and outbound (Matrix → mesh) paths, the in-memory
// message-state index, and the lifecycle eviction manager (spec §4.1,
// §4.4, §4.5, §4.6).
//
// The reference design describes a single-threaded cooperative event loop;
// this implementation instead runs handlers concurrently across goroutines
// (mesh sources and the Matrix sync loop each deliver on their own
// goroutine) and relies on the keylock package for per-packet-id
// serialization. This preserves every ordering guarantee §5 actually
// requires — same packet_id strictly ordered, different packet_ids
// unordered — without forcing Go code into an unidiomatic single-thread
// shape.
package corebridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/Bestora/meshtastic-matrix-bridge/common/retry"
	"github.com/Bestora/meshtastic-matrix-bridge/common/trace"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/config"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/corebridge/keylock"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/mesh"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/render"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/store"
)

// maxSplitBytes is the maximum byte length of a single outbound mesh text
// packet (spec §4.5).
const maxSplitBytes = 200

// Store is the persistence contract the bridge depends on.
type Store interface {
	SaveMessageState(ctx context.Context, state *model.MessageState) error
	DeleteMessageState(ctx context.Context, id model.PacketId) error
	LoadAllMessageStates(ctx context.Context) ([]*model.MessageState, error)
	RecordOutgoingPacket(ctx context.Context, id model.PacketId, matrixOriginEventID string, createdAt time.Time) error
	LoadOutgoingPackets(ctx context.Context) (map[model.PacketId]string, error)
	UpdateChannelCursor(ctx context.Context, channel int, id model.PacketId, observedAt time.Time) error
	LoadChannelCursors(ctx context.Context) (map[int]store.ChannelCursorRow, error)
}

// Sink is the bridge's mesh write path.
type Sink interface {
	SendText(ctx context.Context, text string, channel int) (model.PacketId, error)
	SendTextReply(ctx context.Context, text string, channel int, replyTo model.PacketId) (model.PacketId, error)
	SendTapback(ctx context.Context, emoji string, replyTo model.PacketId, channel int) (model.PacketId, error)
}

// MatrixClient is the bridge's Matrix collaborator.
type MatrixClient interface {
	PostMessage(ctx context.Context, bodyPlain, bodyHTML string, inReplyTo id.EventID) (id.EventID, error)
	EditMessage(ctx context.Context, target id.EventID, bodyPlain, bodyHTML string) error
	SendReaction(ctx context.Context, target id.EventID, keyEmoji string) error
	DisplayName(ctx context.Context, userID id.UserID) string
}

// NameDirectory is the bridge's node-name collaborator.
type NameDirectory interface {
	Load(ctx context.Context) error
	Update(ctx context.Context, node model.NodeId, short, long string) error
	DisplayName(node model.NodeId) string
	GatewayDisplayName(gw model.GatewayId) string
}

type cursorEntry struct {
	id         model.PacketId
	observedAt time.Time
}

// Bridge is the bridge coordinator.
type Bridge struct {
	cfg   *config.Config
	store Store
	mx    MatrixClient
	sink  Sink
	names NameDirectory
	lock  *keylock.Striped

	mu             sync.RWMutex
	byPacketID     map[model.PacketId]*model.MessageState
	byEventID      map[string]model.PacketId
	channelCursors map[int]cursorEntry
	outgoing       map[model.PacketId]string // packet_id -> matrix_origin_event_id

	persistCh chan *model.MessageState
	persistWG sync.WaitGroup

	lifecycleCancel context.CancelFunc
	lifecycleDone   chan struct{}
}

// New builds a Bridge. Call Start before handling events.
func New(cfg *config.Config, st Store, mx MatrixClient, sink Sink, nameDir NameDirectory) *Bridge {
	return &Bridge{
		cfg:            cfg,
		store:          st,
		mx:             mx,
		sink:           sink,
		names:          nameDir,
		lock:           keylock.New(),
		byPacketID:     make(map[model.PacketId]*model.MessageState),
		byEventID:      make(map[string]model.PacketId),
		channelCursors: make(map[int]cursorEntry),
		outgoing:       make(map[model.PacketId]string),
		persistCh:      make(chan *model.MessageState, 256),
	}
}

// Start rehydrates the in-memory index from persistent storage, starts the
// persistence workers, and starts the lifecycle manager.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.names.Load(ctx); err != nil {
		return fmt.Errorf("corebridge: load name directory: %w", err)
	}

	states, err := b.store.LoadAllMessageStates(ctx)
	if err != nil {
		return fmt.Errorf("corebridge: load message states: %w", err)
	}
	b.mu.Lock()
	for _, st := range states {
		b.byPacketID[st.PacketId] = st
		if st.MatrixEventID != "" {
			b.byEventID[st.MatrixEventID] = st.PacketId
		}
	}
	// Reconstruct Replies from ParentPacketId now that every state is loaded,
	// in creation order. Only children with a Matrix event of their own (mesh
	// replies) are listed; reaction children live in the parent's Reactions.
	sort.Slice(states, func(i, j int) bool { return states[i].CreatedAt.Before(states[j].CreatedAt) })
	for _, st := range states {
		if st.ParentPacketId == nil || st.MatrixEventID == "" {
			continue
		}
		if parent, ok := b.byPacketID[*st.ParentPacketId]; ok {
			parent.Replies = append(parent.Replies, st.PacketId)
		}
	}
	b.mu.Unlock()

	cursors, err := b.store.LoadChannelCursors(ctx)
	if err != nil {
		return fmt.Errorf("corebridge: load channel cursors: %w", err)
	}
	b.mu.Lock()
	for ch, row := range cursors {
		b.channelCursors[ch] = cursorEntry{id: row.PacketId, observedAt: row.ObservedAt}
	}
	b.mu.Unlock()

	outgoing, err := b.store.LoadOutgoingPackets(ctx)
	if err != nil {
		return fmt.Errorf("corebridge: load outgoing packets: %w", err)
	}
	b.mu.Lock()
	for id, eventID := range outgoing {
		b.outgoing[id] = eventID
	}
	b.mu.Unlock()

	b.persistWG.Add(1)
	go b.persistLoop()

	lifecycleCtx, cancel := context.WithCancel(ctx)
	b.lifecycleCancel = cancel
	b.lifecycleDone = make(chan struct{})
	go b.runLifecycle(lifecycleCtx)

	slog.Info("corebridge: started", "states", len(states))
	return nil
}

// Stop cancels the lifecycle manager and drains pending persistence, per
// the shutdown ordering of §5: lifecycle first, then persistence flush,
// before external collaborators are released by the caller.
func (b *Bridge) Stop(ctx context.Context) {
	if b.lifecycleCancel != nil {
		b.lifecycleCancel()
		<-b.lifecycleDone
	}
	close(b.persistCh)

	done := make(chan struct{})
	go func() {
		b.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("corebridge: shutdown timed out waiting for persistence drain")
	}
}

func (b *Bridge) persistLoop() {
	defer b.persistWG.Done()
	for state := range b.persistCh {
		err := retry.Do(context.Background(), retry.Config{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
		}, func() error {
			return b.store.SaveMessageState(context.Background(), state)
		})
		if err != nil {
			slog.Error("corebridge: persist message state failed", "packet_id", state.PacketId, "err", err)
		}
	}
}

// schedulePersist queues state for asynchronous persistence (§4.1(h)),
// never blocking the caller.
func (b *Bridge) schedulePersist(state *model.MessageState) {
	select {
	case b.persistCh <- state:
	default:
		slog.Warn("corebridge: persistence queue full, dropping snapshot", "packet_id", state.PacketId)
	}
}

// LastSeen implements mesh.ChannelCursor.
func (b *Bridge) LastSeen(channel int) (model.PacketId, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.channelCursors[channel]
	return c.id, c.observedAt, ok
}

// Exists implements mesh.StateLookup.
func (b *Bridge) Exists(id model.PacketId) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byPacketID[id]
	return ok
}

func (b *Bridge) isOutgoingEcho(id model.PacketId) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.outgoing[id]
	return ok
}

// HandleMeshPacket implements §4.1: channel admission, classification,
// dedup/first-sight branching, reception merge, Matrix event create/edit,
// and asynchronous persistence.
func (b *Bridge) HandleMeshPacket(ctx context.Context, pkt mesh.Packet, source string) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	slog.Debug("corebridge: mesh packet received", "trace_id", traceID, "packet_id", pkt.ID, "source", source, "port", pkt.Port)

	if !b.cfg.Meshtastic.Channels.Allows(pkt.Channel, pkt.ChannelName) {
		return
	}

	if pkt.Port == mesh.PortNodeInfo && pkt.NodeInfo != nil {
		if err := b.names.Update(ctx, pkt.NodeInfo.Node, pkt.NodeInfo.ShortName, pkt.NodeInfo.LongName); err != nil {
			slog.Warn("corebridge: failed to update name directory", "node", pkt.NodeInfo.Node, "err", err)
		}
	}

	text := pkt.ExtractText()
	if text == "" && pkt.Port != mesh.PortNodeInfo && pkt.Port != mesh.PortReaction {
		return
	}

	b.lock.With(pkt.ID, func() {
		b.handleMeshPacketLocked(ctx, pkt, source, text)
	})
}

func (b *Bridge) handleMeshPacketLocked(ctx context.Context, pkt mesh.Packet, source string, text string) {
	resolver := mesh.NewResolver(b)
	role, parentID := resolver.Resolve(pkt, text, b.isOutgoingEcho)

	b.mu.Lock()
	state, exists := b.byPacketID[pkt.ID]
	b.mu.Unlock()

	now := time.Now()
	// A first sighting posts its event with the current render already in
	// it, so that event is not edited again below.
	var created, posted bool

	switch {
	case exists:
		// Same packet observed again (additional gateway reception).
	case b.isOutgoingEcho(pkt.ID):
		b.mu.RLock()
		state, exists = b.byPacketID[pkt.ID]
		b.mu.RUnlock()
		if !exists {
			slog.Warn("corebridge: outgoing echo with no tracked state", "packet_id", pkt.ID)
			return
		}
	default:
		state = model.NewMessageState(pkt.ID, pkt.From, pkt.Channel, text, now)
		state.ParentPacketId = parentID
		state.AddReception(pkt.Stats(now))
		created = true

		switch role {
		case mesh.RoleNew:
			body := render.Render(state, b.names, b)
			eventID, err := b.mx.PostMessage(ctx, body.Plain, body.HTML, "")
			if err != nil {
				slog.Error("corebridge: failed to post matrix message", "packet_id", pkt.ID, "err", err)
				return
			}
			state.MatrixEventID = eventID.String()
			posted = true
		case mesh.RoleReply:
			var inReplyTo id.EventID
			var parent *model.MessageState
			if parentID != nil {
				b.mu.RLock()
				if p, ok := b.byPacketID[*parentID]; ok {
					parent = p
					inReplyTo = id.EventID(p.MatrixEventID)
				}
				b.mu.RUnlock()
			}
			body := render.Render(state, b.names, b)
			eventID, err := b.mx.PostMessage(ctx, body.Plain, body.HTML, inReplyTo)
			if err != nil {
				slog.Error("corebridge: failed to post matrix reply", "packet_id", pkt.ID, "err", err)
				return
			}
			state.MatrixEventID = eventID.String()
			posted = true
			if parent != nil {
				b.mu.Lock()
				parent.Replies = append(parent.Replies, pkt.ID)
				b.mu.Unlock()
			}
		case mesh.RoleReaction:
			// No top-level Matrix event for reactions (spec §4.1(e)).
			emoji := text
			if _, parsedEmoji, ok := mesh.ParseLegacyReaction(text); ok {
				emoji = parsedEmoji
			}
			if parentID != nil {
				b.mu.Lock()
				if parent, ok := b.byPacketID[*parentID]; ok {
					parent.AddReaction(emoji, b.names.DisplayName(pkt.From))
				}
				b.mu.Unlock()
			}
		}

		b.mu.Lock()
		b.byPacketID[pkt.ID] = state
		if state.MatrixEventID != "" {
			b.byEventID[state.MatrixEventID] = pkt.ID
		}
		b.mu.Unlock()
	}

	if state == nil {
		return
	}

	added := created || state.AddReception(pkt.Stats(now))
	state.LastUpdateAt = now
	if added {
		b.updateChannelCursor(pkt.Channel, pkt.ID, now)
	}

	// Reactions carry no Matrix event of their own; the edit belongs to the
	// parent they annotate (§4.1(g)).
	rerenderTarget := state
	if posted {
		rerenderTarget = nil
	}
	if role == mesh.RoleReaction && parentID != nil {
		b.mu.RLock()
		parent, ok := b.byPacketID[*parentID]
		b.mu.RUnlock()
		if ok {
			rerenderTarget = parent
			b.schedulePersist(parent)
		} else {
			rerenderTarget = nil
		}
	}
	if rerenderTarget != nil && rerenderTarget.MatrixEventID != "" {
		b.reRender(ctx, rerenderTarget)
	}

	b.schedulePersist(state)
}

// reRender recomputes state's Matrix body and issues an edit (§4.1(g),
// §4.2). Reaction updates re-render the parent, which is why this is
// always called with the event-bearing state.
func (b *Bridge) reRender(ctx context.Context, state *model.MessageState) {
	body := render.Render(state, b.names, b)
	if err := b.mx.EditMessage(ctx, id.EventID(state.MatrixEventID), body.Plain, body.HTML); err != nil {
		slog.Error("corebridge: failed to edit matrix message", "packet_id", state.PacketId, "err", err)
	}
}

// Lookup implements render.ReplyLookup.
func (b *Bridge) Lookup(id model.PacketId) (*model.MessageState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.byPacketID[id]
	return st, ok
}

func (b *Bridge) updateChannelCursor(channel int, id model.PacketId, observedAt time.Time) {
	b.mu.Lock()
	cur, ok := b.channelCursors[channel]
	if !ok || observedAt.After(cur.observedAt) {
		b.channelCursors[channel] = cursorEntry{id: id, observedAt: observedAt}
	}
	b.mu.Unlock()
	go func() {
		if err := b.store.UpdateChannelCursor(context.Background(), channel, id, observedAt); err != nil {
			slog.Warn("corebridge: failed to persist channel cursor", "channel", channel, "err", err)
		}
	}()
}

// HandleMatrixText implements the text half of §4.5.
func (b *Bridge) HandleMatrixText(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	slog.Debug("corebridge: matrix text received", "trace_id", traceID, "event_id", evt.ID, "sender", evt.Sender)

	text := stripQuotedFallback(content.Body)
	sender := b.mx.DisplayName(ctx, evt.Sender)
	text = fmt.Sprintf("[%s]: %s", sender, text)

	channel := b.cfg.Meshtastic.ChannelIdx
	var replyID uint32

	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		parentEventID := content.RelatesTo.InReplyTo.EventID
		b.mu.RLock()
		parentPacketID, ok := b.byEventID[parentEventID.String()]
		var parentState *model.MessageState
		if ok {
			parentState = b.byPacketID[parentPacketID]
		}
		b.mu.RUnlock()
		if ok && parentState != nil {
			replyID = uint32(parentPacketID)
			channel = parentState.ChannelIndex
		}
	}

	parts := splitWithMarkers(text, maxSplitBytes)
	var matrixOriginEventID = evt.ID.String()

	for i, part := range parts {
		var packetID model.PacketId
		var err error
		if i == 0 && replyID != 0 {
			packetID, err = b.sendReply(ctx, part, channel, replyID)
		} else {
			packetID, err = b.sink.SendText(ctx, part, channel)
		}
		if err != nil {
			slog.Error("corebridge: failed to send mesh text", "trace_id", trace.FromContext(ctx), "event_id", evt.ID, "part", i+1, "err", err)
			return
		}

		now := time.Now()
		state := model.NewMessageState(packetID, 0, channel, part, now)
		state.IsMatrixOrigin = true
		state.MatrixOriginEventID = matrixOriginEventID
		if i == 0 && replyID != 0 {
			parent := model.PacketId(replyID)
			state.ParentPacketId = &parent
		}

		b.mu.Lock()
		b.byPacketID[packetID] = state
		b.outgoing[packetID] = matrixOriginEventID
		b.mu.Unlock()

		if err := b.store.RecordOutgoingPacket(ctx, packetID, matrixOriginEventID, now); err != nil {
			slog.Warn("corebridge: failed to persist outgoing packet", "packet_id", packetID, "err", err)
		}
		b.schedulePersist(state)
	}
}

// sendReply sends text as a mesh packet carrying replyID as its reply_id,
// linking it to its parent on the mesh side itself rather than relying only
// on bridge-local bookkeeping (spec §4.5).
func (b *Bridge) sendReply(ctx context.Context, text string, channel int, replyID uint32) (model.PacketId, error) {
	return b.sink.SendTextReply(ctx, text, channel, model.PacketId(replyID))
}

// HandleMatrixEdit implements the edit half of §4.5: edits are ignored,
// since the mesh has no edit primitive.
func (b *Bridge) HandleMatrixEdit(ctx context.Context, evt *event.Event, targetEventID id.EventID, newContent *event.MessageEventContent) {
	slog.Debug("corebridge: ignoring matrix edit, mesh has no edit primitive", "event_id", evt.ID)
}

// HandleMatrixReaction implements the reaction half of §4.5.
func (b *Bridge) HandleMatrixReaction(ctx context.Context, evt *event.Event, targetEventID id.EventID, keyEmoji string) {
	b.mu.RLock()
	packetID, ok := b.byEventID[targetEventID.String()]
	var state *model.MessageState
	if ok {
		state = b.byPacketID[packetID]
	}
	b.mu.RUnlock()
	if !ok || state == nil {
		return
	}

	if _, err := b.sink.SendTapback(ctx, keyEmoji, packetID, state.ChannelIndex); err != nil {
		slog.Error("corebridge: failed to send mesh tapback", "packet_id", packetID, "err", err)
	}
}

// runLifecycle implements §4.6: hourly eviction of stale/excess
// MessageStates.
func (b *Bridge) runLifecycle(ctx context.Context) {
	defer close(b.lifecycleDone)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evict(ctx)
		}
	}
}

func (b *Bridge) evict(ctx context.Context) {
	maxAge := time.Duration(b.cfg.MessageStateMaxAge) * time.Second
	cutoff := time.Now().Add(-maxAge)

	b.mu.Lock()
	var toDelete []model.PacketId
	for id, st := range b.byPacketID {
		if st.LastUpdateAt.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}

	if remaining := len(b.byPacketID) - len(toDelete); remaining > b.cfg.MessageStateMaxSize {
		type entry struct {
			id   model.PacketId
			last time.Time
		}
		deleted := make(map[model.PacketId]bool, len(toDelete))
		for _, id := range toDelete {
			deleted[id] = true
		}
		var candidates []entry
		for id, st := range b.byPacketID {
			if !deleted[id] {
				candidates = append(candidates, entry{id, st.LastUpdateAt})
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })
		excess := remaining - b.cfg.MessageStateMaxSize
		for i := 0; i < excess && i < len(candidates); i++ {
			toDelete = append(toDelete, candidates[i].id)
		}
	}

	for _, id := range toDelete {
		if st, ok := b.byPacketID[id]; ok && st.MatrixEventID != "" {
			delete(b.byEventID, st.MatrixEventID)
		}
		delete(b.byPacketID, id)
		delete(b.outgoing, id)
	}
	b.mu.Unlock()

	for _, id := range toDelete {
		if err := b.store.DeleteMessageState(ctx, id); err != nil {
			slog.Error("corebridge: failed to delete evicted message state", "packet_id", id, "err", err)
		}
	}
	if len(toDelete) > 0 {
		slog.Info("corebridge: lifecycle eviction complete", "evicted", len(toDelete))
	}
}

// stripQuotedFallback removes Matrix's quoted-reply fallback prefix: lines
// beginning with "> " up to the first blank line.
func stripQuotedFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
