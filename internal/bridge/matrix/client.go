// Package matrix wraps the mautrix sync client for the bridge's Matrix
// collaborator contract (spec §6): posting/editing messages, sending
// reactions, resolving display names, and dispatching text/edit/reaction
// events back to the bridge coordinator.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
	// DB is an optional SQLite connection used to persist the sync token
	// (next_batch) across restarts. When nil, an in-memory store is used
	// and the bridged room's full history replays on every restart.
	DB *sql.DB
}

// TextHandler handles an inbound Matrix text message.
type TextHandler func(ctx context.Context, evt *event.Event, content *event.MessageEventContent)

// EditHandler handles an inbound Matrix edit (m.replace relation).
type EditHandler func(ctx context.Context, evt *event.Event, targetEventID id.EventID, newContent *event.MessageEventContent)

// ReactionHandler handles an inbound Matrix reaction (m.annotation relation).
type ReactionHandler func(ctx context.Context, evt *event.Event, targetEventID id.EventID, key string)

// Client wraps the Matrix sync client.
type Client struct {
	client *mautrix.Client
	config *Config
	stopCh chan struct{}

	onText     TextHandler
	onEdit     EditHandler
	onReaction ReactionHandler
}

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start begins syncing with the Matrix homeserver and joins the bridged
// room. handlers are invoked for text, edit, and reaction events from any
// sender other than this client's own user id.
func (c *Client) Start(ctx context.Context, onText TextHandler, onEdit EditHandler, onReaction ReactionHandler) error {
	c.onText, c.onEdit, c.onReaction = onText, onEdit, onReaction

	// NOTE: E2EE is not implemented. All messages are sent and received in
	// plaintext, matching the mesh side which has no end-to-end encryption
	// concept either (spec §1 Non-goals).
	slog.Warn("Matrix E2EE is not enabled; messages are transmitted in plaintext")

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)

	if _, err := c.client.JoinRoomByID(ctx, id.RoomID(c.config.RoomID)); err != nil {
		if !errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("failed to join room %s: %w", c.config.RoomID, err)
		}
		slog.Warn("join room: already a member or access denied, continuing", "room", c.config.RoomID)
	}

	// Start syncing in the background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill the
	// sync goroutine and leave the bridge deaf to new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			return
		}
	}()

	return nil
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// PostMessage posts a new message with plain+HTML bodies, optionally
// in-reply-to an existing event, and returns the new event id.
func (c *Client) PostMessage(ctx context.Context, bodyPlain, bodyHTML string, inReplyTo id.EventID) (id.EventID, error) {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          bodyPlain,
		Format:        event.FormatHTML,
		FormattedBody: bodyHTML,
	}
	if inReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: inReplyTo},
		}
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(c.config.RoomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return resp.EventID, nil
}

// EditMessage issues an m.replace edit of an existing event.
func (c *Client) EditMessage(ctx context.Context, target id.EventID, bodyPlain, bodyHTML string) error {
	newContent := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          bodyPlain,
		Format:        event.FormatHTML,
		FormattedBody: bodyHTML,
	}
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "* " + bodyPlain,
		Format:        event.FormatHTML,
		FormattedBody: "* " + bodyHTML,
		NewContent:    newContent,
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: target,
		},
	}
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(c.config.RoomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("edit message %s: %w", target, err)
	}
	return nil
}

// SendReaction sends an m.annotation reaction with key onto target, used to
// mirror mesh-originated tapbacks into Matrix.
func (c *Client) SendReaction(ctx context.Context, target id.EventID, keyEmoji string) error {
	content := event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     keyEmoji,
		},
	}
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(c.config.RoomID), event.EventReaction, &content)
	if err != nil {
		return fmt.Errorf("send reaction on %s: %w", target, err)
	}
	return nil
}

// DisplayName resolves a user's room-specific display name, falling back to
// their global profile name, then their user id.
func (c *Client) DisplayName(ctx context.Context, userID id.UserID) string {
	member, err := c.client.StateStore.TryGetMember(ctx, id.RoomID(c.config.RoomID), userID)
	if err == nil && member != nil && member.Displayname != "" {
		return member.Displayname
	}
	profile, err := c.client.GetProfile(ctx, userID)
	if err == nil && profile.DisplayName != "" {
		return profile.DisplayName
	}
	return userID.String()
}

// handleMessage dispatches inbound room messages, separating plain text
// sends from edits (m.replace relations).
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	if evt.RoomID.String() != c.config.RoomID {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		if c.onEdit != nil {
			c.onEdit(ctx, evt, content.RelatesTo.EventID, content.NewContent)
		}
		return
	}
	if content.MsgType != event.MsgText {
		return
	}
	if c.onText != nil {
		c.onText(ctx, evt, content)
	}
}

// handleReaction dispatches inbound m.annotation reactions.
func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	if evt.RoomID.String() != c.config.RoomID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.Type != event.RelAnnotation {
		return
	}
	if c.onReaction != nil {
		c.onReaction(ctx, evt, content.RelatesTo.EventID, content.RelatesTo.Key)
	}
}
