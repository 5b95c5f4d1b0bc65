package mesh

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// sendInterval matches LoRa channel-utilization etiquette: one transmission
// roughly every 2 seconds, well under the duty-cycle limits most regions
// impose on the 868/915MHz bands Meshtastic uses.
const sendInterval = 2 * time.Second

// Sink is the bridge's write path onto the mesh, rate-limited to avoid
// saturating the channel when Matrix traffic bursts (spec §4.5, §9).
type Sink struct {
	lan     *LANSource
	limiter *rate.Limiter
}

// NewSink wraps a LANSource with outbound rate limiting.
func NewSink(lan *LANSource) *Sink {
	return &Sink{
		lan:     lan,
		limiter: rate.NewLimiter(rate.Every(sendInterval), 1),
	}
}

// SendText transmits a Matrix-originated text message on channel.
func (s *Sink) SendText(ctx context.Context, text string, channel int) (model.PacketId, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("sink: rate limit wait: %w", err)
	}
	return s.lan.sendText(text, channel)
}

// SendTextReply transmits a Matrix-originated text message on channel whose
// mesh packet carries replyTo as its reply_id.
func (s *Sink) SendTextReply(ctx context.Context, text string, channel int, replyTo model.PacketId) (model.PacketId, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("sink: rate limit wait: %w", err)
	}
	return s.lan.sendTextReply(text, channel, replyTo)
}

// SendTapback transmits a reaction referencing replyTo on channel.
func (s *Sink) SendTapback(ctx context.Context, emoji string, replyTo model.PacketId, channel int) (model.PacketId, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("sink: rate limit wait: %w", err)
	}
	return s.lan.sendTapback(emoji, replyTo, channel)
}
