package mesh

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"google.golang.org/protobuf/proto"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// Handler is called for every packet decoded from a mesh source, along with
// the source name ("mqtt" or "lan") per §4.1.
type Handler func(ctx context.Context, pkt Packet, source string)

// MQTTConfig configures the MQTT mesh source.
type MQTTConfig struct {
	Broker   string
	Port     int
	User     string
	Password string
	Topic    string
	PSK      string
	UseTLS   bool
}

// MQTTSource subscribes to a Meshtastic MQTT gateway topic, decrypts and
// decodes ServiceEnvelope payloads, and delivers decoded packets to a
// Handler. It never writes to the mesh; outbound traffic always goes
// through the LAN source (spec §9).
type MQTTSource struct {
	cfg     MQTTConfig
	client  mqtt.Client
	handler Handler
}

// NewMQTTSource creates an MQTTSource. Connect must be called to begin
// receiving packets.
func NewMQTTSource(cfg MQTTConfig, handler Handler) *MQTTSource {
	return &MQTTSource{cfg: cfg, handler: handler}
}

// Connect opens the MQTT connection and subscribes to the configured topic.
// It blocks until the initial connection succeeds or ctx is done.
func (s *MQTTSource) Connect(ctx context.Context) error {
	scheme := "tcp"
	if s.cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Broker, s.cfg.Port)).
		SetClientID(fmt.Sprintf("meshtastic-matrix-bridge-%d", time.Now().UnixNano())).
		SetUsername(s.cfg.User).
		SetPassword(s.cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			slog.Info("mqtt connected", "broker", s.cfg.Broker)
			if token := c.Subscribe(s.cfg.Topic, 0, s.onMessage); token.Wait() && token.Error() != nil {
				slog.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "err", token.Error())
			}
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			slog.Warn("mqtt connection lost, reconnecting", "err", err)
		})
	if s.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var envelope pb.ServiceEnvelope
	if err := proto.Unmarshal(msg.Payload(), &envelope); err != nil {
		slog.Warn("mqtt: failed to unmarshal ServiceEnvelope", "topic", msg.Topic(), "err", err)
		return
	}
	meshPacket := envelope.GetPacket()
	if meshPacket == nil {
		return
	}

	data, err := s.decodedData(meshPacket)
	if err != nil {
		slog.Debug("mqtt: packet not decodable", "id", meshPacket.GetId(), "err", err)
		return
	}
	if data == nil {
		return
	}

	pkt := toPacket(meshPacket, data)
	pkt.ChannelName = channelNameFromTopic(msg.Topic())
	pkt.GatewayID = model.GatewayId(envelope.GetGatewayId())
	pkt.RSSI = int(meshPacket.GetRxRssi())
	pkt.SNR = float64(meshPacket.GetRxSnr())

	s.handler(context.Background(), pkt, "mqtt")
}

// decodedData returns the packet's Data payload, decrypting it first if the
// packet was transmitted encrypted.
func (s *MQTTSource) decodedData(pkt *pb.MeshPacket) (*pb.Data, error) {
	if decoded := pkt.GetDecoded(); decoded != nil {
		return decoded, nil
	}
	encrypted := pkt.GetEncrypted()
	if len(encrypted) == 0 {
		return nil, fmt.Errorf("packet has neither decoded nor encrypted payload")
	}
	if s.cfg.PSK == "" {
		return nil, fmt.Errorf("packet is encrypted but no MQTT_PSK configured")
	}
	plaintext, err := decryptPSK([]byte(s.cfg.PSK), pkt.GetId(), pkt.GetFrom(), encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	var data pb.Data
	if err := proto.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("unmarshal decrypted payload: %w", err)
	}
	return &data, nil
}

// toPacket converts a decoded MeshPacket+Data pair into the bridge's
// generic Packet representation.
func toPacket(meshPacket *pb.MeshPacket, data *pb.Data) Packet {
	pkt := Packet{
		ID:       model.PacketId(meshPacket.GetId()),
		From:     model.NodeId(meshPacket.GetFrom()),
		Channel:  int(meshPacket.GetChannel()),
		HopStart: int(meshPacket.GetHopStart()),
		HopLimit: int(meshPacket.GetHopLimit()),
		ReplyID:  data.GetReplyId(),
		Payload:  data.GetPayload(),
		Decoded:  map[string]any{},
	}

	switch data.GetPortnum() {
	case pb.PortNum_TEXT_MESSAGE_APP:
		if data.GetEmoji() != 0 {
			pkt.Port = PortReaction
			pkt.Emoji = string(data.GetPayload())
		} else {
			pkt.Port = PortText
			pkt.Text = string(data.GetPayload())
		}
	case pb.PortNum_NODEINFO_APP:
		pkt.Port = PortNodeInfo
		var user pb.User
		if err := proto.Unmarshal(data.GetPayload(), &user); err == nil {
			pkt.NodeInfo = &NodeInfo{
				Node:      model.NodeId(meshPacket.GetFrom()),
				ShortName: user.GetShortName(),
				LongName:  user.GetLongName(),
			}
		}
	default:
		pkt.Port = PortUnknown
	}

	pkt.Decoded["reply_id"] = data.GetReplyId()
	pkt.Decoded["request_id"] = data.GetRequestId()
	pkt.Decoded["dest"] = data.GetDest()
	pkt.Decoded["source"] = data.GetSource()

	return pkt
}

// channelNameFromTopic extracts the channel name from a Meshtastic MQTT
// gateway topic of the form "msh/<region>/2/e/<channelname>/<gatewayid>".
func channelNameFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "e" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
