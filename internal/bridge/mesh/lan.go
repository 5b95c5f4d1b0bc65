package mesh

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// frameMagic is the two-byte marker that begins every Client API frame.
var frameMagic = [2]byte{0x94, 0xc3}

// LANSource is a TCP client for a locally-attached Meshtastic radio's
// "Client API". It is both a mesh source (decoded FromRadio packets are
// delivered to a Handler) and the bridge's only write path, since the
// reference bridge transmits through the attached radio rather than
// publishing packets back onto MQTT (spec §9).
type LANSource struct {
	addr    string
	handler Handler

	mu     sync.Mutex
	conn   net.Conn
	nextID atomic.Uint32
}

// NewLANSource creates a LANSource. Connect must be called before use.
func NewLANSource(addr string, handler Handler) *LANSource {
	ls := &LANSource{addr: addr, handler: handler}
	ls.nextID.Store(uint32(time.Now().Unix()))
	return ls
}

// Connect dials the radio and starts the read loop in the background. It
// reconnects with a fixed backoff if the connection drops; ctx cancellation
// stops reconnection attempts.
func (l *LANSource) Connect(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", l.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("lan: dial %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	go l.readLoop(ctx)
	return nil
}

// Close closes the active connection, if any.
func (l *LANSource) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
	}
}

func (l *LANSource) readLoop(ctx context.Context) {
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		if err := l.consumeFrames(ctx, conn); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("lan: connection error, reconnecting", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		newConn, err := net.DialTimeout("tcp", l.addr, 10*time.Second)
		if err != nil {
			slog.Error("lan: reconnect failed", "err", err)
			continue
		}
		l.mu.Lock()
		l.conn = newConn
		l.mu.Unlock()
	}
}

func (l *LANSource) consumeFrames(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := readFrame(r)
		if err != nil {
			return err
		}

		var fromRadio pb.FromRadio
		if err := proto.Unmarshal(frame, &fromRadio); err != nil {
			slog.Warn("lan: failed to unmarshal FromRadio", "err", err)
			continue
		}

		meshPacket := fromRadio.GetPacket()
		if meshPacket == nil {
			continue
		}
		data := meshPacket.GetDecoded()
		if data == nil {
			continue
		}
		pkt := toPacket(meshPacket, data)
		pkt.GatewayID = model.LANGateway
		pkt.RSSI = int(meshPacket.GetRxRssi())
		pkt.SNR = float64(meshPacket.GetRxSnr())
		l.handler(ctx, pkt, "lan")
	}
}

// readFrame reads one length-delimited Client API frame, resyncing on the
// magic bytes if the stream is out of phase.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b0, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b0 != frameMagic[0] {
			continue
		}
		b1, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b1 != frameMagic[1] {
			continue
		}
		break
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame writes a ToRadio message using the same magic+length framing.
func (l *LANSource) writeFrame(payload []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("lan: not connected")
	}

	var header [4]byte
	header[0], header[1] = frameMagic[0], frameMagic[1]
	binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))

	if _, err := conn.Write(header[:]); err != nil {
		return fmt.Errorf("lan: write frame header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("lan: write frame payload: %w", err)
	}
	return nil
}

// sendText transmits a text message packet on channel, returning the
// packet id assigned to it.
func (l *LANSource) sendText(text string, channel int) (model.PacketId, error) {
	return l.sendData(&pb.Data{
		Portnum: pb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
	}, channel)
}

// sendTextReply transmits a text message packet on channel that carries
// replyTo as its reply_id, linking it to the parent mesh message (spec §4.5).
func (l *LANSource) sendTextReply(text string, channel int, replyTo model.PacketId) (model.PacketId, error) {
	return l.sendData(&pb.Data{
		Portnum: pb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
		ReplyId: uint32(replyTo),
	}, channel)
}

// sendTapback transmits a reaction packet referencing replyTo, using the
// emoji flag (not the legacy textual form) since this bridge only speaks
// the current firmware's native reaction encoding outbound.
func (l *LANSource) sendTapback(emoji string, replyTo model.PacketId, channel int) (model.PacketId, error) {
	return l.sendData(&pb.Data{
		Portnum: pb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(emoji),
		ReplyId: uint32(replyTo),
		Emoji:   1,
	}, channel)
}

func (l *LANSource) sendData(data *pb.Data, channel int) (model.PacketId, error) {
	id := l.nextID.Add(1)

	toRadio := &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{
			Packet: &pb.MeshPacket{
				Id:      id,
				Channel: uint32(channel),
				PayloadVariant: &pb.MeshPacket_Decoded{
					Decoded: data,
				},
				WantAck: true,
			},
		},
	}

	payload, err := proto.Marshal(toRadio)
	if err != nil {
		return 0, fmt.Errorf("lan: marshal ToRadio: %w", err)
	}
	if err := l.writeFrame(payload); err != nil {
		return 0, err
	}
	return model.PacketId(id), nil
}
