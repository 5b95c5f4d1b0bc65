package mesh

import (
	"encoding/hex"
	"fmt"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// parseHexPacketID parses an 8-character lowercase hex string (without the
// leading "!") into a PacketId.
func parseHexPacketID(s string) (model.PacketId, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("mesh: invalid packet id hex %q", s)
	}
	return model.PacketId(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
}
