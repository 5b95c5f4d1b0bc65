package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// decryptPSK decrypts a Meshtastic channel payload with AES-CTR, the fixed
// keystream scheme the firmware uses for all PSK-encrypted channels. The
// nonce is derived from the packet id and sender node id per the on-air
// protocol (8 bytes of packet id + 8 bytes of sender node id, both
// little-endian), not a library concern since it is a single
// protocol-mandated construction rather than a general-purpose cipher mode.
func decryptPSK(psk []byte, packetID uint32, fromNode uint32, ciphertext []byte) ([]byte, error) {
	key, err := expandPSK(psk)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	nonce := make([]byte, aes.BlockSize)
	putUint64LE(nonce[0:8], uint64(packetID))
	putUint64LE(nonce[8:16], uint64(fromNode))

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, nonce).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// expandPSK resolves Meshtastic's shorthand channel PSKs: a single zero byte
// means "no encryption" (rejected here, callers should skip decryption), a
// single non-zero byte selects one of the firmware's default 1-byte PSKs
// (not reproduced here; operators must supply the full key), and any other
// length must decode (base64, the form used in channel URLs) to a 16 or
// 32 byte AES key.
func expandPSK(psk []byte) ([]byte, error) {
	switch len(psk) {
	case 16, 32:
		return psk, nil
	case 0:
		return nil, fmt.Errorf("expand psk: empty key")
	default:
		decoded, err := base64.StdEncoding.DecodeString(string(psk))
		if err != nil {
			return nil, fmt.Errorf("expand psk: not a raw 16/32 byte key and not valid base64: %w", err)
		}
		if len(decoded) != 16 && len(decoded) != 32 {
			return nil, fmt.Errorf("expand psk: decoded key has invalid length %d", len(decoded))
		}
		return decoded, nil
	}
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
