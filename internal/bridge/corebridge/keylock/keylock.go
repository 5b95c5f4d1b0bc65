// Package keylock provides a striped mutex keyed by packet id, giving the
// bridge per-packet serialization (spec §4.1(b), §5) without forcing every
// packet in the system through a single global lock.
package keylock

import (
	"sync"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// stripes is the number of lock stripes. Packets hashing to different
// stripes can proceed concurrently; packets sharing a stripe (including,
// always, packets sharing a PacketId) serialize.
const stripes = 64

// Striped is a fixed-size array of mutexes indexed by PacketId hash.
type Striped struct {
	locks [stripes]sync.Mutex
}

// New creates a Striped keylock.
func New() *Striped {
	return &Striped{}
}

// Lock acquires the stripe for id.
func (s *Striped) Lock(id model.PacketId) {
	s.locks[stripe(id)].Lock()
}

// Unlock releases the stripe for id.
func (s *Striped) Unlock(id model.PacketId) {
	s.locks[stripe(id)].Unlock()
}

// With runs fn while holding the stripe for id.
func (s *Striped) With(id model.PacketId, fn func()) {
	s.Lock(id)
	defer s.Unlock(id)
	fn()
}

func stripe(id model.PacketId) uint32 {
	return uint32(id) % stripes
}
