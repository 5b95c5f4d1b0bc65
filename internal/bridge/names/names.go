// Package names implements the NODEINFO-derived name directory: a simple
// key/value map from NodeId to short/long name, persisted so names survive
// restart. Explicitly out of core scope per spec §1 ("a simple key/value
// map"), but still a concrete, runnable component of the repo.
package names

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

// Store is the persistence contract this package depends on (satisfied by
// internal/bridge/store.Store).
type Store interface {
	UpsertNodeName(ctx context.Context, node model.NodeId, short, long string) error
	LoadNodeNames(ctx context.Context) (map[model.NodeId]string, error)
}

// Directory is an in-memory cache of node display names, backed by Store.
// Safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	names map[model.NodeId]string
	store Store
}

// New creates a Directory backed by store. Call Load before serving
// requests to rehydrate from persistent storage.
func New(store Store) *Directory {
	return &Directory{names: make(map[model.NodeId]string), store: store}
}

// Load rehydrates the in-memory cache from the persistent store.
func (d *Directory) Load(ctx context.Context) error {
	names, err := d.store.LoadNodeNames(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = names
	return nil
}

// Update records a node's short/long name from a NODEINFO packet. short
// is preferred for display; long is kept for completeness.
func (d *Directory) Update(ctx context.Context, node model.NodeId, short, long string) error {
	display := short
	if display == "" {
		display = long
	}
	if display != "" {
		d.mu.Lock()
		d.names[node] = display
		d.mu.Unlock()
	}
	return d.store.UpsertNodeName(ctx, node, short, long)
}

// DisplayName resolves node's display name, falling back to its !hex form
// when unknown.
func (d *Directory) DisplayName(node model.NodeId) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.names[node]; ok && name != "" {
		return name
	}
	return node.String()
}

// GatewayDisplayName resolves a GatewayId's display name. The synthetic
// "lan" gateway renders as-is; numeric gateways resolve through DisplayName.
func (d *Directory) GatewayDisplayName(gw model.GatewayId) string {
	if gw == model.LANGateway {
		return string(model.LANGateway)
	}
	node, ok := parseGatewayNode(gw)
	if !ok {
		return string(gw)
	}
	return d.DisplayName(node)
}

// parseGatewayNode parses a "!xxxxxxxx" GatewayId into its NodeId.
func parseGatewayNode(gw model.GatewayId) (model.NodeId, bool) {
	s := strings.TrimPrefix(string(gw), "!")
	if len(s) != 8 {
		return 0, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, false
	}
	return model.NodeId(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), true
}
