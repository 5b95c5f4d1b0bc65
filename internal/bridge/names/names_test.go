package names

import (
	"context"
	"testing"

	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
)

type fakeStore struct {
	names   map[model.NodeId]string
	upserts map[model.NodeId][2]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		names:   make(map[model.NodeId]string),
		upserts: make(map[model.NodeId][2]string),
	}
}

func (f *fakeStore) UpsertNodeName(_ context.Context, node model.NodeId, short, long string) error {
	f.upserts[node] = [2]string{short, long}
	return nil
}

func (f *fakeStore) LoadNodeNames(_ context.Context) (map[model.NodeId]string, error) {
	return f.names, nil
}

func TestDisplayNameFallsBackToHex(t *testing.T) {
	dir := New(newFakeStore())
	if got := dir.DisplayName(0xae614908); got != "!ae614908" {
		t.Errorf("got %q, want %q", got, "!ae614908")
	}
}

func TestUpdatePrefersShortName(t *testing.T) {
	store := newFakeStore()
	dir := New(store)

	if err := dir.Update(context.Background(), 5, "ABC", "Alice's Base Camp"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := dir.DisplayName(5); got != "ABC" {
		t.Errorf("got %q, want %q", got, "ABC")
	}
	if store.upserts[5] != [2]string{"ABC", "Alice's Base Camp"} {
		t.Errorf("upsert not recorded correctly: %v", store.upserts[5])
	}
}

func TestUpdateFallsBackToLongNameWhenShortEmpty(t *testing.T) {
	dir := New(newFakeStore())
	if err := dir.Update(context.Background(), 5, "", "Alice's Base Camp"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := dir.DisplayName(5); got != "Alice's Base Camp" {
		t.Errorf("got %q, want %q", got, "Alice's Base Camp")
	}
}

func TestLoadRehydratesFromStore(t *testing.T) {
	store := newFakeStore()
	store.names[5] = "Alice"
	dir := New(store)

	if err := dir.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := dir.DisplayName(5); got != "Alice" {
		t.Errorf("got %q, want %q", got, "Alice")
	}
}

func TestGatewayDisplayNameLANGateway(t *testing.T) {
	dir := New(newFakeStore())
	if got := dir.GatewayDisplayName(model.LANGateway); got != "lan" {
		t.Errorf("got %q, want %q", got, "lan")
	}
}

func TestGatewayDisplayNameResolvesNodeName(t *testing.T) {
	store := newFakeStore()
	dir := New(store)
	_ = dir.Update(context.Background(), 0xae614908, "Gate", "")

	if got := dir.GatewayDisplayName(model.GatewayId("!ae614908")); got != "Gate" {
		t.Errorf("got %q, want %q", got, "Gate")
	}
}

func TestGatewayDisplayNameFallsBackOnUnparsableId(t *testing.T) {
	dir := New(newFakeStore())
	if got := dir.GatewayDisplayName(model.GatewayId("weird")); got != "weird" {
		t.Errorf("got %q, want %q", got, "weird")
	}
}
