package main

import "testing"

func TestSessionRegistryAssignsUniqueIdentifiers(t *testing.T) {
	registry := newSessionRegistry()
	first := &Client{}
	second := &Client{}

	firstID, ok := registry.register(first, 0)
	if !ok {
		t.Fatal("expected unlimited registry to accept the first session")
	}
	secondID, ok := registry.register(second, 0)
	if !ok {
		t.Fatal("expected unlimited registry to accept the second session")
	}

	if firstID == "" || secondID == "" {
		t.Fatalf("expected non-empty identifiers, got %q and %q", firstID, secondID)
	}
	if firstID == secondID {
		t.Fatalf("expected distinct identifiers, both were %q", firstID)
	}
	if got := registry.size(); got != 2 {
		t.Fatalf("expected 2 registered sessions, got %d", got)
	}
	if client, ok := registry.lookup(firstID); !ok || client != first {
		t.Fatalf("lookup(%q) = %v, %v", firstID, client, ok)
	}
}

func TestSessionRegistryEnforcesCapacity(t *testing.T) {
	registry := newSessionRegistry()
	first := &Client{}
	second := &Client{}

	if _, ok := registry.register(first, 1); !ok {
		t.Fatal("expected registration below the cap to succeed")
	}
	if id, ok := registry.register(second, 1); ok || id != "" {
		t.Fatalf("registration beyond the cap = %q, %v; want empty, false", id, ok)
	}
	if got := registry.size(); got != 1 {
		t.Fatalf("rejected registration must not consume a slot, size = %d", got)
	}

	registry.unregister(first)
	if _, ok := registry.register(second, 1); !ok {
		t.Fatal("expected freed slot to be reusable")
	}
}

func TestSessionRegistryUnregisterIsIdempotent(t *testing.T) {
	registry := newSessionRegistry()
	client := &Client{}
	playerID, ok := registry.register(client, 0)
	if !ok {
		t.Fatal("expected registration to succeed")
	}

	freed, ok := registry.unregister(client)
	if !ok || freed != playerID {
		t.Fatalf("unregister = %q, %v; want %q, true", freed, ok, playerID)
	}
	if _, ok := registry.lookup(playerID); ok {
		t.Fatalf("expected %q to be gone after unregister", playerID)
	}

	if freed, ok := registry.unregister(client); ok || freed != "" {
		t.Fatalf("second unregister = %q, %v; want empty, false", freed, ok)
	}
}
