package main

import (
	"testing"
	"time"
)

func TestSessionTable(t *testing.T) {
	t.Run("touch keeps a session live", func(t *testing.T) {
		table := newSessionTable()
		table.add("c1")
		if !table.touch("c1") {
			t.Error("touch on live session must succeed")
		}
		if expired := table.expire(time.Minute); len(expired) != 0 {
			t.Errorf("fresh session expired: %v", expired)
		}
	})

	t.Run("idle session expires", func(t *testing.T) {
		table := newSessionTable()
		table.add("c1")
		table.add("c2")
		// Backdate c1 past the ttl; c2 stays fresh.
		table.mu.Lock()
		table.lastSeen["c1"] = time.Now().Add(-time.Minute)
		table.mu.Unlock()

		expired := table.expire(30 * time.Second)
		if len(expired) != 1 || expired[0] != "c1" {
			t.Fatalf("expected [c1] expired, got %v", expired)
		}
		if !table.contains("c2") {
			t.Error("fresh session must survive the sweep")
		}
		if table.contains("c1") {
			t.Error("expired session must be gone")
		}
	})

	t.Run("heartbeat cannot resurrect an expired session", func(t *testing.T) {
		table := newSessionTable()
		table.add("c1")
		table.mu.Lock()
		table.lastSeen["c1"] = time.Now().Add(-time.Minute)
		table.mu.Unlock()
		table.expire(time.Second)

		if table.touch("c1") {
			t.Error("touch after expiry must fail")
		}
		if table.size() != 0 {
			t.Errorf("resurrected session, size=%d", table.size())
		}
	})

	t.Run("remove is exactly once", func(t *testing.T) {
		table := newSessionTable()
		table.add("c1")
		if !table.remove("c1") {
			t.Fatal("first remove must win")
		}
		if table.remove("c1") {
			t.Error("second remove must lose")
		}
		// The sweeper path cannot double-process either.
		if expired := table.expire(0); len(expired) != 0 {
			t.Errorf("removed session expired again: %v", expired)
		}
	})
}
