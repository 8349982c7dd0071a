package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LiorVainer/mission-center/pkg/broker"
	"github.com/LiorVainer/mission-center/pkg/protocol"
)

// natsChannel is the broker-side handle for one session: notifications are
// published to the session's deliver subject. Publish only buffers onto the
// connection, so a stuck client never stalls the broker's mutation path.
type natsChannel struct {
	nc     *nats.Conn
	connID string
}

func (ch *natsChannel) ID() string {
	return ch.connID
}

func (ch *natsChannel) Notify(event protocol.Event, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", event, err)
	}
	return ch.nc.Publish(protocol.DeliverSubject(ch.connID, event), data)
}

var _ broker.Channel = (*natsChannel)(nil)

// sessionTable tracks liveness per session. A session stays live while
// heartbeats keep arriving; the sweeper expires the rest. Removal from the
// table is the exactly-once gate for disconnect processing: whoever removes
// the entry (explicit disconnect or sweeper) runs the broker disconnect.
type sessionTable struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{lastSeen: make(map[string]time.Time)}
}

func (t *sessionTable) add(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[connID] = time.Now()
}

// touch refreshes a session's liveness. Unknown sessions report false so a
// heartbeat arriving after expiry cannot resurrect the session.
func (t *sessionTable) touch(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastSeen[connID]; !ok {
		return false
	}
	t.lastSeen[connID] = time.Now()
	return true
}

func (t *sessionTable) contains(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lastSeen[connID]
	return ok
}

// remove reports whether the session was present; only the caller that got
// true proceeds with disconnect processing.
func (t *sessionTable) remove(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastSeen[connID]; !ok {
		return false
	}
	delete(t.lastSeen, connID)
	return true
}

// expire removes and returns every session idle longer than ttl.
func (t *sessionTable) expire(ttl time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	var expired []string
	for connID, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, connID)
			delete(t.lastSeen, connID)
		}
	}
	return expired
}

func (t *sessionTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}

// runSweeper periodically expires idle sessions and funnels them into the
// broker's disconnect path, the same path an explicit disconnect takes.
func runSweeper(ctx context.Context, t *sessionTable, b *broker.Broker, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, connID := range t.expire(ttl) {
				slog.Info("Session expired (heartbeat TTL)", "conn", connID)
				b.Disconnect(ctx, connID)
			}
		}
	}
}
