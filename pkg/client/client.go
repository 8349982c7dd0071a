// Package client is the client side of the channel abstraction: a session
// against the broker over NATS with request/acknowledgement emits, event
// handler registration, and connect/heartbeat/disconnect lifecycle.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LiorVainer/mission-center/pkg/otelhelper"
	"github.com/LiorVainer/mission-center/pkg/protocol"
)

// DefaultRequestTimeout bounds every request/acknowledgement round trip.
const DefaultRequestTimeout = 5 * time.Second

// Handler receives the raw payload of one server→client notification.
// Handlers run sequentially on the subscription's dispatch goroutine, so the
// arrival order a projection observes is the publish order.
type Handler func(payload json.RawMessage)

// Client is one session against the broker. Create with New, register
// handlers with On, then Connect.
type Client struct {
	nc       *nats.Conn
	role     protocol.Role
	deviceID string
	timeout  time.Duration

	mu       sync.RWMutex
	connID   string
	handlers map[protocol.Event][]Handler
	sub      *nats.Subscription
	stopHB   chan struct{}
	wg       sync.WaitGroup
}

// New wraps an established NATS connection. The connection stays owned by
// the caller; Disconnect closes the session, not the connection.
func New(nc *nats.Conn, role protocol.Role, deviceID string) *Client {
	return &Client{
		nc:       nc,
		role:     role,
		deviceID: deviceID,
		timeout:  DefaultRequestTimeout,
		handlers: make(map[protocol.Event][]Handler),
	}
}

// On registers a handler for a server→client event. Registration after
// Connect is allowed; dispatch consults the current handler set.
func (c *Client) On(event protocol.Event, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// ConnID returns the session identifier, empty before Connect.
func (c *Client) ConnID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// Connect opens the session: a connect request, the deliver subscription,
// and the heartbeat loop that keeps the session live.
func (c *Client) Connect(ctx context.Context) error {
	req, err := json.Marshal(protocol.ConnectRequest{Role: c.role, DeviceID: c.deviceID})
	if err != nil {
		return fmt.Errorf("marshal connect request: %w", err)
	}
	reply, err := otelhelper.TracedRequest(ctx, c.nc, protocol.SubjectConnect, req, c.timeout)
	if err != nil {
		return fmt.Errorf("connect request: %w", err)
	}
	var ack protocol.ConnectAck
	if err := protocol.DecodeAck(reply.Data, &ack); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	sub, err := c.nc.Subscribe(protocol.DeliverWildcard(ack.ConnID), c.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe deliver subject: %w", err)
	}

	c.mu.Lock()
	c.connID = ack.ConnID
	c.sub = sub
	c.stopHB = make(chan struct{})
	c.mu.Unlock()

	interval := time.Duration(ack.HeartbeatIntervalS) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.wg.Add(1)
	go c.heartbeatLoop(ack.ConnID, interval)

	slog.Info("Session connected", "conn", ack.ConnID, "role", c.role, "device", c.deviceID)
	return nil
}

func (c *Client) heartbeatLoop(connID string, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	subject := protocol.SubjectHeartbeat(connID)
	for {
		select {
		case <-c.stopHB:
			return
		case <-ticker.C:
			if err := c.nc.Publish(subject, nil); err != nil {
				slog.Warn("Heartbeat publish failed", "conn", connID, "error", err)
			}
		}
	}
}

// dispatch routes one deliver message to the registered handlers, in the
// subscription's arrival order.
func (c *Client) dispatch(msg *nats.Msg) {
	event, ok := protocol.EventFromDeliverSubject(msg.Subject)
	if !ok {
		slog.Warn("Unroutable deliver subject", "subject", msg.Subject)
		return
	}
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msg.Data)
	}
}

// Emit sends a request-style emission and decodes its acknowledgement into
// out (nil to discard). Validation and routing failures come back as
// *protocol.ReasonError.
func (c *Client) Emit(ctx context.Context, event protocol.Event, payload any, out any) error {
	c.mu.RLock()
	connID := c.connID
	c.mu.RUnlock()
	if connID == "" {
		return fmt.Errorf("emit %s: session not connected", event)
	}

	var subject string
	switch event {
	case protocol.JoinMissionRooms:
		subject = protocol.SubjectJoin(connID)
	case protocol.DeviceCommand:
		subject = protocol.SubjectDeviceCommand(connID)
	case protocol.SendMissionCommand:
		subject = protocol.SubjectMissionCommand(connID)
	case protocol.DeviceStatusUpdate:
		subject = protocol.SubjectStatus(connID)
	default:
		return fmt.Errorf("emit %s: not a request event", event)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	reply, err := otelhelper.TracedRequest(ctx, c.nc, subject, data, c.timeout)
	if err != nil {
		return fmt.Errorf("%s request: %w", event, err)
	}
	return protocol.DecodeAck(reply.Data, out)
}

// JoinMissions emits JOIN_MISSION_ROOMS for the given mission names.
func (c *Client) JoinMissions(ctx context.Context, missions []string) (protocol.JoinMissionRoomsAck, error) {
	var ack protocol.JoinMissionRoomsAck
	err := c.Emit(ctx, protocol.JoinMissionRooms, protocol.JoinMissionRoomsPayload{Missions: missions}, &ack)
	return ack, err
}

// Disconnect closes the session: heartbeats stop, the deliver subscription
// is drained, and an explicit disconnect is published so the broker purges
// membership immediately instead of waiting for the TTL sweep.
func (c *Client) Disconnect() {
	c.mu.Lock()
	connID := c.connID
	sub := c.sub
	stop := c.stopHB
	c.connID = ""
	c.sub = nil
	c.stopHB = nil
	c.mu.Unlock()

	if connID == "" {
		return
	}
	close(stop)
	c.wg.Wait()
	if err := c.nc.Publish(protocol.SubjectDisconnect(connID), nil); err != nil {
		slog.Warn("Disconnect publish failed", "conn", connID, "error", err)
	}
	if sub != nil {
		if err := sub.Drain(); err != nil {
			slog.Warn("Deliver subscription drain failed", "conn", connID, "error", err)
		}
	}
	slog.Info("Session disconnected", "conn", connID)
}
