// Package broker implements the mission-scoped presence and command-routing
// core: who is in which mission, how commands reach a whole mission or one
// device inside it, and how device status flows back to controllers. The
// package is transport-free; it talks to connected clients through the
// Channel interface.
package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LiorVainer/mission-center/pkg/catalog"
	"github.com/LiorVainer/mission-center/pkg/protocol"
)

// maxTimestampSkew bounds how far in the future a client-supplied status
// timestamp may be before it fails sanity validation.
const maxTimestampSkew = 5 * time.Minute

// client is the broker's view of one connected channel.
type client struct {
	ch       Channel
	role     protocol.Role
	deviceID string          // empty for controllers
	missions map[string]bool // missions this client has joined
}

// Broker owns all mutable presence and status state. Every mutation funnels
// through its mutex: mission cardinality is small enough for global
// serialization, which also guarantees that a disconnect is ordered after
// any in-flight join acknowledgement for the same channel.
type Broker struct {
	mu       sync.Mutex
	catalog  *catalog.Catalog
	reg      *registry
	statuses *statusStore
	clients  map[string]*client // channel ID → client

	joinCounter    metric.Int64Counter
	leaveCounter   metric.Int64Counter
	commandCounter metric.Int64Counter
	statusCounter  metric.Int64Counter
	rejectCounter  metric.Int64Counter
	fanoutHist     metric.Int64Histogram
}

// New creates a broker for the given static mission catalog.
func New(cat *catalog.Catalog) *Broker {
	b := &Broker{
		catalog:  cat,
		reg:      newRegistry(),
		statuses: newStatusStore(),
		clients:  make(map[string]*client),
	}

	meter := otel.Meter("mission-broker")
	b.joinCounter, _ = meter.Int64Counter("mission_joins_total",
		metric.WithDescription("Mission rooms joined by clients"))
	b.leaveCounter, _ = meter.Int64Counter("mission_leaves_total",
		metric.WithDescription("Mission memberships removed on disconnect"))
	b.commandCounter, _ = meter.Int64Counter("mission_commands_total",
		metric.WithDescription("Commands dispatched, by kind"))
	b.statusCounter, _ = meter.Int64Counter("device_status_updates_total",
		metric.WithDescription("Device status updates stored and forwarded"))
	b.rejectCounter, _ = meter.Int64Counter("mission_rejects_total",
		metric.WithDescription("Requests rejected, by reason"))
	b.fanoutHist, _ = meter.Int64Histogram("mission_fanout_recipients",
		metric.WithDescription("Recipients per broadcast fan-out"))

	sessionGauge, _ := meter.Int64ObservableGauge("mission_sessions",
		metric.WithDescription("Connected client sessions"))
	membershipGauge, _ := meter.Int64ObservableGauge("mission_memberships",
		metric.WithDescription("Current (mission, device) membership pairs"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		b.mu.Lock()
		sessions := len(b.clients)
		memberships := b.reg.totalMemberships()
		b.mu.Unlock()
		o.ObserveInt64(sessionGauge, int64(sessions))
		o.ObserveInt64(membershipGauge, int64(memberships))
		return nil
	}, sessionGauge, membershipGauge)

	return b
}

// Catalog returns the broker's static mission catalog.
func (b *Broker) Catalog() *catalog.Catalog {
	return b.catalog
}

func (b *Broker) reject(ctx context.Context, reason string) error {
	b.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return protocol.Reject(reason)
}

// Register admits a connected channel. Devices must carry an identifier that
// is not already live; controllers carry none. Registration alone joins no
// missions.
func (b *Broker) Register(ctx context.Context, ch Channel, role protocol.Role, deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if role != protocol.RoleController && role != protocol.RoleDevice {
		return b.reject(ctx, protocol.ReasonBadRequest)
	}
	if role == protocol.RoleDevice {
		if deviceID == "" {
			return b.reject(ctx, protocol.ReasonBadRequest)
		}
		for _, c := range b.clients {
			if c.role == protocol.RoleDevice && c.deviceID == deviceID {
				return b.reject(ctx, protocol.ReasonDeviceIDInUse)
			}
		}
	} else {
		deviceID = ""
	}

	b.clients[ch.ID()] = &client{
		ch:       ch,
		role:     role,
		deviceID: deviceID,
		missions: make(map[string]bool),
	}
	slog.InfoContext(ctx, "Client registered", "conn", ch.ID(), "role", role, "device", deviceID)
	return nil
}

// Join adds the calling channel to each valid requested mission. Invalid
// mission names are dropped silently, never failing the request. The ack
// carries the sub-list actually joined plus a roster snapshot of every
// catalog mission. Other members of a newly joined mission are notified only
// when the joiner is a device: controllers have no addressable identity
// worth broadcasting.
func (b *Broker) Join(ctx context.Context, connID string, missions []string) (protocol.JoinMissionRoomsAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[connID]
	if !ok {
		return protocol.JoinMissionRoomsAck{}, b.reject(ctx, protocol.ReasonUnknownSession)
	}

	joined := make([]string, 0, len(missions))
	for _, mission := range missions {
		if !b.catalog.Contains(mission) {
			slog.DebugContext(ctx, "Dropping unknown mission from join", "mission", mission, "conn", connID)
			continue
		}
		joined = append(joined, mission)
		if c.missions[mission] {
			continue // idempotent re-join, no notification
		}
		c.missions[mission] = true
		b.joinCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mission", mission),
			attribute.String("role", string(c.role)),
		))

		if c.role != protocol.RoleDevice {
			continue
		}
		// Mutate first, then notify the mission's other parties.
		b.reg.addMember(mission, c.deviceID, c.ch)
		b.notifyMission(mission, connID, protocol.DeviceJoinedMission, protocol.DeviceJoinedMissionPayload{
			MissionID: mission,
			DeviceID:  c.deviceID,
		})
		slog.InfoContext(ctx, "Device joined mission", "device", c.deviceID, "mission", mission)
	}

	return protocol.JoinMissionRoomsAck{
		Joined:  joined,
		Devices: b.rosterSnapshot(),
	}, nil
}

// rosterSnapshot returns the member roster of every catalog mission, empty
// slices included, so a fresh controller renders full state in one round trip.
func (b *Broker) rosterSnapshot() map[string][]string {
	snapshot := make(map[string][]string, b.catalog.Len())
	for _, mission := range b.catalog.Missions() {
		members := b.reg.members(mission)
		if members == nil {
			members = []string{}
		}
		snapshot[mission] = members
	}
	return snapshot
}

// Disconnect removes a channel from all missions, purges its stored
// statuses, and emits one DEVICE_LEFT_MISSION per mission it was in. It runs
// exactly once per connection: the first caller removes the client record
// and later calls are no-ops. The mutex orders it after any in-flight join
// for the same channel.
func (b *Broker) Disconnect(ctx context.Context, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[connID]
	if !ok {
		return
	}
	delete(b.clients, connID)

	if c.role != protocol.RoleDevice {
		slog.InfoContext(ctx, "Controller disconnected", "conn", connID)
		return
	}

	missions := b.reg.removeFromAll(c.deviceID)
	for _, mission := range missions {
		b.statuses.purge(mission, c.deviceID)
		b.leaveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mission", mission)))
		b.notifyMission(mission, connID, protocol.DeviceLeftMission, protocol.DeviceLeftMissionPayload{
			MissionID: mission,
			DeviceID:  c.deviceID,
		})
	}
	slog.InfoContext(ctx, "Device disconnected", "device", c.deviceID, "conn", connID, "missions", len(missions))
}

// Broadcast relays a command to every device currently in the mission. The
// acknowledgement reports overall dispatch, not per-recipient delivery:
// per-recipient send faults are logged and ignored, and a device
// disconnecting mid-fan-out may or may not receive the command.
func (b *Broker) Broadcast(ctx context.Context, missionID, command, from string) (protocol.SendMissionCommandAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.TrimSpace(command) == "" {
		return protocol.SendMissionCommandAck{}, b.reject(ctx, protocol.ReasonEmptyCommand)
	}
	channels := b.reg.channels(missionID)
	if len(channels) == 0 {
		return protocol.SendMissionCommandAck{}, b.reject(ctx, protocol.ReasonNoDevicesInMission)
	}

	payload := protocol.SendMissionCommandPayload{
		MissionID: missionID,
		Command:   command,
		From:      from,
		Timestamp: time.Now().UnixMilli(), // broker clock, immune to client skew
	}
	for _, ch := range channels {
		if err := ch.Notify(protocol.SendMissionCommand, payload); err != nil {
			slog.WarnContext(ctx, "Broadcast delivery failed", "mission", missionID, "conn", ch.ID(), "error", err)
		}
	}

	b.commandCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mission", missionID),
		attribute.String("kind", "broadcast"),
	))
	b.fanoutHist.Record(ctx, int64(len(channels)), metric.WithAttributes(
		attribute.String("mission", missionID),
	))
	slog.InfoContext(ctx, "Broadcast command dispatched", "mission", missionID, "from", from, "recipients", len(channels))

	return protocol.SendMissionCommandAck{DeliveredTo: missionID}, nil
}

// Targeted relays a command to a single device inside a mission. The echoed
// identifier confirms delivery to the device's live channel, nothing more.
func (b *Broker) Targeted(ctx context.Context, missionID, deviceID, command, from string) (protocol.DeviceCommandAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.TrimSpace(command) == "" {
		return protocol.DeviceCommandAck{}, b.reject(ctx, protocol.ReasonEmptyCommand)
	}
	ch, ok := b.reg.channelFor(missionID, deviceID)
	if !ok {
		return protocol.DeviceCommandAck{}, b.reject(ctx, protocol.ReasonDeviceNotInMission)
	}

	payload := protocol.DeviceCommandPayload{
		MissionID: missionID,
		DeviceID:  deviceID,
		Command:   command,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := ch.Notify(protocol.DeviceCommand, payload); err != nil {
		slog.WarnContext(ctx, "Targeted delivery failed", "mission", missionID, "device", deviceID, "error", err)
	}

	b.commandCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mission", missionID),
		attribute.String("kind", "targeted"),
	))
	slog.InfoContext(ctx, "Targeted command dispatched", "mission", missionID, "device", deviceID, "from", from)

	return protocol.DeviceCommandAck{DeliveredTo: deviceID}, nil
}

// UpdateStatus validates and stores a device's status for a mission, then
// forwards it to every controller joined to that mission. The store is
// replace-on-write; the caller must be the device it reports for and a
// current member of the mission.
func (b *Broker) UpdateStatus(ctx context.Context, connID string, upd protocol.DeviceStatusUpdatePayload) (protocol.DeviceStatusUpdateAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[connID]
	if !ok {
		return protocol.DeviceStatusUpdateAck{}, b.reject(ctx, protocol.ReasonUnknownSession)
	}
	if !upd.Status.Valid() {
		return protocol.DeviceStatusUpdateAck{}, b.reject(ctx, protocol.ReasonInvalidStatus)
	}
	if upd.Timestamp <= 0 || upd.Timestamp > time.Now().Add(maxTimestampSkew).UnixMilli() {
		return protocol.DeviceStatusUpdateAck{}, b.reject(ctx, protocol.ReasonInvalidTimestamp)
	}
	if c.role != protocol.RoleDevice || c.deviceID != upd.DeviceID || !b.reg.isMember(upd.MissionID, c.deviceID) {
		return protocol.DeviceStatusUpdateAck{}, b.reject(ctx, protocol.ReasonNotAMember)
	}

	b.statuses.put(upd.MissionID, upd.DeviceID, StatusEntry{
		Status:    upd.Status,
		Timestamp: upd.Timestamp,
	})

	forwarded := 0
	for _, ctrl := range b.controllersIn(upd.MissionID) {
		if err := ctrl.Notify(protocol.DeviceStatusUpdate, upd); err != nil {
			slog.WarnContext(ctx, "Status forward failed", "mission", upd.MissionID, "conn", ctrl.ID(), "error", err)
			continue
		}
		forwarded++
	}

	b.statusCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mission", upd.MissionID),
		attribute.String("status", string(upd.Status)),
	))
	slog.DebugContext(ctx, "Status update stored", "mission", upd.MissionID, "device", upd.DeviceID,
		"status", upd.Status, "controllers", forwarded)

	return protocol.DeviceStatusUpdateAck{Received: true}, nil
}

// notifyMission pushes a presence notification to every party of a mission
// except the originating connection: member devices and joined controllers.
func (b *Broker) notifyMission(mission, exceptConnID string, event protocol.Event, payload any) {
	for _, ch := range b.reg.channels(mission) {
		if ch.ID() == exceptConnID {
			continue
		}
		if err := ch.Notify(event, payload); err != nil {
			slog.Warn("Presence notification failed", "mission", mission, "conn", ch.ID(), "error", err)
		}
	}
	for _, ch := range b.controllersIn(mission) {
		if ch.ID() == exceptConnID {
			continue
		}
		if err := ch.Notify(event, payload); err != nil {
			slog.Warn("Presence notification failed", "mission", mission, "conn", ch.ID(), "error", err)
		}
	}
}

// controllersIn lists the channels of controllers joined to a mission.
func (b *Broker) controllersIn(mission string) []Channel {
	var out []Channel
	for _, c := range b.clients {
		if c.role == protocol.RoleController && c.missions[mission] {
			out = append(out, c.ch)
		}
	}
	return out
}

// Members exposes a mission's current roster for handlers and tests.
func (b *Broker) Members(mission string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.members(mission)
}

// Status exposes the stored status of (mission, device), if any.
func (b *Broker) Status(mission, deviceID string) (StatusEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses.get(mission, deviceID)
}

// StoredStatuses counts status entries, for tests and diagnostics.
func (b *Broker) StoredStatuses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses.size()
}

// Sessions counts registered channels.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
