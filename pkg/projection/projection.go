// Package projection is the client-side reconciliation state machine. It
// consumes the broker's event stream plus local action results through a
// single ordered inbox and maintains a locally consistent view: joined
// missions, per-mission device rosters, latest status per (mission, device),
// and an append-only display log per key.
//
// The projection never re-queries the server. It replays events from the
// join acknowledgement's roster snapshot, which bounds staleness at one
// missed event while connected.
package projection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LiorVainer/mission-center/pkg/protocol"
)

// BroadcastTarget is the selection value addressing every device in the
// active mission.
const BroadcastTarget = "ALL"

// ConnState is the connection lifecycle of the owning client.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Item is one unit of inbox work: a server event or a local action result.
// Processing order is the arrival order, one item at a time.
type Item interface{ isItem() }

// ConnectingItem marks the start of a connection attempt.
type ConnectingItem struct{}

// ConnectedItem carries the join acknowledgement that opens a session. Its
// roster snapshot is authoritative as of that moment and merged
// unconditionally.
type ConnectedItem struct {
	Ack protocol.JoinMissionRoomsAck
}

// DisconnectedItem marks a dropped connection. The last known view is kept.
type DisconnectedItem struct{}

// DeviceJoinedItem is a DEVICE_JOINED_MISSION notification.
type DeviceJoinedItem struct {
	Payload protocol.DeviceJoinedMissionPayload
}

// DeviceLeftItem is a DEVICE_LEFT_MISSION notification.
type DeviceLeftItem struct {
	Payload protocol.DeviceLeftMissionPayload
}

// StatusUpdateItem is a forwarded DEVICE_STATUS_UPDATE.
type StatusUpdateItem struct {
	Payload protocol.DeviceStatusUpdatePayload
}

// CommandReceivedItem is an incoming command on a device client.
type CommandReceivedItem struct {
	Kind      string // "device" or "mission"
	MissionID string
	Command   string
	From      string
	Timestamp int64
}

// CommandResultItem is the local acknowledgement of a command this client
// sent. It is logged immediately, without waiting for any async event.
type CommandResultItem struct {
	MissionID string
	DeviceID  string // empty for broadcasts
	Command   string
	Err       error // nil on success; ReasonError carries the wire reason
}

func (ConnectingItem) isItem()      {}
func (ConnectedItem) isItem()       {}
func (DisconnectedItem) isItem()    {}
func (DeviceJoinedItem) isItem()    {}
func (DeviceLeftItem) isItem()      {}
func (StatusUpdateItem) isItem()    {}
func (CommandReceivedItem) isItem() {}
func (CommandResultItem) isItem()   {}

// LogEntry is one line of the append-only display log.
type LogEntry struct {
	Time time.Time
	Text string
}

// StatusView is the cached last status of a (mission, device) key.
type StatusView struct {
	Status    protocol.DeviceStatus
	Timestamp int64
}

// Projection holds the reconciled local view. Apply must be called from a
// single goroutine; Run provides that loop for live clients while tests
// drive Apply directly. Read accessors are safe from other goroutines.
type Projection struct {
	mu sync.RWMutex

	state    ConnState
	joined   []string
	rosters  map[string][]string
	statuses map[string]StatusView // key "mission:device"
	logs     map[string][]LogEntry // key mission or "mission:device"

	// Command-entry selection, controller variant. selectedDevice resets to
	// BroadcastTarget when the selected device leaves the active mission.
	activeMission  string
	selectedDevice string

	inbox chan Item
}

// New creates an empty, disconnected projection.
func New() *Projection {
	return &Projection{
		state:          Disconnected,
		rosters:        make(map[string][]string),
		statuses:       make(map[string]StatusView),
		logs:           make(map[string][]LogEntry),
		selectedDevice: BroadcastTarget,
		inbox:          make(chan Item, 256),
	}
}

// Key builds the per-(mission, device) log and status key.
func Key(mission, device string) string {
	return mission + ":" + device
}

// Dispatch queues an item for processing in arrival order.
func (p *Projection) Dispatch(item Item) {
	p.inbox <- item
}

// Run drains the inbox until ctx is done, applying one item at a time.
func (p *Projection) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case item := <-p.inbox:
			p.Apply(item)
		}
	}
}

// Apply processes exactly one item. The processing order is the ordering
// contract: callers must not apply concurrently.
func (p *Projection) Apply(item Item) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch it := item.(type) {
	case ConnectingItem:
		p.state = Connecting

	case ConnectedItem:
		p.state = Connected
		p.mergeSnapshot(it.Ack)

	case DisconnectedItem:
		p.state = Disconnected

	case DeviceJoinedItem:
		p.addToRoster(it.Payload.MissionID, it.Payload.DeviceID)
		p.appendLog(it.Payload.MissionID,
			fmt.Sprintf("Device %q joined mission", it.Payload.DeviceID))

	case DeviceLeftItem:
		mission, device := it.Payload.MissionID, it.Payload.DeviceID
		p.removeFromRoster(mission, device)
		delete(p.statuses, Key(mission, device))
		p.appendLog(mission, fmt.Sprintf("Device %q disconnected from mission", device))
		if p.activeMission == mission && p.selectedDevice == device {
			p.selectedDevice = BroadcastTarget
		}

	case StatusUpdateItem:
		key := Key(it.Payload.MissionID, it.Payload.DeviceID)
		p.statuses[key] = StatusView{Status: it.Payload.Status, Timestamp: it.Payload.Timestamp}
		p.appendLog(key, fmt.Sprintf("Status %s @ %s", it.Payload.Status,
			time.UnixMilli(it.Payload.Timestamp).Format("15:04:05")))

	case CommandReceivedItem:
		p.appendLog(it.MissionID, fmt.Sprintf("%s command from %s: %s", it.Kind, it.From, it.Command))

	case CommandResultItem:
		key := it.MissionID
		if it.DeviceID != "" {
			key = Key(it.MissionID, it.DeviceID)
		}
		switch {
		case it.Err == nil && it.DeviceID == "":
			p.appendLog(key, fmt.Sprintf("Broadcast %q to all devices in %s", it.Command, it.MissionID))
		case it.Err == nil:
			p.appendLog(key, fmt.Sprintf("Delivered %q to %s", it.Command, it.DeviceID))
		default:
			p.appendLog(key, fmt.Sprintf("Command %q failed: %v", it.Command, it.Err))
		}
	}
}

// mergeSnapshot applies a join ack: the joined list and roster snapshot are
// authoritative and replace the local view wholesale.
func (p *Projection) mergeSnapshot(ack protocol.JoinMissionRoomsAck) {
	p.joined = append([]string(nil), ack.Joined...)
	sort.Strings(p.joined)
	p.rosters = make(map[string][]string, len(ack.Devices))
	for mission, devices := range ack.Devices {
		roster := append([]string(nil), devices...)
		sort.Strings(roster)
		p.rosters[mission] = roster
	}
}

func (p *Projection) addToRoster(mission, device string) {
	roster := p.rosters[mission]
	for _, d := range roster {
		if d == device {
			return
		}
	}
	roster = append(roster, device)
	sort.Strings(roster)
	p.rosters[mission] = roster
}

func (p *Projection) removeFromRoster(mission, device string) {
	roster := p.rosters[mission]
	out := roster[:0]
	for _, d := range roster {
		if d != device {
			out = append(out, d)
		}
	}
	p.rosters[mission] = out
}

func (p *Projection) appendLog(key, text string) {
	p.logs[key] = append(p.logs[key], LogEntry{Time: time.Now(), Text: text})
}

// State returns the connection state.
func (p *Projection) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Joined returns the missions joined as of the last snapshot merge.
func (p *Projection) Joined() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.joined...)
}

// Roster returns the known devices of a mission.
func (p *Projection) Roster(mission string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.rosters[mission]...)
}

// Status returns the cached status for (mission, device).
func (p *Projection) Status(mission, device string) (StatusView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.statuses[Key(mission, device)]
	return s, ok
}

// Log returns the display log for a key (mission or mission:device).
func (p *Projection) Log(key string) []LogEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]LogEntry(nil), p.logs[key]...)
}

// Select sets the command-entry target: the active mission and either a
// device identifier or BroadcastTarget.
func (p *Projection) Select(mission, device string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeMission = mission
	if device == "" {
		device = BroadcastTarget
	}
	p.selectedDevice = device
}

// Selection returns the active mission and selected device target.
func (p *Projection) Selection() (mission, device string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeMission, p.selectedDevice
}
