package projection

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/LiorVainer/mission-center/pkg/protocol"
)

func connectedWith(devices map[string][]string, joined ...string) ConnectedItem {
	return ConnectedItem{Ack: protocol.JoinMissionRoomsAck{Joined: joined, Devices: devices}}
}

func TestConnectionLifecycle(t *testing.T) {
	p := New()
	if p.State() != Disconnected {
		t.Fatalf("fresh projection must be disconnected, got %s", p.State())
	}
	p.Apply(ConnectingItem{})
	if p.State() != Connecting {
		t.Fatalf("expected connecting, got %s", p.State())
	}
	p.Apply(connectedWith(map[string][]string{"mission-a": {}}, "mission-a"))
	if p.State() != Connected {
		t.Fatalf("expected connected, got %s", p.State())
	}
	p.Apply(DisconnectedItem{})
	if p.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", p.State())
	}
	// The last known view survives the disconnect.
	if got := p.Joined(); !reflect.DeepEqual(got, []string{"mission-a"}) {
		t.Errorf("view must survive disconnect, got %v", got)
	}
}

func TestSnapshotMerge(t *testing.T) {
	p := New()
	p.Apply(connectedWith(map[string][]string{
		"mission-a": {"d2", "d1"},
		"mission-b": {},
	}, "mission-b", "mission-a"))

	if got := p.Joined(); !reflect.DeepEqual(got, []string{"mission-a", "mission-b"}) {
		t.Errorf("joined not sorted/merged: %v", got)
	}
	if got := p.Roster("mission-a"); !reflect.DeepEqual(got, []string{"d1", "d2"}) {
		t.Errorf("roster not sorted: %v", got)
	}
	if got := p.Roster("mission-b"); len(got) != 0 {
		t.Errorf("expected empty roster, got %v", got)
	}

	// A later snapshot replaces the view wholesale.
	p.Apply(connectedWith(map[string][]string{"mission-a": {"d3"}}, "mission-a"))
	if got := p.Roster("mission-a"); !reflect.DeepEqual(got, []string{"d3"}) {
		t.Errorf("snapshot must replace, got %v", got)
	}
	if got := p.Roster("mission-b"); len(got) != 0 {
		t.Errorf("stale roster survived snapshot: %v", got)
	}
}

func TestRosterEvents(t *testing.T) {
	p := New()
	p.Apply(connectedWith(map[string][]string{"mission-a": {"d1"}}, "mission-a"))

	p.Apply(DeviceJoinedItem{Payload: protocol.DeviceJoinedMissionPayload{MissionID: "mission-a", DeviceID: "d2"}})
	if got := p.Roster("mission-a"); !reflect.DeepEqual(got, []string{"d1", "d2"}) {
		t.Errorf("expected [d1 d2], got %v", got)
	}

	// Duplicate join events do not duplicate roster entries.
	p.Apply(DeviceJoinedItem{Payload: protocol.DeviceJoinedMissionPayload{MissionID: "mission-a", DeviceID: "d2"}})
	if got := p.Roster("mission-a"); len(got) != 2 {
		t.Errorf("duplicate join grew the roster: %v", got)
	}

	p.Apply(DeviceLeftItem{Payload: protocol.DeviceLeftMissionPayload{MissionID: "mission-a", DeviceID: "d1"}})
	if got := p.Roster("mission-a"); !reflect.DeepEqual(got, []string{"d2"}) {
		t.Errorf("expected [d2], got %v", got)
	}
	if got := p.Log("mission-a"); len(got) != 3 {
		t.Errorf("expected 3 mission log entries, got %d", len(got))
	}
}

func TestStatusUpdates(t *testing.T) {
	p := New()
	p.Apply(connectedWith(map[string][]string{"mission-a": {"d1"}}, "mission-a"))

	upd := func(status protocol.DeviceStatus, ts int64) StatusUpdateItem {
		return StatusUpdateItem{Payload: protocol.DeviceStatusUpdatePayload{
			MissionID: "mission-a", DeviceID: "d1", Status: status, Timestamp: ts,
		}}
	}
	p.Apply(upd(protocol.StatusActive, 100))
	p.Apply(upd(protocol.StatusCompleted, 200))

	s, ok := p.Status("mission-a", "d1")
	if !ok || s.Status != protocol.StatusCompleted || s.Timestamp != 200 {
		t.Errorf("expected latest status completed@200, got %+v ok=%v", s, ok)
	}
	// The cache keeps only the latest, the log keeps everything.
	if got := p.Log(Key("mission-a", "d1")); len(got) != 2 {
		t.Errorf("expected 2 status log entries, got %d", len(got))
	}
}

func TestDeviceLeftPurgesStatusAndSelection(t *testing.T) {
	p := New()
	p.Apply(connectedWith(map[string][]string{"mission-a": {"d1", "d2"}}, "mission-a"))
	p.Apply(StatusUpdateItem{Payload: protocol.DeviceStatusUpdatePayload{
		MissionID: "mission-a", DeviceID: "d1", Status: protocol.StatusActive, Timestamp: 100,
	}})
	p.Select("mission-a", "d1")

	p.Apply(DeviceLeftItem{Payload: protocol.DeviceLeftMissionPayload{MissionID: "mission-a", DeviceID: "d1"}})

	if _, ok := p.Status("mission-a", "d1"); ok {
		t.Error("status must be purged when the device leaves")
	}
	mission, device := p.Selection()
	if mission != "mission-a" || device != BroadcastTarget {
		t.Errorf("selection must reset to %s, got %s/%s", BroadcastTarget, mission, device)
	}
}

func TestSelectionSurvivesUnrelatedDeparture(t *testing.T) {
	p := New()
	p.Apply(connectedWith(map[string][]string{
		"mission-a": {"d1"},
		"mission-b": {"d1"},
	}, "mission-a", "mission-b"))
	p.Select("mission-a", "d1")

	// Same device id leaving a different mission keeps the selection.
	p.Apply(DeviceLeftItem{Payload: protocol.DeviceLeftMissionPayload{MissionID: "mission-b", DeviceID: "d1"}})
	if _, device := p.Selection(); device != "d1" {
		t.Errorf("selection reset by unrelated departure, got %s", device)
	}
}

func TestCommandLogging(t *testing.T) {
	p := New()

	tests := []struct {
		name string
		item Item
		key  string
	}{
		{"received targeted", CommandReceivedItem{Kind: "device", MissionID: "mission-a", Command: "scan", From: "ctrl"}, "mission-a"},
		{"broadcast result", CommandResultItem{MissionID: "mission-a", Command: "scan"}, "mission-a"},
		{"targeted result", CommandResultItem{MissionID: "mission-a", DeviceID: "d1", Command: "scan"}, Key("mission-a", "d1")},
		{"failed result", CommandResultItem{MissionID: "mission-b", DeviceID: "d2", Command: "scan", Err: errors.New("no-devices-in-mission")}, Key("mission-b", "d2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(p.Log(tt.key))
			p.Apply(tt.item)
			if got := p.Log(tt.key); len(got) != before+1 {
				t.Errorf("expected one new entry under %q, got %d -> %d", tt.key, before, len(got))
			}
		})
	}
}

func TestInboxOrdering(t *testing.T) {
	p := New()
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		p.Run(done)
		close(finished)
	}()

	p.Dispatch(ConnectingItem{})
	p.Dispatch(connectedWith(map[string][]string{"mission-a": {}}, "mission-a"))
	p.Dispatch(DeviceJoinedItem{Payload: protocol.DeviceJoinedMissionPayload{MissionID: "mission-a", DeviceID: "d1"}})
	p.Dispatch(DeviceLeftItem{Payload: protocol.DeviceLeftMissionPayload{MissionID: "mission-a", DeviceID: "d1"}})

	// Both presence events are logged once applied; wait for the second.
	deadline := time.After(2 * time.Second)
	for len(p.Log("mission-a")) < 2 {
		select {
		case <-deadline:
			t.Fatalf("inbox not drained, log has %d entries", len(p.Log("mission-a")))
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := p.Roster("mission-a"); len(got) != 0 {
		t.Errorf("join/left pair must cancel out in order, got %v", got)
	}
	close(done)
	<-finished
}
