package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAckRoundTrip(t *testing.T) {
	t.Run("success carries data", func(t *testing.T) {
		raw := AckFor(JoinMissionRoomsAck{
			Joined:  []string{"mission-a"},
			Devices: map[string][]string{"mission-a": {"d1"}},
		}, nil)

		var ack JoinMissionRoomsAck
		if err := DecodeAck(raw, &ack); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(ack.Joined) != 1 || ack.Joined[0] != "mission-a" {
			t.Errorf("unexpected joined %v", ack.Joined)
		}
		if got := ack.Devices["mission-a"]; len(got) != 1 || got[0] != "d1" {
			t.Errorf("unexpected devices %v", ack.Devices)
		}
	})

	t.Run("reason error becomes error ack and back", func(t *testing.T) {
		raw := AckFor(nil, Reject(ReasonDeviceNotInMission))
		err := DecodeAck(raw, nil)
		var re *ReasonError
		if !errors.As(err, &re) {
			t.Fatalf("expected ReasonError, got %v", err)
		}
		if re.Reason != ReasonDeviceNotInMission {
			t.Errorf("expected %s, got %s", ReasonDeviceNotInMission, re.Reason)
		}
	})

	t.Run("infrastructure error never leaks", func(t *testing.T) {
		raw := AckFor(nil, errors.New("pq: connection refused"))
		var ack Ack
		if err := json.Unmarshal(raw, &ack); err != nil {
			t.Fatal(err)
		}
		if ack.Status != AckError || ack.Reason != "internal-error" {
			t.Errorf("expected generic internal-error ack, got %+v", ack)
		}
	})

	t.Run("discarding decode", func(t *testing.T) {
		raw := AckFor(DeviceStatusUpdateAck{Received: true}, nil)
		if err := DecodeAck(raw, nil); err != nil {
			t.Errorf("nil out must discard data, got %v", err)
		}
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		if err := DecodeAck([]byte(`{"status":"maybe"}`), nil); err == nil {
			t.Error("expected error for unknown ack status")
		}
	})
}

func TestDeviceStatusValid(t *testing.T) {
	valid := []DeviceStatus{StatusIdle, StatusActive, StatusError, StatusCompleted}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("%s must be valid", s)
		}
	}
	for _, s := range []DeviceStatus{"", "sleeping", "IDLE", "done"} {
		if s.Valid() {
			t.Errorf("%q must be invalid", s)
		}
	}
}

func TestSubjects(t *testing.T) {
	t.Run("conn id extraction", func(t *testing.T) {
		tests := []struct {
			subject string
			want    string
		}{
			{SubjectJoin("abc123"), "abc123"},
			{SubjectHeartbeat("c-9"), "c-9"},
			{"mission.join.", ""},
			{"nodots", ""},
		}
		for _, tt := range tests {
			if got := ConnIDFromSubject(tt.subject); got != tt.want {
				t.Errorf("ConnIDFromSubject(%q) = %q, want %q", tt.subject, got, tt.want)
			}
		}
	})

	t.Run("deliver subject round trip", func(t *testing.T) {
		subject := DeliverSubject("abc123", DeviceCommand)
		event, ok := EventFromDeliverSubject(subject)
		if !ok || event != DeviceCommand {
			t.Errorf("expected %s, got %s ok=%v", DeviceCommand, event, ok)
		}
		if _, ok := EventFromDeliverSubject("mission.join.abc123"); ok {
			t.Error("non-deliver subject must not parse")
		}
	})
}
