package main

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/LiorVainer/mission-center/pkg/protocol"
)

func TestDecodeClientFrame(t *testing.T) {
	t.Run("request frame", func(t *testing.T) {
		f, err := decodeClientFrame([]byte(`{"id":7,"event":"DEVICE_COMMAND","payload":{"missionId":"mission-a"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if f.ID != 7 || f.Event != protocol.DeviceCommand {
			t.Errorf("unexpected frame %+v", f)
		}
	})

	t.Run("fire and forget has id zero", func(t *testing.T) {
		f, err := decodeClientFrame([]byte(`{"event":"DEVICE_STATUS_UPDATE"}`))
		if err != nil {
			t.Fatal(err)
		}
		if f.ID != 0 {
			t.Errorf("expected id 0, got %d", f.ID)
		}
	})

	t.Run("rejects malformed and eventless frames", func(t *testing.T) {
		for _, data := range []string{`not json`, `{"id":1}`, `{}`} {
			if _, err := decodeClientFrame([]byte(data)); err == nil {
				t.Errorf("expected error for %q", data)
			}
		}
	})
}

func TestFrameEncoding(t *testing.T) {
	t.Run("ack frame", func(t *testing.T) {
		out, err := encodeAckFrame(3, protocol.Ack{Status: protocol.AckError, Reason: protocol.ReasonEmptyCommand})
		if err != nil {
			t.Fatal(err)
		}
		var f serverFrame
		if err := json.Unmarshal(out, &f); err != nil {
			t.Fatal(err)
		}
		if f.ID != 3 || f.Ack == nil || f.Ack.Reason != protocol.ReasonEmptyCommand {
			t.Errorf("unexpected ack frame %+v", f)
		}
	})

	t.Run("event frame", func(t *testing.T) {
		payload, _ := json.Marshal(protocol.DeviceLeftMissionPayload{MissionID: "mission-a", DeviceID: "d1"})
		out, err := encodeEventFrame(protocol.DeviceLeftMission, payload)
		if err != nil {
			t.Fatal(err)
		}
		var f serverFrame
		if err := json.Unmarshal(out, &f); err != nil {
			t.Fatal(err)
		}
		if f.Event != protocol.DeviceLeftMission || f.ID != 0 {
			t.Errorf("unexpected event frame %+v", f)
		}
		var evt protocol.DeviceLeftMissionPayload
		if err := json.Unmarshal(f.Payload, &evt); err != nil || evt.DeviceID != "d1" {
			t.Errorf("payload did not survive, got %+v err=%v", evt, err)
		}
	})
}

func TestIdentityFromQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantRole protocol.Role
		wantID   string
		wantErr  bool
	}{
		{"device", "deviceId=rover-1", protocol.RoleDevice, "rover-1", false},
		{"controller", "role=controller", protocol.RoleController, "", false},
		{"both given", "deviceId=rover-1&role=controller", "", "", true},
		{"neither given", "", "", "", true},
		{"unknown role", "role=admin", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			role, deviceID, err := identityFromQuery(q)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if role != tt.wantRole || deviceID != tt.wantID {
				t.Errorf("got %s/%s, want %s/%s", role, deviceID, tt.wantRole, tt.wantID)
			}
		})
	}
}
