package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/LiorVainer/mission-center/pkg/protocol"
)

// clientFrame is one message from a WebSocket client. Request events carry
// an id the acknowledgement is correlated by; id 0 means fire-and-forget.
type clientFrame struct {
	ID      int64           `json:"id,omitempty"`
	Event   protocol.Event  `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is one message to a WebSocket client: either the
// acknowledgement of a request (ID + Ack) or a pushed notification
// (Event + Payload).
type serverFrame struct {
	ID      int64           `json:"id,omitempty"`
	Event   protocol.Event  `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     *protocol.Ack   `json:"ack,omitempty"`
}

func decodeClientFrame(data []byte) (clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return clientFrame{}, fmt.Errorf("parse frame: %w", err)
	}
	if f.Event == "" {
		return clientFrame{}, fmt.Errorf("frame has no event")
	}
	return f, nil
}

func encodeAckFrame(id int64, ack protocol.Ack) ([]byte, error) {
	return json.Marshal(serverFrame{ID: id, Ack: &ack})
}

func encodeEventFrame(event protocol.Event, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(serverFrame{Event: event, Payload: payload})
}

// identityFromQuery resolves the connecting client's role and device
// identifier from the socket URL query, the way the original clients
// connected: devices pass ?deviceId=..., controllers ?role=controller.
func identityFromQuery(q url.Values) (protocol.Role, string, error) {
	deviceID := q.Get("deviceId")
	role := q.Get("role")
	switch {
	case deviceID != "" && role == "":
		return protocol.RoleDevice, deviceID, nil
	case deviceID == "" && role == string(protocol.RoleController):
		return protocol.RoleController, "", nil
	case deviceID != "" && role != "":
		return "", "", fmt.Errorf("both deviceId and role given")
	default:
		return "", "", fmt.Errorf("need deviceId or role=controller")
	}
}
