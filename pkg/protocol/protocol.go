// Package protocol defines the wire vocabulary shared by the broker and its
// clients: event names, request and acknowledgement payloads, the device
// status enum, and the failure reasons carried inside acknowledgements.
package protocol

// Event is the name of a request or notification on the channel.
type Event string

// Events exposed at the channel boundary. Requests carry exactly one
// acknowledgement; notifications are fire-and-forget server→client pushes.
const (
	// Client→server requests.
	JoinMissionRooms   Event = "JOIN_MISSION_ROOMS"
	DeviceCommand      Event = "DEVICE_COMMAND"
	SendMissionCommand Event = "SEND_MISSION_COMMAND"
	DeviceStatusUpdate Event = "DEVICE_STATUS_UPDATE"

	// Server→client notifications.
	DeviceJoinedMission Event = "DEVICE_JOINED_MISSION"
	DeviceLeftMission   Event = "DEVICE_LEFT_MISSION"
)

// Role distinguishes the two client kinds on a session.
type Role string

const (
	RoleController Role = "controller"
	RoleDevice     Role = "device"
)

// DeviceStatus is the fixed status enumeration devices may report.
type DeviceStatus string

const (
	StatusIdle      DeviceStatus = "idle"
	StatusActive    DeviceStatus = "active"
	StatusError     DeviceStatus = "error"
	StatusCompleted DeviceStatus = "completed"
)

// Valid reports whether s is one of the enumerated statuses.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusError, StatusCompleted:
		return true
	}
	return false
}

// JoinMissionRoomsPayload asks to join a set of mission rooms. Invalid
// mission names are dropped, never failing the whole request.
type JoinMissionRoomsPayload struct {
	Missions []string `json:"missions"`
}

// JoinMissionRoomsAck acknowledges a join: the sub-list actually joined plus
// a roster snapshot for every catalog mission, so a fresh controller can
// render full state without a second round trip.
type JoinMissionRoomsAck struct {
	Joined  []string            `json:"joined"`
	Devices map[string][]string `json:"devices"`
}

// DeviceCommandPayload addresses a command at one device inside a mission.
type DeviceCommandPayload struct {
	MissionID string `json:"missionId"`
	DeviceID  string `json:"deviceId"`
	Command   string `json:"command"`
	From      string `json:"from"`
	// Timestamp is assigned at broker receipt, never client-supplied.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// DeviceCommandAck echoes the identifier the command was delivered to. The
// echo confirms channel delivery only, not remote consumption.
type DeviceCommandAck struct {
	DeliveredTo string `json:"deliveredTo"`
}

// SendMissionCommandPayload addresses a command at every device currently in
// a mission.
type SendMissionCommandPayload struct {
	MissionID string `json:"missionId"`
	Command   string `json:"command"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SendMissionCommandAck names the mission the broadcast was dispatched to.
type SendMissionCommandAck struct {
	DeliveredTo string `json:"deliveredTo"`
}

// DeviceStatusUpdatePayload reports a device's status for one mission. The
// timestamp is client-supplied milliseconds and must pass sanity validation.
type DeviceStatusUpdatePayload struct {
	MissionID string       `json:"missionId"`
	DeviceID  string       `json:"deviceId"`
	Status    DeviceStatus `json:"status"`
	Timestamp int64        `json:"timestamp"`
}

// DeviceStatusUpdateAck confirms the broker stored and forwarded the update.
type DeviceStatusUpdateAck struct {
	Received bool `json:"received"`
}

// DeviceJoinedMissionPayload notifies existing mission members of a new
// device member.
type DeviceJoinedMissionPayload struct {
	MissionID string `json:"missionId"`
	DeviceID  string `json:"deviceId"`
}

// DeviceLeftMissionPayload notifies remaining mission members that a device
// left (always via channel disconnect).
type DeviceLeftMissionPayload struct {
	MissionID string `json:"missionId"`
	DeviceID  string `json:"deviceId"`
}

// ConnectRequest opens a session with the broker. DeviceID is empty for
// controllers.
type ConnectRequest struct {
	Role     Role   `json:"role"`
	DeviceID string `json:"deviceId,omitempty"`
}

// ConnectAck carries the session identifier and the heartbeat budget the
// client must honor to stay live.
type ConnectAck struct {
	ConnID             string `json:"connId"`
	HeartbeatIntervalS int    `json:"heartbeatIntervalSeconds"`
}
