package protocol

import "strings"

// NATS subject layout. Requests are request/reply against per-session
// subjects; notifications are published to the session's deliver subject.
const (
	// SubjectConnect opens a session (request → ConnectAck).
	SubjectConnect = "mission.connect"

	// Wildcard forms the broker subscribes to.
	SubjectHeartbeatWildcard      = "mission.heartbeat.*"
	SubjectDisconnectWildcard     = "mission.disconnect.*"
	SubjectJoinWildcard           = "mission.join.*"
	SubjectDeviceCommandWildcard  = "mission.command.device.*"
	SubjectMissionCommandWildcard = "mission.command.send.*"
	SubjectStatusWildcard         = "mission.status.*"
)

// SubjectHeartbeat keeps a session live.
func SubjectHeartbeat(connID string) string { return "mission.heartbeat." + connID }

// SubjectDisconnect closes a session explicitly.
func SubjectDisconnect(connID string) string { return "mission.disconnect." + connID }

// SubjectJoin carries JOIN_MISSION_ROOMS requests.
func SubjectJoin(connID string) string { return "mission.join." + connID }

// SubjectDeviceCommand carries DEVICE_COMMAND requests.
func SubjectDeviceCommand(connID string) string { return "mission.command.device." + connID }

// SubjectMissionCommand carries SEND_MISSION_COMMAND requests.
func SubjectMissionCommand(connID string) string { return "mission.command.send." + connID }

// SubjectStatus carries DEVICE_STATUS_UPDATE requests.
func SubjectStatus(connID string) string { return "mission.status." + connID }

// DeliverSubject is where a session receives server→client notifications for
// one event.
func DeliverSubject(connID string, event Event) string {
	return "deliver." + connID + "." + string(event)
}

// DeliverWildcard subscribes a session to all its notifications.
func DeliverWildcard(connID string) string {
	return "deliver." + connID + ".>"
}

// ConnIDFromSubject extracts the trailing session identifier of a request
// subject ("mission.join.abc123" → "abc123").
func ConnIDFromSubject(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}

// EventFromDeliverSubject extracts the event name of a deliver subject
// ("deliver.abc123.DEVICE_COMMAND" → DEVICE_COMMAND).
func EventFromDeliverSubject(subject string) (Event, bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != "deliver" {
		return "", false
	}
	return Event(parts[2]), true
}
