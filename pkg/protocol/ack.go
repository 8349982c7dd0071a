package protocol

import (
	"encoding/json"
	"fmt"
)

// Ack statuses. Every request-style emission is answered by exactly one
// acknowledgement: success-with-data or failure-with-reason.
const (
	AckSuccess = "success"
	AckError   = "error"
)

// Ack is the tagged acknowledgement envelope. Data is only present on
// success, Reason only on error.
type Ack struct {
	Status string          `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Failure reasons carried in error acknowledgements.
const (
	ReasonNoDevicesInMission = "no-devices-in-mission"
	ReasonDeviceNotInMission = "device-not-in-mission"
	ReasonInvalidStatus      = "invalid-status"
	ReasonNotAMember         = "not-a-member"
	ReasonEmptyCommand       = "empty-command"
	ReasonInvalidTimestamp   = "invalid-timestamp"
	ReasonDeviceIDInUse      = "device-id-in-use"
	ReasonUnknownSession     = "unknown-session"
	ReasonBadRequest         = "bad-request"
)

// ReasonError is a validation or routing failure that must surface to the
// originating caller as an error acknowledgement. It is distinct from
// infrastructure errors, which never leak wire reasons.
type ReasonError struct {
	Reason string
}

func (e *ReasonError) Error() string {
	return e.Reason
}

// Reject builds a ReasonError for the given wire reason.
func Reject(reason string) error {
	return &ReasonError{Reason: reason}
}

// SuccessAck marshals a success acknowledgement carrying data.
func SuccessAck(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal ack data: %w", err)
	}
	return json.Marshal(Ack{Status: AckSuccess, Data: raw})
}

// ErrorAck marshals an error acknowledgement carrying a reason.
func ErrorAck(reason string) []byte {
	data, _ := json.Marshal(Ack{Status: AckError, Reason: reason})
	return data
}

// AckFor converts an operation result into an acknowledgement: ReasonErrors
// become error acks, infrastructure errors become a generic error ack, and
// nil errors wrap data in a success ack.
func AckFor(data any, err error) []byte {
	if err != nil {
		if re, ok := err.(*ReasonError); ok {
			return ErrorAck(re.Reason)
		}
		return ErrorAck("internal-error")
	}
	out, mErr := SuccessAck(data)
	if mErr != nil {
		return ErrorAck("internal-error")
	}
	return out
}

// DecodeAck parses an acknowledgement and, on success, unmarshals its data
// into out (which may be nil to discard). An error acknowledgement is
// returned as a ReasonError.
func DecodeAck(raw []byte, out any) error {
	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("parse ack: %w", err)
	}
	switch ack.Status {
	case AckSuccess:
		if out == nil || len(ack.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(ack.Data, out); err != nil {
			return fmt.Errorf("parse ack data: %w", err)
		}
		return nil
	case AckError:
		return &ReasonError{Reason: ack.Reason}
	default:
		return fmt.Errorf("unknown ack status %q", ack.Status)
	}
}
