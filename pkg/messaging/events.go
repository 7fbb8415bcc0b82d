package messaging

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Default subjects
const (
	DefaultSLATopic          = "sla.events"
	DefaultRoomSubjectPrefix = "rooms"
)

// Header names carried on SLA firing messages.
const (
	// HeaderMsgID is the JetStream de-duplication header.
	HeaderMsgID = nats.MsgIdHdr
	// HeaderTimerID names the timer that fired, for consumer-side dedupe.
	HeaderTimerID = "Sla-Timer-Id"
	// HeaderOrigin names the process instance that produced a message.
	HeaderOrigin = "Sla-Origin"
	// HeaderRoom carries the unsanitized room id on fan-out messages.
	HeaderRoom = "Sla-Room"
)

// SLAEvent is the wire payload of a timer firing. Its shape is fixed:
// consumers correlate it with the sla_breach timeline event on
// (incidentId, kind).
type SLAEvent struct {
	IncidentID string `json:"incidentId"`
	Kind       string `json:"kind"`
}

// Encode marshals the event body.
func (e SLAEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeSLAEvent parses a firing body.
func DecodeSLAEvent(data []byte) (SLAEvent, error) {
	var ev SLAEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return SLAEvent{}, fmt.Errorf("decode sla event: %w", err)
	}
	return ev, nil
}

// FiringHeader builds the headers for a firing of timerID.
func FiringHeader(timerID, origin string) nats.Header {
	h := nats.Header{}
	h.Set(HeaderMsgID, timerID)
	h.Set(HeaderTimerID, timerID)
	if origin != "" {
		h.Set(HeaderOrigin, origin)
	}
	return h
}

// RoomSubject returns the fan-out subject for one incident room.
// NATS tokens cannot contain '.', '*', '>' or whitespace, so those are
// replaced.
func RoomSubject(prefix, incidentID string) string {
	return prefix + "." + subjectToken(incidentID)
}

// RoomWildcard matches every room subject under prefix.
func RoomWildcard(prefix string) string {
	return prefix + ".>"
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, s)
}
