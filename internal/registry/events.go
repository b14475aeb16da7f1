package registry

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventSubjectEnrolled      EventKind = "SubjectEnrolled"
	EventSubjectUpdated       EventKind = "SubjectUpdated"
	EventSubjectDeactivated   EventKind = "SubjectDeactivated"
	EventSubjectReactivated   EventKind = "SubjectReactivated"
	EventNodeRegistered       EventKind = "NodeRegistered"
	EventNodeStatusChanged    EventKind = "NodeStatusChanged"
	EventAuthenticationLogged EventKind = "AuthenticationLogged"
	EventOwnershipTransferred EventKind = "OwnershipTransferred"
	EventOwnerBootstrapped    EventKind = "OwnerBootstrapped"
)

// Event is the change notification emitted after every committed mutation.
// It carries the indexed key fields only, never commitment material.
type Event struct {
	ID        string            `json:"id"`
	Kind      EventKind         `json:"kind"`
	Caller    string            `json:"caller"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Notifier consumes committed events. Implementations must not block the
// apply path for long; sinks that do network IO should buffer internally.
type Notifier interface {
	Publish(event *Event)
}

func newEvent(kind EventKind, caller string, ts time.Time, fields map[string]string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Caller:    caller,
		Timestamp: ts,
		Fields:    fields,
	}
}
