// Package objectevent defines the canonical object lifecycle event and turns
// raw object-store notifications and annotation requests into it.
package objectevent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies what happened to an object.
type Kind string

const (
	Created   Kind = "Created"
	Removed   Kind = "Removed"
	Annotated Kind = "Annotated"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Created, Removed, Annotated:
		return true
	}
	return false
}

// Well-known attribute names.
const (
	AttrEventName   = "eventName"
	AttrEventTime   = "eventTime"
	AttrBucket      = "bucket"
	AttrSize        = "size"
	AttrPayloadType = "payloadType"
	AttrCommentType = "commentType"
	AttrDescription = "description"
	AttrOutcome     = "outcome"
	AttrReason      = "reason"
	// Set on dead-lettered events: the queue they came from and how many
	// times that queue handed them out.
	AttrSourceQueue = "sourceQueue"
	AttrAttempts    = "attempts"
)

// Outcome attribute values published by the ingest consumer.
const (
	OutcomeIngested = "ingested"
	OutcomeRejected = "rejected"
)

var (
	// ErrMalformedEvent is returned for records that cannot be parsed or lack required fields.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownPayloadType is returned when an object key carries no type suffix.
	ErrUnknownPayloadType = errors.New("unknown payload type")
)

// ObjectEvent is a single lifecycle event for one object. Kind and ObjectKey
// are fixed at construction.
type ObjectEvent struct {
	// ID correlates log lines for one event across components.
	ID string
	// Attributes carries kind-specific data such as the payload type or description.
	Attributes map[string]string
	// ReceivedAttemptCount is set by the queue that delivered the event.
	ReceivedAttemptCount int

	kind Kind
	key  string
}

// New builds an event. The key must be non-empty after trimming whitespace.
func New(kind Kind, key string, attrs map[string]string) (ObjectEvent, error) {
	if !kind.Valid() {
		return ObjectEvent{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, kind)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ObjectEvent{}, fmt.Errorf("%w: empty object key", ErrMalformedEvent)
	}
	a := make(map[string]string, len(attrs))
	for k, v := range attrs {
		a[k] = v
	}
	return ObjectEvent{
		ID:         uuid.NewString(),
		Attributes: a,
		kind:       kind,
		key:        key,
	}, nil
}

// Kind returns the event kind.
func (e ObjectEvent) Kind() Kind { return e.kind }

// ObjectKey returns the decoded identity of the target object.
func (e ObjectEvent) ObjectKey() string { return e.key }

// Attr returns the named attribute and whether it is present.
func (e ObjectEvent) Attr(name string) (string, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// With returns a copy of e with name set to value. The receiver is not modified.
func (e ObjectEvent) With(name, value string) ObjectEvent {
	a := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		a[k] = v
	}
	a[name] = value
	e.Attributes = a
	return e
}

func (e ObjectEvent) String() string {
	return fmt.Sprintf("%s(%s)", e.kind, e.key)
}
