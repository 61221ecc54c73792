package objectevent

import (
	"encoding/json"
	"fmt"
)

// AttrKind is the message attribute carrying the event kind on the wire.
const AttrKind = "kind"

type wireEvent struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	ObjectKey  string            `json:"objectKey"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Encode serializes an event into a message body and attribute set. The
// attributes mirror the event attributes plus the kind, so brokers can filter
// without reading the body.
func Encode(evt ObjectEvent) ([]byte, map[string]string, error) {
	body, err := json.Marshal(wireEvent{
		ID:         evt.ID,
		Kind:       evt.kind,
		ObjectKey:  evt.key,
		Attributes: evt.Attributes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	attrs := make(map[string]string, len(evt.Attributes)+1)
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	attrs[AttrKind] = string(evt.kind)
	return body, attrs, nil
}

// Decode parses a body produced by Encode.
func Decode(body []byte) (ObjectEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return ObjectEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	evt, err := New(w.Kind, w.ObjectKey, w.Attributes)
	if err != nil {
		return ObjectEvent{}, err
	}
	if w.ID != "" {
		evt.ID = w.ID
	}
	return evt, nil
}
