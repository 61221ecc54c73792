package objectevent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// notification is the outer shape shared by object-store batches and SNS
// envelopes: either a Records list or a JSON-encoded Message.
type notification struct {
	Type    string            `json:"Type"`
	Message string            `json:"Message"`
	Records []json.RawMessage `json:"Records"`
}

type record struct {
	EventName string     `json:"eventName"`
	EventTime string     `json:"eventTime"`
	S3        *s3Entity  `json:"s3"`
	Sns       *snsEntity `json:"Sns"`
}

type s3Entity struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key  string `json:"key"`
		Size int64  `json:"size"`
	} `json:"object"`
}

type snsEntity struct {
	Message           string `json:"Message"`
	MessageAttributes map[string]struct {
		Type  string `json:"Type"`
		Value string `json:"Value"`
	} `json:"MessageAttributes"`
}

// AnnotationRequest is the body of an annotation published by an external caller.
type AnnotationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Normalizer converts raw notifications into ObjectEvents.
type Normalizer struct {
	logger zerolog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With().Str("component", "Normalizer").Logger()}
}

// Normalize decodes an object-store notification. The payload may be a bare
// Records batch or one envelope around such a batch (an SNS notification body,
// or Records whose Sns.Message holds the batch). Each record fails on its own:
// malformed records are reported in errs while their siblings are returned.
func (n *Normalizer) Normalize(raw []byte) ([]ObjectEvent, []error) {
	return n.normalize(raw, nil, 0)
}

func (n *Normalizer) normalize(raw []byte, inherited map[string]string, depth int) ([]ObjectEvent, []error) {
	var env notification
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", ErrMalformedEvent, err)}
	}

	if env.Records == nil {
		if env.Message == "" {
			return nil, []error{fmt.Errorf("%w: no Records or Message", ErrMalformedEvent)}
		}
		if depth > 0 {
			return nil, []error{fmt.Errorf("%w: nested envelope", ErrMalformedEvent)}
		}
		return n.normalize([]byte(env.Message), inherited, depth+1)
	}

	var (
		events []ObjectEvent
		errs   []error
	)
	for i, rawRec := range env.Records {
		var rec record
		if err := json.Unmarshal(rawRec, &rec); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w: %v", i, ErrMalformedEvent, err))
			continue
		}

		if rec.Sns != nil {
			if depth > 0 {
				errs = append(errs, fmt.Errorf("record %d: %w: nested envelope", i, ErrMalformedEvent))
				continue
			}
			attrs := make(map[string]string, len(rec.Sns.MessageAttributes))
			for k, v := range rec.Sns.MessageAttributes {
				attrs[k] = v.Value
			}
			evts, innerErrs := n.normalize([]byte(rec.Sns.Message), attrs, depth+1)
			events = append(events, evts...)
			for _, err := range innerErrs {
				errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			}
			continue
		}

		evt, err := fromS3Record(rec, inherited)
		if err != nil {
			n.logger.Debug().Err(err).Int("record", i).Msg("Skipping record.")
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		events = append(events, evt)
	}
	return events, errs
}

func fromS3Record(rec record, inherited map[string]string) (ObjectEvent, error) {
	if rec.S3 == nil {
		return ObjectEvent{}, fmt.Errorf("%w: missing s3 entity", ErrMalformedEvent)
	}

	var kind Kind
	switch {
	case strings.HasPrefix(rec.EventName, "ObjectCreated"):
		kind = Created
	case strings.HasPrefix(rec.EventName, "ObjectRemoved"):
		kind = Removed
	default:
		return ObjectEvent{}, fmt.Errorf("%w: unsupported event name %q", ErrMalformedEvent, rec.EventName)
	}

	key, err := DecodeKey(rec.S3.Object.Key)
	if err != nil {
		return ObjectEvent{}, err
	}
	payloadType, err := PayloadType(key)
	if err != nil {
		return ObjectEvent{}, err
	}

	attrs := make(map[string]string, len(inherited)+5)
	for k, v := range inherited {
		attrs[k] = v
	}
	attrs[AttrEventName] = rec.EventName
	attrs[AttrBucket] = rec.S3.Bucket.Name
	attrs[AttrPayloadType] = payloadType
	if rec.EventTime != "" {
		attrs[AttrEventTime] = rec.EventTime
	}
	if rec.S3.Object.Size > 0 {
		attrs[AttrSize] = strconv.FormatInt(rec.S3.Object.Size, 10)
	}

	return New(kind, key, attrs)
}

// DecodeKey restores a key as delivered in object-store notifications: literal
// '+' characters stand for spaces and the rest is percent-encoded.
func DecodeKey(raw string) (string, error) {
	decoded, err := url.PathUnescape(strings.ReplaceAll(raw, "+", " "))
	if err != nil {
		return "", fmt.Errorf("%w: undecodable key %q: %v", ErrMalformedEvent, raw, err)
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return "", fmt.Errorf("%w: empty object key", ErrMalformedEvent)
	}
	return decoded, nil
}

// PayloadType returns the lower-cased suffix after the last '.' of the whole
// key, '/' included, so "photos.2024/cat" yields "2024/cat" and "cat." yields
// "". Neither is a supported type, so both end up rejected. Only a key with
// no '.' at all has an unknown payload type.
func PayloadType(key string) (string, error) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownPayloadType, key)
	}
	return strings.ToLower(key[i+1:]), nil
}

// NormalizeAnnotation decodes an annotation request. Message attributes, such
// as the commentType discriminator, are carried onto the event.
func (n *Normalizer) NormalizeAnnotation(body []byte, attrs map[string]string) (ObjectEvent, error) {
	var req AnnotationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ObjectEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	a := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		a[k] = v
	}
	a[AttrDescription] = req.Description
	if pt, err := PayloadType(req.Name); err == nil {
		a[AttrPayloadType] = pt
	}

	evt, err := New(Annotated, req.Name, a)
	if err != nil {
		return ObjectEvent{}, err
	}
	n.logger.Debug().Str("object_key", evt.ObjectKey()).Str("event_id", evt.ID).Msg("Normalized annotation.")
	return evt, nil
}
