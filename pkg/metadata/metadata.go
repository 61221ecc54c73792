// Package metadata stores one record per object, keyed by the object's decoded key.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadata record not found")

// Record is the metadata kept for an object.
type Record struct {
	ObjectKey   string    `json:"objectKey" firestore:"objectKey"`
	Description string    `json:"description,omitempty" firestore:"description,omitempty"`
	PayloadType string    `json:"payloadType" firestore:"payloadType"`
	Bucket      string    `json:"bucket,omitempty" firestore:"bucket,omitempty"`
	ContentType string    `json:"contentType,omitempty" firestore:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty" firestore:"size,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Fields is a partial update. Nil fields are left unchanged.
type Fields struct {
	Description *string
}

// Empty reports whether the update would change nothing.
func (f Fields) Empty() bool { return f.Description == nil }

func (f Fields) apply(r *Record, now time.Time) {
	if f.Description != nil {
		r.Description = *f.Description
	}
	r.UpdatedAt = now
}

// Store is a keyed record store. Every operation touches a single key and is
// atomic at the backend, so callers need no locking across keys.
type Store interface {
	// Put creates or replaces the record for key. Last write wins.
	Put(ctx context.Context, key string, rec Record) error
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
	// Delete removes the record for key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
	// Update applies fields to an existing record, failing with ErrNotFound
	// rather than creating one.
	Update(ctx context.Context, key string, fields Fields) error
	Close() error
}
