package metadata

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreStore keeps one document per object in a collection. Object keys
// may contain '/', which Firestore forbids in document IDs, so IDs are the
// query-escaped key; the raw key is stored in the objectKey field.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore creates a store on an injected client. The client's
// lifecycle stays with the caller.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// DocumentID returns the document ID used for key.
func DocumentID(key string) string { return url.QueryEscape(key) }

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(DocumentID(key))
}

func (s *FirestoreStore) Put(ctx context.Context, key string, rec Record) error {
	rec.ObjectKey = key
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.doc(key).Set(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Stored metadata record.")
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, key string) (Record, error) {
	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Record{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
		}
		return Record{}, fmt.Errorf("firestore get for %s: %w", key, err)
	}
	var rec Record
	if err := snap.DataTo(&rec); err != nil {
		return Record{}, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	return rec, nil
}

// Delete removes the document. Firestore treats deleting a missing document as success.
func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	if _, err := s.doc(key).Delete(ctx); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to delete document from Firestore.")
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

// Update patches the document. Firestore's Update fails with NotFound on a
// missing document, so no record is ever created here.
func (s *FirestoreStore) Update(ctx context.Context, key string, fields Fields) error {
	updates := []firestore.Update{{Path: "updatedAt", Value: time.Now().UTC()}}
	if fields.Description != nil {
		updates = append(updates, firestore.Update{Path: "description", Value: *fields.Description})
	}

	if _, err := s.doc(key).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("update %q: %w", key, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to update document in Firestore.")
		return fmt.Errorf("firestore update for %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the injected client is closed by its owner.
func (s *FirestoreStore) Close() error { return nil }
