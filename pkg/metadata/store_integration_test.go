//go:build integration

package metadata_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/jackjduggan/ds-eda-ca/pkg/metadata"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Backends are reached through the usual emulator and service variables;
// each test skips when its variable is unset.

func runPrefix() string {
	return fmt.Sprintf("it-%d/", time.Now().UnixNano())
}

func TestFirestoreStore_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"
	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := metadata.NewFirestoreStore(&metadata.FirestoreConfig{
		ProjectID:      projectID,
		CollectionName: "object-metadata",
	}, client, zerolog.Nop())
	require.NoError(t, err)

	runStoreSuite(t, store, runPrefix())
}

func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	store, err := metadata.NewRedisStore(ctx, &metadata.RedisConfig{Addr: addr}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runStoreSuite(t, store, runPrefix())
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	store, err := metadata.NewPostgresStore(ctx, &metadata.PostgresConfig{DSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runStoreSuite(t, store, runPrefix())
}
