package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const defaultPostgresTable = "object_metadata"

// PostgresConfig holds configuration for the Postgres store.
type PostgresConfig struct {
	DSN   string
	Table string
}

// PostgresStore keeps one row per object. Each operation is a single-row
// statement, so Postgres row locking provides per-key atomicity.
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// NewPostgresStore opens the database and creates the table if needed.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	s, err := NewPostgresStoreFromDB(ctx, db, cfg.Table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an open handle. Close closes db.
func NewPostgresStoreFromDB(ctx context.Context, db *sql.DB, table string, logger zerolog.Logger) (*PostgresStore, error) {
	if table == "" {
		table = defaultPostgresTable
	}
	s := &PostgresStore{
		db:     db,
		table:  table,
		logger: logger.With().Str("component", "PostgresStore").Str("table", table).Logger(),
	}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	s.logger.Info().Msg("PostgresStore initialized.")
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			object_key TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			payload_type TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, quoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (object_key, description, payload_type, bucket, content_type, size, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (object_key) DO UPDATE
		SET description = EXCLUDED.description,
		    payload_type = EXCLUDED.payload_type,
		    bucket = EXCLUDED.bucket,
		    content_type = EXCLUDED.content_type,
		    size = EXCLUDED.size,
		    updated_at = EXCLUDED.updated_at`, quoteIdentifier(s.table))

	_, err := s.db.ExecContext(ctx, query,
		key, rec.Description, rec.PayloadType, rec.Bucket, rec.ContentType, rec.Size, rec.UpdatedAt)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to upsert record.")
		return fmt.Errorf("postgres put for %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Record, error) {
	query := fmt.Sprintf(`
		SELECT object_key, description, payload_type, bucket, content_type, size, updated_at
		FROM %s WHERE object_key = $1`, quoteIdentifier(s.table))

	var r Record
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&r.ObjectKey, &r.Description, &r.PayloadType, &r.Bucket, &r.ContentType, &r.Size, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("postgres get for %s: %w", key, err)
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE object_key = $1`, quoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("postgres delete for %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, fields Fields) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET description = COALESCE($2, description),
		    updated_at = $3
		WHERE object_key = $1`, quoteIdentifier(s.table))

	var description sql.NullString
	if fields.Description != nil {
		description = sql.NullString{String: *fields.Description, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query, key, description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres update for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres update for %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("update %q: %w", key, ErrNotFound)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
