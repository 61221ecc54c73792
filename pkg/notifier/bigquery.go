package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
)

// AuditRow is one notification as stored in BigQuery.
type AuditRow struct {
	SentAt    time.Time `bigquery:"sent_at"`
	Recipient string    `bigquery:"recipient"`
	Subject   string    `bigquery:"subject"`
	Body      string    `bigquery:"body"`
}

// AuditInserter appends audit rows to a store.
type AuditInserter interface {
	InsertBatch(ctx context.Context, rows []*AuditRow) error
}

// BigQueryDatasetConfig names the audit table.
type BigQueryDatasetConfig struct {
	DatasetID string
	TableID   string
}

// BigQueryAuditInserter streams audit rows into a BigQuery table.
type BigQueryAuditInserter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryAuditInserter connects to the audit table, creating it from the
// AuditRow schema when it does not exist.
func NewBigQueryAuditInserter(
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryDatasetConfig,
	logger zerolog.Logger,
) (*BigQueryAuditInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryDatasetConfig cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryAuditInserter").
		Str("project_id", client.Project()).Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		schema, err := bigquery.InferSchema(AuditRow{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer audit schema: %w", err)
		}
		if err := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created successfully.")
	}

	return &BigQueryAuditInserter{inserter: tableRef.Inserter(), logger: logger}, nil
}

func (i *BigQueryAuditInserter) InsertBatch(ctx context.Context, rows []*AuditRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := i.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	return nil
}

// BigQuerySink appends an audit row per notification.
type BigQuerySink struct {
	inserter AuditInserter
	now      func() time.Time
}

// NewBigQuerySink creates a sink over inserter.
func NewBigQuerySink(inserter AuditInserter) *BigQuerySink {
	return &BigQuerySink{inserter: inserter, now: time.Now}
}

func (s *BigQuerySink) Send(ctx context.Context, recipient, subject, body string) error {
	row := &AuditRow{
		SentAt:    s.now().UTC(),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	}
	if err := s.inserter.InsertBatch(ctx, []*AuditRow{row}); err != nil {
		return fmt.Errorf("audit notification: %w", err)
	}
	return nil
}
