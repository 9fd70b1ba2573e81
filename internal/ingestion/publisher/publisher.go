// Package publisher records every ingestion run: the run and its documents
// are written to PostgreSQL and an IngestEvent is published to Kafka. Either
// sink may be absent, and failures are logged rather than returned.
package publisher

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/pkg/kafka"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	"github.com/Vantiq/unstructured-api/pkg/postgres"
	"github.com/Vantiq/unstructured-api/pkg/resilience"
)

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, run *ingestion.RunRecord) error
}

// EventPublisher emits events to a message bus.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Publisher fans a run record out to the configured sinks.
type Publisher struct {
	store  RunStore
	events EventPublisher
	logger *slog.Logger
}

// New creates a Publisher. Either argument may be nil.
func New(store RunStore, events EventPublisher) *Publisher {
	return &Publisher{
		store:  store,
		events: events,
		logger: slog.Default().With("component", "publisher"),
	}
}

// Record implements session.Recorder.
func (p *Publisher) Record(ctx context.Context, run *ingestion.RunRecord) {
	log := logger.FromContext(ctx)
	if p.store != nil {
		if err := p.store.SaveRun(ctx, run); err != nil {
			log.Error("failed to persist ingestion run",
				"status", run.Status,
				"error", err,
			)
		}
	}
	if p.events == nil {
		return
	}
	event := kafka.Event{
		Key:   run.RequestID,
		Value: NewIngestEvent(run),
	}
	if run.RequestID != "" {
		event.Headers = map[string]string{"X-Request-ID": run.RequestID}
	}
	if err := p.events.Publish(ctx, event); err != nil {
		log.Error("failed to publish ingest event",
			"status", run.Status,
			"error", err,
		)
	}
}

// NewIngestEvent builds the event payload for run.
func NewIngestEvent(run *ingestion.RunRecord) ingestion.IngestEvent {
	docs := run.Documents
	if docs == nil {
		docs = []ingestion.DocumentRecord{}
	}
	return ingestion.IngestEvent{
		RequestID:   run.RequestID,
		Status:      run.Status,
		Error:       run.Error,
		FailedURL:   run.FailedURL,
		Documents:   docs,
		TotalBytes:  run.TotalBytes,
		DurationMs:  run.Duration.Milliseconds(),
		CompletedAt: run.StartedAt.Add(run.Duration).UTC(),
	}
}

// Schema creates the run ledger tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ingestion_runs (
		id          BIGSERIAL PRIMARY KEY,
		request_id  TEXT,
		status      TEXT NOT NULL,
		error       TEXT,
		failed_url  TEXT,
		url_count   INTEGER NOT NULL,
		total_bytes BIGINT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ingestion_runs_request_id_idx ON ingestion_runs (request_id)`,
	`CREATE TABLE IF NOT EXISTS ingestion_documents (
		run_id       BIGINT NOT NULL REFERENCES ingestion_runs (id) ON DELETE CASCADE,
		position     INTEGER NOT NULL,
		url          TEXT NOT NULL,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL,
		type_source  TEXT NOT NULL,
		size_bytes   BIGINT NOT NULL,
		spilled      BOOLEAN NOT NULL,
		PRIMARY KEY (run_id, position)
	)`,
}

// PostgresStore is a RunStore backed by PostgreSQL.
type PostgresStore struct {
	db *postgres.Client
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the ledger tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.db.Migrate(ctx, Schema...)
}

// SaveRun inserts run and its documents in one transaction, retrying
// transient database failures.
func (s *PostgresStore) SaveRun(ctx context.Context, run *ingestion.RunRecord) error {
	cols := documentColumns(run.Documents)
	err := resilience.Retry(ctx, "save ingestion run", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		err := s.db.InTx(ctx, func(tx *sql.Tx) error {
			var runID int64
			err := tx.QueryRowContext(ctx,
				`INSERT INTO ingestion_runs (request_id, status, error, failed_url, url_count, total_bytes, started_at, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
				nullableString(run.RequestID), run.Status, nullableString(run.Error), nullableString(run.FailedURL),
				run.URLCount, run.TotalBytes, run.StartedAt, run.Duration.Milliseconds(),
			).Scan(&runID)
			if err != nil || len(run.Documents) == 0 {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO ingestion_documents (run_id, position, url, filename, content_type, type_source, size_bytes, spilled)
			SELECT $1, d.* FROM unnest($2::int[], $3::text[], $4::text[], $5::text[], $6::text[], $7::bigint[], $8::bool[])
				AS d(position, url, filename, content_type, type_source, size_bytes, spilled)`,
				runID, pq.Array(cols.positions), pq.Array(cols.urls), pq.Array(cols.filenames),
				pq.Array(cols.contentTypes), pq.Array(cols.typeSources), pq.Array(cols.sizes), pq.Array(cols.spilled),
			)
			if err != nil {
				return fmt.Errorf("inserting %d documents: %w", len(run.Documents), err)
			}
			return nil
		})
		if err != nil && !postgres.IsTransient(err) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("saving ingestion run: %w", err)
	}
	return nil
}

// docColumns holds the document rows of a run column by column, the shape
// unnest expects.
type docColumns struct {
	positions    []int64
	urls         []string
	filenames    []string
	contentTypes []string
	typeSources  []string
	sizes        []int64
	spilled      []bool
}

func documentColumns(docs []ingestion.DocumentRecord) docColumns {
	c := docColumns{
		positions:    make([]int64, len(docs)),
		urls:         make([]string, len(docs)),
		filenames:    make([]string, len(docs)),
		contentTypes: make([]string, len(docs)),
		typeSources:  make([]string, len(docs)),
		sizes:        make([]int64, len(docs)),
		spilled:      make([]bool, len(docs)),
	}
	for i, d := range docs {
		c.positions[i] = int64(d.Position)
		c.urls[i] = d.URL
		c.filenames[i] = d.Filename
		c.contentTypes[i] = d.ContentType
		c.typeSources[i] = d.TypeSource
		c.sizes[i] = d.Size
		c.spilled[i] = d.Spilled
	}
	return c
}

// nullableString converts a Go string to a sql.NullString, treating the
// empty string as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
