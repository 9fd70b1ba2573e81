// Package session runs one URL ingestion request end to end: it resolves the
// references, fetches them into a private temp scope, types every document
// and hands the batch to the partitioning engine. The scope is removed on
// every exit path.
package session

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"time"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/internal/ingestion/filetype"
	"github.com/Vantiq/unstructured-api/internal/ingestion/orchestrator"
	"github.com/Vantiq/unstructured-api/internal/ingestion/spool"
	"github.com/Vantiq/unstructured-api/pkg/config"
	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	"github.com/Vantiq/unstructured-api/pkg/metrics"
	"github.com/Vantiq/unstructured-api/pkg/tracing"
)

// Partitioner is the downstream partitioning engine.
type Partitioner interface {
	Partition(ctx context.Context, files []ingestion.PartitionFile, opts ingestion.Options) (*ingestion.PartitionResult, error)
}

// Recorder receives the audit record of every run. Implementations must not
// block the caller for long and must not fail the request.
type Recorder interface {
	Record(ctx context.Context, run *ingestion.RunRecord)
}

// Config controls a Service.
type Config struct {
	// TempDir is the root for temp scopes; empty means the platform default.
	TempDir string
	// DownloadThreads caps concurrent fetches per request.
	DownloadThreads int
	// TrustDeclaredType accepts a specific server Content-Type without
	// sniffing.
	TrustDeclaredType bool
}

// ConfigFrom derives a session Config from the ingestion settings.
func ConfigFrom(c config.IngestionConfig) Config {
	return Config{
		TempDir:           c.TempDir,
		DownloadThreads:   c.DownloadThreads,
		TrustDeclaredType: c.TrustDeclaredType,
	}
}

// Option customises a Service.
type Option func(*Service)

// WithRecorder sets the run recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service runs ingestion requests. It holds no per-request state and is
// safe for concurrent use.
type Service struct {
	cfg         Config
	fetcher     orchestrator.Fetcher
	resolver    *filetype.Resolver
	partitioner Partitioner
	recorder    Recorder
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates a Service. A nil resolver selects the default content sniffer.
func New(cfg Config, f orchestrator.Fetcher, r *filetype.Resolver, p Partitioner, opts ...Option) *Service {
	if r == nil {
		r = filetype.NewResolver(nil)
	}
	s := &Service{
		cfg:         cfg,
		fetcher:     f,
		resolver:    r,
		partitioner: p,
		logger:      slog.Default().With("component", "ingestion-session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ingests req and returns the partitioning engine's result. Reference,
// fetch and partition failures are returned as *ingestion.ReferenceError,
// *ingestion.FetchError and *ingestion.PartitionError respectively.
func (s *Service) Run(ctx context.Context, req *ingestion.PartitionURLsRequest) (result *ingestion.PartitionResult, err error) {
	start := time.Now()
	run := &ingestion.RunRecord{
		RequestID: logger.RequestID(ctx),
		URLCount:  len(req.URLs),
		StartedAt: start.UTC(),
	}
	ctx, span := tracing.Start(ctx, "ingest", logger.RequestID(ctx))
	span.Set("urls", len(req.URLs))
	defer func() {
		span.Finish(err)
		if span.Root() {
			span.LogTo(logger.FromContext(ctx))
		}
		s.finish(ctx, run, err, start)
	}()

	scope, err := spool.NewScope(s.cfg.TempDir)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInternal, 500, "allocating temp storage: %v", err)
	}
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("temp scope cleanup failed", "dir", scope.Dir(), "error", cerr)
		}
	}()

	refs, err := resolveRefs(ctx, req.URLs)
	if err != nil {
		return nil, err
	}

	docs, err := s.fetch(ctx, refs, scope)
	if err != nil {
		return nil, err
	}

	files, records, err := s.typeDocuments(ctx, docs)
	if err != nil {
		return nil, err
	}
	run.Documents = records
	for _, d := range docs {
		run.TotalBytes += d.Size
	}

	return s.partition(ctx, files, req.Options)
}

// Inspect fetches and types the documents of req without partitioning them
// and describes each one in input order. Nothing is recorded.
func (s *Service) Inspect(ctx context.Context, req *ingestion.PartitionURLsRequest) (_ []ingestion.DocumentRecord, err error) {
	ctx, span := tracing.Start(ctx, "inspect", logger.RequestID(ctx))
	defer func() {
		span.Finish(err)
		span.LogTo(logger.FromContext(ctx))
	}()

	scope, err := spool.NewScope(s.cfg.TempDir)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInternal, 500, "allocating temp storage: %v", err)
	}
	defer scope.Close()

	refs, err := resolveRefs(ctx, req.URLs)
	if err != nil {
		return nil, err
	}
	docs, err := s.fetch(ctx, refs, scope)
	if err != nil {
		return nil, err
	}
	_, records, err := s.typeDocuments(ctx, docs)
	return records, err
}

func resolveRefs(ctx context.Context, entries []ingestion.ReferenceEntry) ([]ingestion.DocumentReference, error) {
	_, span := tracing.Start(ctx, "resolve", "")
	refs, err := ingestion.ResolveAll(entries)
	span.Finish(err)
	return refs, err
}

func (s *Service) fetch(ctx context.Context, refs []ingestion.DocumentReference, scope *spool.Scope) ([]*ingestion.FetchedDocument, error) {
	ctx, span := tracing.Start(ctx, "fetch", "")
	span.Set("max_parallel", s.cfg.DownloadThreads)
	docs, err := orchestrator.FetchAll(ctx, s.fetcher, refs, scope, s.cfg.DownloadThreads)
	span.Finish(err)
	return docs, err
}

// typeDocuments attaches a content type to every document and builds the
// partition batch in input order.
func (s *Service) typeDocuments(ctx context.Context, docs []*ingestion.FetchedDocument) (_ []ingestion.PartitionFile, _ []ingestion.DocumentRecord, err error) {
	_, span := tracing.Start(ctx, "typing", "")
	defer func() { span.Finish(err) }()

	files := make([]ingestion.PartitionFile, len(docs))
	records := make([]ingestion.DocumentRecord, len(docs))
	for i, doc := range docs {
		contentType, source, err := s.contentType(doc)
		if err != nil {
			return nil, nil, apperrors.Newf(apperrors.ErrInternal, 500, "typing %s: %v", doc.URL, err)
		}
		if err := doc.Body.Rewind(); err != nil {
			return nil, nil, apperrors.Newf(apperrors.ErrInternal, 500, "rewinding %s: %v", doc.URL, err)
		}
		doc.ContentType = contentType
		if s.metrics != nil {
			s.metrics.TypeResolutionsTotal.WithLabelValues(string(source)).Inc()
		}

		files[i] = ingestion.PartitionFile{
			Filename:    doc.Filename,
			ContentType: contentType,
			Body:        doc.Body,
			Size:        doc.Size,
		}
		records[i] = ingestion.DocumentRecord{
			Position:    i,
			URL:         doc.URL,
			Filename:    doc.Filename,
			ContentType: contentType,
			TypeSource:  string(source),
			Size:        doc.Size,
			Spilled:     doc.Body.Spilled(),
		}
	}
	return files, records, nil
}

// contentType picks the caller's explicit type, then a specific
// server-declared type when trusted, then sniffing.
func (s *Service) contentType(doc *ingestion.FetchedDocument) (string, filetype.Source, error) {
	if doc.ContentType == "" && s.cfg.TrustDeclaredType && !filetype.IsGeneric(doc.DeclaredType) {
		mt, _, err := mime.ParseMediaType(doc.DeclaredType)
		if err == nil {
			return mt, filetype.SourceDeclared, nil
		}
	}
	res, err := s.resolver.Resolve(doc.Body, doc.Filename, doc.ContentType, doc.Encoding)
	if err != nil {
		return "", "", err
	}
	return res.MIMEType, res.Source, nil
}

func (s *Service) partition(ctx context.Context, files []ingestion.PartitionFile, opts ingestion.Options) (*ingestion.PartitionResult, error) {
	ctx, span := tracing.Start(ctx, "partition", "")
	span.Set("files", len(files))
	result, err := s.partitioner.Partition(ctx, files, opts)
	span.Finish(err)
	return result, err
}

func (s *Service) finish(ctx context.Context, run *ingestion.RunRecord, err error, start time.Time) {
	run.Duration = time.Since(start)
	run.Status = ingestion.StatusOf(err)
	if err != nil {
		run.Error = err.Error()
		var fe *ingestion.FetchError
		if errors.As(err, &fe) {
			run.FailedURL = fe.URL
		}
	}

	log := logger.FromContext(ctx)
	if err != nil {
		log.Warn("ingestion failed", "status", run.Status, "urls", run.URLCount, "error", err, "duration_ms", run.Duration.Milliseconds())
	} else {
		log.Info("ingestion completed", "urls", run.URLCount, "bytes", run.TotalBytes, "duration_ms", run.Duration.Milliseconds())
	}

	if s.metrics != nil {
		s.metrics.IngestionsTotal.WithLabelValues(run.Status).Inc()
		s.metrics.IngestionDuration.Observe(run.Duration.Seconds())
	}
	if s.recorder != nil {
		s.recorder.Record(context.WithoutCancel(ctx), run)
	}
}
